// Package tokencache is the content-addressed, durable cache of UCPT
// tokens, backed by its own goleveldb store with an in-memory
// hashicorp/golang-lru front layer for hot reads. Grounded on spec.md
// §4.3 and the "single fsync domain, multiple logical tables" pattern
// the teacher's single chaindata LevelDB instance uses.
package tokencache

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tos-network/cascade/canon"
	"github.com/tos-network/cascade/errs"
	"github.com/tos-network/cascade/params"
	"github.com/tos-network/cascade/store"
	"github.com/tos-network/cascade/ucpt"
)

var tokenPrefix = []byte("token/")

func tokenKey(hash string) []byte {
	return append(append([]byte{}, tokenPrefix...), []byte(hash)...)
}

type entry struct {
	Token           ucpt.Token `cbor:"token"`
	LastAccessed    int64      `cbor:"last_accessed"`
	AccessCount     int64      `cbor:"access_count"`
	SourcePeer      string     `cbor:"source_peer"`
	Confirms        int        `cbor:"confirms"`
	Disputed        bool       `cbor:"disputed"`
	ValidationScore int        `cbor:"validation_score"`
}

// QueryFilter selects a subset of cached tokens, matching spec.md §4.3's
// query(filter{issuer?, subject?, min_score?, after?, limit?}).
type QueryFilter struct {
	Issuer   string
	Subject  string
	TaskID   string
	MinScore int
	After    time.Time
	Limit    int
}

// SeenHook is called with the hash on every Store, first receipt and
// re-receipt alike, so the node's shared
// bloom filter can be fed without the cache holding a reference to it
// (spec.md §9's "no component reaches into another's storage handle").
type SeenHook func(hash string)

// Cache is the durable, content-addressed token store.
type Cache struct {
	mu    sync.Mutex
	db    *store.Store
	hot   *lru.Cache
	onNew SeenHook
}

// Open opens the cache at path.
func Open(path string, onNew SeenHook) (*Cache, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	hot, err := lru.New(2048)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db, hot: hot, onNew: onNew}, nil
}

func (c *Cache) load(hash string) (*entry, error) {
	if v, ok := c.hot.Get(hash); ok {
		e := v.(*entry)
		return e, nil
	}
	raw, err := c.db.Get(tokenKey(hash))
	if err != nil {
		return nil, err
	}
	var e entry
	if err := canon.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	c.hot.Add(hash, &e)
	return &e, nil
}

func (c *Cache) persist(hash string, e *entry) error {
	enc, err := canon.Marshal(*e)
	if err != nil {
		return err
	}
	if err := c.db.Put(tokenKey(hash), enc); err != nil {
		return errs.Wrap(errs.KindStorage, err)
	}
	c.hot.Add(hash, e)
	return nil
}

// Store upserts token, crediting sourcePeer with a confirmation if the
// hash was already cached. score is the validation confidence (spec.md
// §3's decoded-view validation_score) the caller computed for this token.
func (c *Cache) Store(token ucpt.Token, sourcePeer string, score int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.load(token.Hash)
	now := time.Now().Unix()
	if err == store.ErrNotFound {
		e = &entry{Token: token, LastAccessed: now, SourcePeer: sourcePeer, Confirms: 1, ValidationScore: score}
	} else if err != nil {
		return err
	} else {
		e.Confirms++
		e.LastAccessed = now
		e.ValidationScore = score
	}
	if err := c.persist(token.Hash, e); err != nil {
		return err
	}
	if c.onNew != nil {
		c.onNew(token.Hash)
	}
	return c.evictIfNeeded()
}

// Get returns the cached token for hash, updating LRU bookkeeping.
func (c *Cache) Get(hash string) (ucpt.Token, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.load(hash)
	if err == store.ErrNotFound {
		return ucpt.Token{}, false, nil
	}
	if err != nil {
		return ucpt.Token{}, false, err
	}
	e.LastAccessed = time.Now().Unix()
	e.AccessCount++
	if err := c.persist(hash, e); err != nil {
		return ucpt.Token{}, false, err
	}
	return projectView(e), true, nil
}

// projectView overlays an entry's cache-local bookkeeping onto its token's
// Metadata view, since spec.md §3's decoded metadata (status, disputed,
// peer_confirmations) is node-local state the signed envelope never carries.
func projectView(e *entry) ucpt.Token {
	tok := e.Token
	tok.Metadata.Disputed = e.Disputed
	tok.Metadata.PeerConfirmations = e.Confirms
	tok.Metadata.SourcePeer = e.SourcePeer
	return tok
}

// Has reports whether hash is cached, without touching LRU bookkeeping.
func (c *Cache) Has(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.load(hash)
	return err == nil
}

// MarkDisputed flags hashes as disputed. Idempotent.
func (c *Cache) MarkDisputed(hashes []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hashes {
		e, err := c.load(h)
		if err != nil {
			continue
		}
		if e.Disputed {
			continue
		}
		e.Disputed = true
		if err := c.persist(h, e); err != nil {
			return err
		}
	}
	return nil
}

// Query scans the cache for tokens matching filter, newest-issued-first.
func (c *Cache) Query(filter QueryFilter) ([]ucpt.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it := c.db.NewIteratorWithPrefix(tokenPrefix)
	defer it.Release()

	var matches []ucpt.Token
	for it.Next() {
		var e entry
		if err := canon.Unmarshal(it.Value(), &e); err != nil {
			continue
		}
		if filter.Issuer != "" && e.Token.Envelope.Payload.Iss != filter.Issuer {
			continue
		}
		if filter.Subject != "" && e.Token.Envelope.Payload.Subject != filter.Subject {
			continue
		}
		if filter.TaskID != "" && e.Token.Envelope.Payload.TaskID != filter.TaskID {
			continue
		}
		if filter.MinScore > 0 && e.ValidationScore < filter.MinScore {
			continue
		}
		if !filter.After.IsZero() && e.Token.Envelope.Payload.Iat < filter.After.Unix() {
			continue
		}
		matches = append(matches, projectView(&e))
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Envelope.Payload.Iat > matches[j].Envelope.Payload.Iat
	})
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

// PruneExpired removes cached tokens past their Exp timestamp.
func (c *Cache) PruneExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it := c.db.NewIteratorWithPrefix(tokenPrefix)
	defer it.Release()

	now := time.Now().Unix()
	var toDelete [][]byte
	for it.Next() {
		var e entry
		if err := canon.Unmarshal(it.Value(), &e); err != nil {
			continue
		}
		if e.Token.Envelope.Payload.Exp != 0 && e.Token.Envelope.Payload.Exp < now {
			key := append([]byte{}, it.Key()...)
			toDelete = append(toDelete, key)
		}
	}
	for _, k := range toDelete {
		c.db.Delete(k)
		c.hot.Remove(string(k[len(tokenPrefix):]))
	}
	return len(toDelete), nil
}

// EvictIfNeeded is exported for tests that want to trigger eviction
// deterministically rather than waiting for Store to call it.
func (c *Cache) EvictIfNeeded() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictIfNeeded()
}

func (c *Cache) evictIfNeeded() (int, error) {
	it := c.db.NewIteratorWithPrefix(tokenPrefix)
	defer it.Release()

	type row struct {
		key          []byte
		lastAccessed int64
	}
	var rows []row
	for it.Next() {
		var e entry
		if err := canon.Unmarshal(it.Value(), &e); err != nil {
			continue
		}
		rows = append(rows, row{key: append([]byte{}, it.Key()...), lastAccessed: e.LastAccessed})
	}
	if len(rows) <= params.CacheSizeCap {
		return 0, nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].lastAccessed < rows[j].lastAccessed })

	evictCount := int(float64(len(rows)) * params.CacheEvictFrac)
	if len(rows)-evictCount < params.CacheEvictFloor {
		evictCount = len(rows) - params.CacheEvictFloor
	}
	if evictCount <= 0 {
		return 0, nil
	}
	for i := 0; i < evictCount; i++ {
		c.db.Delete(rows[i].key)
		c.hot.Remove(string(rows[i].key[len(tokenPrefix):]))
	}
	return evictCount, nil
}

// Hashes returns up to limit cached hashes, for anti-entropy digest
// comparison. Order is the underlying store's key order, not issuance
// order; callers needing freshness use Query instead.
func (c *Cache) Hashes(limit int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	it := c.db.NewIteratorWithPrefix(tokenPrefix)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(it.Key()[len(tokenPrefix):]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Close releases the underlying store handle.
func (c *Cache) Close() error {
	return c.db.Close()
}
