// Package ledger implements the local, append-only, hash-chained record of
// tasks an agent has executed. Backed by its own goleveldb store, keyed
// under a blocks/ prefix by big-endian block index, with a meta/tip key
// caching the current height and tip hash.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tos-network/cascade/canon"
	"github.com/tos-network/cascade/crypto/ed25519"
	"github.com/tos-network/cascade/errs"
	"github.com/tos-network/cascade/store"
)

var (
	blocksPrefix = []byte("blocks/")
	hashesPrefix = []byte("hashes/")
	metaTipKey   = []byte("meta/tip")
)

// zeroHash is block 0's prev_hash: 32 zero bytes, hex-encoded (spec.md §3:
// "block[0].prev_hash = 0x00…00").
var zeroHash = strings.Repeat("0", 64)

// TaskRecord is the caller-supplied description of a completed task.
type TaskRecord struct {
	ClientNonce string          `json:"client_nonce"`
	Data        json.RawMessage `json:"data"`
}

// Block is one entry in the hash chain.
type Block struct {
	Index         uint64 `cbor:"index"`
	Timestamp     int64  `cbor:"timestamp"`
	PrevHash      string `cbor:"prev_hash"`
	Hash          string `cbor:"hash"`
	Data          []byte `cbor:"data"`
	Signature     []byte `cbor:"signature"`
	Version       uint32 `cbor:"version"`
	MerkleRoot    string `cbor:"merkle_root"`
	StateRoot     string `cbor:"state_root"`
	ClientNonce   string `cbor:"client_nonce"`
	Confirmations int    `cbor:"confirmations"`
}

const blockVersion = 1

type tip struct {
	Height uint64 `cbor:"height"`
	Hash   string `cbor:"hash"`
}

// Ledger is a single-writer, append-only chain of Blocks.
type Ledger struct {
	mu      sync.Mutex
	db      *store.Store
	signer  ed25519.PrivateKey
	nonceIx map[string]uint64 // ClientNonce -> block index, in-memory de-dup
}

// Open opens the ledger at path, validating the existing chain if any.
func Open(path string, signer ed25519.PrivateKey) (*Ledger, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: db, signer: signer, nonceIx: make(map[string]uint64)}
	if err := l.rebuildNonceIndex(); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.ValidateIntegrity(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) rebuildNonceIndex() error {
	height, err := l.Height()
	if err != nil {
		return err
	}
	for i := uint64(0); i < height; i++ {
		b, err := l.blockAt(i)
		if err != nil {
			return err
		}
		if b.ClientNonce != "" {
			l.nonceIx[b.ClientNonce] = i
		}
	}
	return nil
}

func blockKey(index uint64) []byte {
	k := make([]byte, len(blocksPrefix)+8)
	copy(k, blocksPrefix)
	binary.BigEndian.PutUint64(k[len(blocksPrefix):], index)
	return k
}

func hashKey(hash string) []byte {
	return append(append([]byte{}, hashesPrefix...), []byte(hash)...)
}

// Height returns the number of blocks committed so far (0 for an empty ledger).
func (l *Ledger) Height() (uint64, error) {
	raw, err := l.db.Get(metaTipKey)
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var t tip
	if err := canon.Unmarshal(raw, &t); err != nil {
		return 0, err
	}
	return t.Height, nil
}

// TipHash returns the hash of the most recently appended block.
func (l *Ledger) TipHash() (string, error) {
	raw, err := l.db.Get(metaTipKey)
	if err == store.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var t tip
	if err := canon.Unmarshal(raw, &t); err != nil {
		return "", err
	}
	return t.Hash, nil
}

// Append commits a new block for task, returning the previously persisted
// block unchanged if task.ClientNonce was already applied.
func (l *Ledger) Append(task TaskRecord) (Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if task.ClientNonce != "" {
		if idx, ok := l.nonceIx[task.ClientNonce]; ok {
			return l.blockAt(idx)
		}
	}

	height, err := l.Height()
	if err != nil {
		return Block{}, err
	}
	prevHash := zeroHash
	if height > 0 {
		prevHash, err = l.TipHash()
		if err != nil {
			return Block{}, err
		}
	}

	index := height // blocks are indexed from 0, per spec.md §3/§8
	ts := time.Now().Unix()
	merkleRoot := fmt.Sprintf("%x", sha256.Sum256(task.Data))
	stateRoot := fmt.Sprintf("%x", sha256.Sum256([]byte(prevHash+merkleRoot)))

	b := Block{
		Index:       index,
		Timestamp:   ts,
		PrevHash:    prevHash,
		Data:        task.Data,
		Version:     blockVersion,
		MerkleRoot:  merkleRoot,
		StateRoot:   stateRoot,
		ClientNonce: task.ClientNonce,
	}
	enc, err := canon.Marshal(struct {
		Index      uint64 `cbor:"index"`
		Timestamp  int64  `cbor:"timestamp"`
		PrevHash   string `cbor:"prev_hash"`
		Data       []byte `cbor:"data"`
		MerkleRoot string `cbor:"merkle_root"`
		StateRoot  string `cbor:"state_root"`
	}{index, ts, prevHash, task.Data, merkleRoot, stateRoot})
	if err != nil {
		return Block{}, err
	}
	hash := sha256.Sum256(enc)
	b.Hash = fmt.Sprintf("%x", hash)
	b.Signature = ed25519.Sign(l.signer, hash[:])

	blockEnc, err := canon.Marshal(b)
	if err != nil {
		return Block{}, err
	}
	tipEnc, err := canon.Marshal(tip{Height: index + 1, Hash: b.Hash})
	if err != nil {
		return Block{}, err
	}

	batch := l.db.NewBatch()
	batch.Put(blockKey(index), blockEnc)
	batch.Put(hashKey(b.Hash), blockEnc)
	batch.Put(metaTipKey, tipEnc)
	if err := l.db.Write(batch); err != nil {
		return Block{}, errs.Wrap(errs.KindStorage, err)
	}

	if task.ClientNonce != "" {
		l.nonceIx[task.ClientNonce] = index
	}
	return b, nil
}

func (l *Ledger) blockAt(index uint64) (Block, error) {
	raw, err := l.db.Get(blockKey(index))
	if err != nil {
		return Block{}, err
	}
	var b Block
	if err := canon.Unmarshal(raw, &b); err != nil {
		return Block{}, err
	}
	return b, nil
}

// History returns committed blocks from newest to oldest.
func (l *Ledger) History() ([]Block, error) {
	height, err := l.Height()
	if err != nil {
		return nil, err
	}
	out := make([]Block, 0, height)
	for i := height; i > 0; i-- {
		b, err := l.blockAt(i - 1)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ValidateIntegrity walks the full chain checking index contiguity,
// prev_hash linkage, hash well-formedness, and hash uniqueness.
func (l *Ledger) ValidateIntegrity() error {
	height, err := l.Height()
	if err != nil {
		return err
	}
	prevHash := zeroHash
	seen := make(map[string]struct{}, height)
	for i := uint64(0); i < height; i++ {
		b, err := l.blockAt(i)
		if err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("ledger: missing block %d: %w", i, err))
		}
		if b.Index != i {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("%w: block %d has index %d", errs.ErrLedgerCorrupt, i, b.Index))
		}
		if b.PrevHash != prevHash {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("%w: block %d prev_hash mismatch", errs.ErrLedgerCorrupt, i))
		}
		if len(b.Hash) != 64 || strings.Trim(b.Hash, "0123456789abcdef") != "" {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("%w: block %d hash malformed", errs.ErrLedgerCorrupt, i))
		}
		if _, dup := seen[b.Hash]; dup {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("%w: block %d duplicate hash", errs.ErrLedgerCorrupt, i))
		}
		seen[b.Hash] = struct{}{}
		if _, err := l.db.Get(hashKey(b.Hash)); err != nil {
			return errs.Wrap(errs.KindStorage, fmt.Errorf("%w: block %d hash index missing", errs.ErrLedgerCorrupt, i))
		}
		prevHash = b.Hash
	}
	return nil
}

// Close releases the underlying store handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
