// Package core is the composition root wiring every cascade component
// together. Adapted from node/'s Config+Lifecycle idiom
// (node_example_test.go's Start/Stop registration), generalized from a
// devp2p protocol stack to the provenance-token components of spec.md §9:
// "no process-wide mutable state" — every dependency is an explicit field
// on Core, constructed once in New.
package core

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tos-network/cascade/bloom"
	"github.com/tos-network/cascade/consensus"
	"github.com/tos-network/cascade/didkey"
	"github.com/tos-network/cascade/gossip"
	"github.com/tos-network/cascade/ledger"
	"github.com/tos-network/cascade/log"
	"github.com/tos-network/cascade/metrics"
	"github.com/tos-network/cascade/params"
	"github.com/tos-network/cascade/reputation"
	"github.com/tos-network/cascade/spamfilter"
	"github.com/tos-network/cascade/store"
	"github.com/tos-network/cascade/tokencache"
	"github.com/tos-network/cascade/ucpt"
	"github.com/tos-network/cascade/validate"
)

// TaskExecutor runs the caller-supplied computation a UCPT will attest to.
// Opaque to the core: spec is whatever the executor understands.
type TaskExecutor interface {
	Execute(ctx context.Context, spec []byte) ([]byte, error)
}

// Lifecycle is implemented by anything Core should Start/Stop as a unit,
// the same seam node.Stack.RegisterLifecycle exposes in the teacher.
type Lifecycle interface {
	Start() error
	Stop() error
}

// Core owns one instance of every cascade component.
type Core struct {
	cfg Config

	Identity   *didkey.Identity
	Ledger     *ledger.Ledger
	Cache      *tokencache.Cache
	Filter     *bloom.Filter
	State      *store.Store
	Reputation *reputation.Engine
	SpamFilter *spamfilter.Limiter
	Validator  *validate.Validator
	Gossip     *gossip.Node
	Consensus  *consensus.Engine
	Metrics    *metrics.Registry

	lifecyclesMu sync.Mutex
	lifecycles   []Lifecycle

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New wires every component per cfg. identity must already be unlocked
// (see vault.Open) before it reaches Core.
func New(cfg Config, identity *didkey.Identity, transport gossip.Transport) (*Core, error) {
	led, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.db"), identity.Private)
	if err != nil {
		return nil, err
	}
	filter := bloom.New(params.BloomDefaultN, params.BloomDefaultP)
	cache, err := tokencache.Open(filepath.Join(cfg.DataDir, "ucpt_cache.db"), func(h string) { filter.Add(h) })
	if err != nil {
		led.Close()
		return nil, err
	}

	stateDB, err := store.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		cache.Close()
		led.Close()
		return nil, err
	}

	repEngine, err := reputation.New(stateDB)
	if err != nil {
		stateDB.Close()
		cache.Close()
		led.Close()
		return nil, err
	}
	spam, err := spamfilter.New(stateDB, func(did string) float64 { return repEngine.Score(did).Overall })
	if err != nil {
		stateDB.Close()
		cache.Close()
		led.Close()
		return nil, err
	}

	c := &Core{
		cfg:        cfg,
		Identity:   identity,
		Ledger:     led,
		Cache:      cache,
		Filter:     filter,
		State:      stateDB,
		Reputation: repEngine,
		SpamFilter: spam,
		Metrics:    metrics.NewRegistry(),
	}

	c.Gossip = gossip.New(identity.DID, transport, filter)
	c.Validator = validate.New(c.lookupParent, c.Gossip.ProbeHasHash)
	c.Consensus = consensus.New(c.Gossip.RequestVotes)
	c.Gossip.Ports = c.gossipPorts()

	return c, nil
}

// gossipPorts builds the closures gossip.Node needs to react to inbound
// wire traffic without importing the cache, spam filter, validator, or
// consensus packages itself (spec.md §9's cyclic-dependency break).
func (c *Core) gossipPorts() gossip.Ports {
	return gossip.Ports{
		CheckAdmission: func(did string) bool {
			ok, _ := c.SpamFilter.CheckAdmission(did)
			return ok
		},
		RecordTraffic: func(did string, n int) {
			c.SpamFilter.RecordAnnouncement(did, n)
		},
		RecordInvalid: func(did string) {
			c.SpamFilter.RecordInvalid(did)
			c.Reputation.TokenRejected(uuid.New().String(), did)
		},
		HasHash: c.Cache.Has,
		FetchToken: func(hash string) ([]byte, bool) {
			tok, ok, err := c.Cache.Get(hash)
			if err != nil || !ok {
				return nil, false
			}
			b, err := ucpt.Serialize(tok)
			if err != nil {
				return nil, false
			}
			return b, true
		},
		ValidateAndStore: c.validateAndStore,
		MissingAgainst: func(peerBloom []byte) []string {
			theirs, err := bloom.Deserialize(peerBloom)
			if err != nil {
				return nil
			}
			var missing []string
			for _, h := range c.Cache.Hashes(0) {
				if !theirs.Contains(h) {
					missing = append(missing, h)
					if len(missing) >= params.DigestSyncBatchMax {
						break
					}
				}
			}
			return missing
		},
		VoteOn:       c.voteOn,
		MarkDisputed: func(hashes []string) { c.Cache.MarkDisputed(hashes) },
	}
}

func (c *Core) lookupParent(hash string) (ucpt.Token, bool) {
	tok, ok, err := c.Cache.Get(hash)
	if err != nil {
		return ucpt.Token{}, false
	}
	return tok, ok
}

// validateAndStore parses tokenBytes, runs the admission pipeline, and on
// success stores the token crediting sourcePeer, returning what gossip
// needs to keep relaying it. It is also where a stored token's cache-wide
// conflict is detected and handed to Consensus (spec.md §3's conflict
// definition, triggered at store time).
func (c *Core) validateAndStore(ctx context.Context, sourcePeer string, tokenBytes []byte) (hash string, metadata map[string]string, stored bool) {
	tok, err := ucpt.Parse(tokenBytes)
	if err != nil {
		return "", nil, false
	}
	if c.Cache.Has(tok.Hash) {
		return tok.Hash, announceMetadata(tok), false
	}

	result := c.Validator.Validate(ctx, tok)
	eventID := tok.Hash + "|" + sourcePeer
	if !result.Valid {
		c.Reputation.TokenRejected(eventID, sourcePeer)
		return "", nil, false
	}

	if err := c.Cache.Store(tok, sourcePeer, result.Confidence); err != nil {
		return "", nil, false
	}
	c.Reputation.TokenValidated(eventID, tok.Envelope.Payload.Iss)
	c.detectAndResolveConflict(ctx, tok)
	return tok.Hash, announceMetadata(tok), true
}

func announceMetadata(tok ucpt.Token) map[string]string {
	return map[string]string{
		"task_id":   tok.Envelope.Payload.TaskID,
		"issuer":    tok.Envelope.Payload.Iss,
		"task_type": tok.Envelope.Payload.Tool,
	}
}

// detectAndResolveConflict checks whether tok's task_id now has a cached
// token with a different result_hash and, if so, runs a consensus round
// to resolution (spec.md §4.9).
func (c *Core) detectAndResolveConflict(ctx context.Context, tok ucpt.Token) {
	siblings, err := c.Cache.Query(tokencache.QueryFilter{TaskID: tok.Envelope.Payload.TaskID})
	if err != nil || len(siblings) < 2 {
		return
	}
	byResult := make(map[string]ucpt.Token)
	for _, s := range siblings {
		byResult[hexResultHash(s)] = s
	}
	resultHashes := make([]string, 0, len(byResult))
	for rh := range byResult {
		resultHashes = append(resultHashes, rh)
	}
	distinct, conflict := consensus.DetectConflict(resultHashes)
	if !conflict {
		return
	}

	candidateHashes := make([]string, 0, len(distinct))
	for _, rh := range distinct {
		candidateHashes = append(candidateHashes, byResult[rh].Hash)
	}

	scores := make(map[string]float64)
	for _, p := range c.Gossip.Peers.All() {
		scores[p.DID] = c.Reputation.Score(p.DID).Overall
	}
	quorum := consensus.SelectPeers(scores, c.Gossip.Peers.All())
	round, isNew := c.Consensus.StartRound(tok.Envelope.Payload.TaskID, candidateHashes, quorum)
	if !isNew {
		return // a round for this task_id is already in flight, per §4.9's coalescing rule
	}

	c.Consensus.Collect(ctx, round)
	winner, ok := consensus.Tally(round, scores)
	outcome := c.Consensus.Resolve(round, winner, ok)
	if outcome.NoQuorum {
		return
	}

	if err := c.Cache.MarkDisputed(outcome.LoserHashes); err != nil {
		log.Warn("core: mark disputed failed", "err", err)
	}
	byHash := make(map[string]ucpt.Token, len(siblings))
	for _, s := range siblings {
		byHash[s.Hash] = s
	}
	for _, h := range outcome.LoserHashes {
		if loser, ok := byHash[h]; ok {
			c.Reputation.PenaliseDispute(h, loser.Envelope.Payload.Iss)
		}
	}
	c.broadcastResolution(ctx, outcome)
}

func hexResultHash(t ucpt.Token) string {
	return string(t.Envelope.Payload.ResultHash[:])
}

// broadcastResolution sends DISPUTE_RESOLUTION to every connected peer
// (spec.md §4.9 point 6), best-effort and unacknowledged.
func (c *Core) broadcastResolution(ctx context.Context, outcome consensus.Outcome) {
	msg := gossip.DisputeResolution{
		WinnerHash:  outcome.WinnerHash,
		LoserHashes: outcome.LoserHashes,
		Timestamp:   time.Now().Unix(),
	}
	data, err := gossip.Encode(gossip.TagDisputeResolution, msg)
	if err != nil {
		return
	}
	for _, p := range c.Gossip.Peers.All() {
		c.Gossip.SendRaw(ctx, p.DID, data)
	}
}

// voteOn is this node's own ballot when asked for its opinion on a
// disputed task's candidate result, based on the local cache's record.
func (c *Core) voteOn(taskID, candidate string) bool {
	siblings, err := c.Cache.Query(tokencache.QueryFilter{TaskID: taskID})
	if err != nil {
		return false
	}
	for _, s := range siblings {
		if s.Hash == candidate {
			return !s.Metadata.Disputed
		}
	}
	return false
}

// RegisterLifecycle adds a component to be started/stopped by Run.
func (c *Core) RegisterLifecycle(l Lifecycle) {
	c.lifecyclesMu.Lock()
	defer c.lifecyclesMu.Unlock()
	c.lifecycles = append(c.lifecycles, l)
}

// Run starts every registered lifecycle and the scheduled maintenance
// tasks, blocking until ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()

	c.lifecyclesMu.Lock()
	for _, l := range c.lifecycles {
		if err := l.Start(); err != nil {
			c.lifecyclesMu.Unlock()
			return err
		}
	}
	c.lifecyclesMu.Unlock()

	var wg sync.WaitGroup
	wg.Add(5)
	go c.scheduleEvery(ctx, &wg, c.cfg.OrphanSweep, func() {
		reval, disc := c.Validator.SweepOrphans(ctx)
		c.Metrics.Counter("orphan_discard").Add(int64(disc))
		log.Debug("core: orphan sweep", "revalidated", reval, "discarded", disc)
	})
	go c.scheduleEvery(ctx, &wg, c.cfg.RateLimitReset, c.SpamFilter.ResetExpiredWindows)
	go c.scheduleEvery(ctx, &wg, c.cfg.DigestSync, func() {
		if err := c.Gossip.SyncDigests(ctx); err != nil {
			log.Debug("core: digest sync failed", "err", err)
		}
	})
	go c.scheduleEvery(ctx, &wg, c.cfg.ExpiryPrune, func() {
		n, err := c.Cache.PruneExpired()
		if err != nil {
			log.Warn("core: prune expired failed", "err", err)
			return
		}
		if n > 0 {
			log.Info("core: pruned expired tokens", "count", n)
		}
	})
	go c.scheduleEvery(ctx, &wg, c.cfg.ReputationDecay, func() {
		c.Reputation.DecayAll()
		if err := c.Reputation.Snapshot(); err != nil {
			log.Warn("core: reputation snapshot failed", "err", err)
		}
	})

	<-ctx.Done()
	wg.Wait()
	return c.stop()
}

func (c *Core) scheduleEvery(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, task func()) {
	defer wg.Done()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			task()
		}
	}
}

// Shutdown cancels the running context, triggering Run to unwind.
func (c *Core) Shutdown() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Core) stop() error {
	c.lifecyclesMu.Lock()
	defer c.lifecyclesMu.Unlock()
	for i := len(c.lifecycles) - 1; i >= 0; i-- {
		if err := c.lifecycles[i].Stop(); err != nil {
			log.Warn("core: lifecycle stop failed", "err", err)
		}
	}
	if err := c.Reputation.Snapshot(); err != nil {
		log.Warn("core: reputation snapshot failed", "err", err)
	}
	if err := c.State.Close(); err != nil {
		log.Warn("core: state store close failed", "err", err)
	}
	if err := c.Cache.Close(); err != nil {
		log.Warn("core: cache close failed", "err", err)
	}
	return c.Ledger.Close()
}
