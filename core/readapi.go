package core

import (
	"github.com/tos-network/cascade/ledger"
	"github.com/tos-network/cascade/metrics"
	"github.com/tos-network/cascade/peer"
	"github.com/tos-network/cascade/reputation"
	"github.com/tos-network/cascade/tokencache"
	"github.com/tos-network/cascade/ucpt"
)

// LedgerHeight returns the current chain height.
func (c *Core) LedgerHeight() (uint64, error) { return c.Ledger.Height() }

// LedgerTip returns the hash of the most recently committed block.
func (c *Core) LedgerTip() (string, error) { return c.Ledger.TipHash() }

// LedgerBlocks returns the full local ledger, newest first.
func (c *Core) LedgerBlocks() ([]ledger.Block, error) { return c.Ledger.History() }

// CacheGet returns the cached token for hash, if any.
func (c *Core) CacheGet(hash string) (ucpt.Token, bool, error) { return c.Cache.Get(hash) }

// CacheQuery runs a filtered scan over the token cache.
func (c *Core) CacheQuery(filter tokencache.QueryFilter) ([]ucpt.Token, error) {
	return c.Cache.Query(filter)
}

// CacheMetrics reports cache-wide telemetry.
type CacheMetrics struct {
	ElementCount uint64
	BloomBytes   uint64
}

// CacheMetricsSnapshot returns the current cache/bloom filter telemetry.
func (c *Core) CacheMetricsSnapshot() CacheMetrics {
	return CacheMetrics{ElementCount: c.Filter.ElementCount(), BloomBytes: c.Filter.SizeBytes()}
}

// ReputationTop returns the top n peers by reputation score.
func (c *Core) ReputationTop(n int) []reputation.Ranking { return c.Reputation.TopAgents(n) }

// ReputationOf returns the reputation factors for did.
func (c *Core) ReputationOf(did string) reputation.Factors { return c.Reputation.Score(did) }

// PeersList returns every known peer.
func (c *Core) PeersList() []peer.Record { return c.Gossip.Peers.All() }

// PeersStats summarizes the peer table.
type PeersStats struct {
	Total  int
	Active int
}

// PeersStatsSnapshot reports connected vs. total peer counts.
func (c *Core) PeersStatsSnapshot() PeersStats {
	all := c.Gossip.Peers.All()
	active := 0
	for _, p := range all {
		if !p.Failed {
			active++
		}
	}
	return PeersStats{Total: len(all), Active: active}
}

// SecurityStats reports node-wide counters: dropped gossip messages, banned
// peers, and consensus round outcomes.
type SecurityStats struct {
	DroppedGossipMessages int64
	BannedPeers           int
	ConsensusResolved     int64
	ConsensusNoQuorum     int64
}

// SecurityStats returns node-wide admission/security telemetry.
func (c *Core) SecurityStats() SecurityStats {
	resolved, noQuorum := c.Consensus.Stats()
	return SecurityStats{
		DroppedGossipMessages: c.Gossip.Dropped(),
		BannedPeers:           c.SpamFilter.BanCount(),
		ConsensusResolved:     resolved,
		ConsensusNoQuorum:     noQuorum,
	}
}

// NodeMetrics returns a flat snapshot of every named counter tracked by
// the node, the in-process replacement for the teacher's InfluxDB/HTTP
// metrics export surface (see metrics.Config).
func (c *Core) NodeMetrics() map[string]int64 {
	sec := c.SecurityStats()
	c.Metrics.Counter("gossip_dropped").Set(sec.DroppedGossipMessages)
	c.Metrics.Counter("banned_peers").Set(int64(sec.BannedPeers))
	c.Metrics.Counter("consensus_resolved").Set(sec.ConsensusResolved)
	c.Metrics.Counter("consensus_no_quorum").Set(sec.ConsensusNoQuorum)
	c.Metrics.Counter("process_cpu_time_csec").Set(metrics.ProcessCPUTime())
	return c.Metrics.Snapshot()
}

// SecurityPeerLimits reports the current admission decision for did.
func (c *Core) SecurityPeerLimits(did string) (bool, string) {
	ok, reason := c.SpamFilter.CheckAdmission(did)
	return ok, reason.String()
}
