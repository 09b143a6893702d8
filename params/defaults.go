package params

import "time"

// Validator (C5) timing tolerances.
const (
	ClockSkew       = 60 * time.Second
	MaxTokenAge     = 90 * 24 * time.Hour
	OrphanGraceTime = 5 * time.Minute
	PeerProbeCount  = 3
	PeerProbeQuorum = 2
)

// Confidence scoring (C5).
const (
	ConfidenceStart              = 100
	ConfidencePenaltyBadSig      = 50
	ConfidencePenaltyTimestamp   = 30
	ConfidencePenaltyOrphan      = 20
	ConfidencePenaltyNoQuorum    = 10
	ConfidenceAdmitThreshold     = 50
	OrphanBufferMaxEntries       = 4096
)

// Bloom filter (C6) defaults.
const (
	BloomDefaultN  = 1000
	BloomDefaultP  = 0.01
)

// Reputation engine (C7) defaults.
const (
	ReputationStartScore    = 100.0
	ReputationEMAAlpha      = 0.3
	ReputationDisputePenalty = -100
	ReputationDecayFactor   = 0.95
	ReputationDecayInterval = 24 * time.Hour
)

// Spam filter / admission control (C8) defaults.
const (
	RateLimitWindow            = 60 * time.Second
	RateLimitAnnouncements     = 10
	RateLimitBandwidthBytes    = 100 * 1000 // 100 kB/s
	PoWDifficultyBits          = 3
	InvalidTokenBanThreshold   = 5
	BaseBanDuration            = 24 * time.Hour
	HighReputationThreshold    = 500
	HighReputationQuotaBonus   = 1.5
	LowReputationThreshold     = 100
	LowReputationQuotaPenalty  = 0.5
)

// Gossip service (C9) defaults.
const (
	GossipFanout       = 3
	GossipDefaultTTL   = 3600
	DigestSyncInterval = 30 * time.Second
	CircuitBreakerTrip = 5
	ReconnectBackoff   = 5 * time.Second
	ProbeReplyTimeout  = 2 * time.Second
	DigestSyncBatchMax = 256
	StalePeerTimeout   = 60 * time.Second
)

// Byzantine consensus (C10) defaults.
const (
	ConsensusPeerPoolSize   = 100
	ConsensusMinPeerScore   = 300
	ConsensusQuorumSize     = 7
	ConsensusQuorumNumer    = 5
	ConsensusQuorumDenom    = 7
	ConsensusVoteDeadline   = 10 * time.Second
)

// Cache (C4) defaults.
const (
	CacheSizeCap     = 50_000
	CacheEvictFrac   = 0.2
	CacheEvictFloor  = 10_000
)

// Vault (§6) defaults.
const (
	VaultPBKDF2Iterations = 100_000
	VaultSaltSize         = 16
	VaultNonceSize        = 12
)
