package core

import (
	"time"

	"github.com/tos-network/cascade/metrics"
)

// Config is the full configuration surface for one cascade node, sourced
// by cmd/cascade via naoina/toml (file) layered under urfave/cli/v2
// (flags), flags winning over file winning over these defaults — the same
// precedence order node.Config follows in the teacher.
type Config struct {
	DataDir         string        `toml:"datadir"`
	VaultPath       string        `toml:"vault_path"`
	ListenAddr      string        `toml:"listen_addr"`
	BootstrapPeers  []string      `toml:"bootstrap_peers"`
	OrphanSweep     time.Duration `toml:"orphan_sweep_interval"`
	RateLimitReset  time.Duration `toml:"rate_limit_reset_interval"`
	DigestSync      time.Duration `toml:"digest_sync_interval"`
	ExpiryPrune     time.Duration `toml:"expiry_prune_interval"`
	ReputationDecay time.Duration `toml:"reputation_decay_interval"`

	// Metrics is carried through from the config file; no code in cascade
	// reads its fields. cascade only ever populates the in-process counters
	// Core.NodeMetrics reads, and has no HTTP or InfluxDB export path.
	Metrics metrics.Config `toml:"metrics"`
}

// DefaultConfig returns a Config populated with spec.md's documented
// scheduler intervals.
func DefaultConfig() Config {
	return Config{
		DataDir:         "./cascade-data",
		VaultPath:       "",
		ListenAddr:      "0.0.0.0:9000",
		OrphanSweep:     60 * time.Second,
		RateLimitReset:  60 * time.Second,
		DigestSync:      30 * time.Second,
		ExpiryPrune:     time.Hour,
		ReputationDecay: 24 * time.Hour,
		Metrics:         metrics.DefaultConfig,
	}
}
