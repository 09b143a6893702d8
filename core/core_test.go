package core

import (
	"context"
	"testing"
	"time"

	"github.com/tos-network/cascade/didkey"
)

type nopTransport struct{}

func (nopTransport) Send(ctx context.Context, peerDID string, data []byte) error { return nil }

func newTestCore(t *testing.T) *Core {
	t.Helper()
	id, err := didkey.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	c, err := New(cfg, id, nopTransport{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewWiresAllComponents(t *testing.T) {
	c := newTestCore(t)
	if c.Ledger == nil || c.Cache == nil || c.Filter == nil || c.Reputation == nil ||
		c.SpamFilter == nil || c.Validator == nil || c.Gossip == nil || c.Consensus == nil {
		t.Fatalf("expected every component wired, got %+v", c)
	}
}

func TestLedgerHeightStartsAtZero(t *testing.T) {
	c := newTestCore(t)
	h, err := c.LedgerHeight()
	if err != nil {
		t.Fatalf("LedgerHeight: %v", err)
	}
	if h != 0 {
		t.Fatalf("LedgerHeight = %d, want 0", h)
	}
}

func TestNodeMetricsReportsCounters(t *testing.T) {
	c := newTestCore(t)
	snap := c.NodeMetrics()
	for _, name := range []string{"gossip_dropped", "banned_peers", "consensus_resolved", "consensus_no_quorum", "process_cpu_time_csec"} {
		if _, ok := snap[name]; !ok {
			t.Fatalf("expected %q in metrics snapshot, got %+v", name, snap)
		}
	}
}

func TestRunStopsOnShutdown(t *testing.T) {
	c := newTestCore(t)
	cfg := c.cfg
	cfg.OrphanSweep = 10 * time.Millisecond
	c.cfg = cfg

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	c.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Shutdown")
	}
}
