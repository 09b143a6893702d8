package gossip

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tos-network/cascade/bloom"
	"github.com/tos-network/cascade/log"
	"github.com/tos-network/cascade/params"
	"github.com/tos-network/cascade/peer"
)

// Transport sends raw bytes to a peer identified by DID. TLS and framing
// are the transport's responsibility, not gossip's.
type Transport interface {
	Send(ctx context.Context, peerDID string, data []byte) error
}

const sendQueueDepth = 256

// Node is one gossip participant: a peer table, bounded per-peer send
// queues, and a registry of wire-message handlers.
type Node struct {
	Peers     *peer.Table
	Transport Transport
	Filter    *bloom.Filter
	Registry  *Registry
	SelfDID   string
	Ports     Ports

	mu     sync.Mutex
	queues map[string]chan []byte

	droppedMu sync.Mutex
	dropped   int64

	pending *inbound
}

// New creates a gossip Node with every built-in handler registered. Ports
// is left zero-valued; core fills it in once every sibling component
// exists (spec.md §9's cyclic-dependency break).
func New(selfDID string, transport Transport, filter *bloom.Filter) *Node {
	n := &Node{
		Peers:     peer.NewTable(),
		Transport: transport,
		Filter:    filter,
		Registry:  &Registry{},
		SelfDID:   selfDID,
		queues:    make(map[string]chan []byte),
		pending:   newInbound(),
	}
	RegisterDefaultHandlers(n.Registry)
	return n
}

func (n *Node) queueFor(did string) chan []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[did]
	if !ok {
		q = make(chan []byte, sendQueueDepth)
		n.queues[did] = q
	}
	return q
}

// enqueue attempts a non-blocking send; on overflow the message is
// dropped (not buffered further), counted for metrics per spec.md §4.8.
func (n *Node) enqueue(did string, data []byte) {
	q := n.queueFor(did)
	select {
	case q <- data:
	default:
		n.droppedMu.Lock()
		n.dropped++
		n.droppedMu.Unlock()
		log.Warn("gossip: send queue overflow, dropping message", "peer", did)
	}
}

// Dropped returns the count of messages dropped due to queue overflow.
func (n *Node) Dropped() int64 {
	n.droppedMu.Lock()
	defer n.droppedMu.Unlock()
	return n.dropped
}

// DrainAndSend flushes did's send queue through the transport, marking
// the peer failed after params.CircuitBreakerTrip consecutive errors.
func (n *Node) DrainAndSend(ctx context.Context, did string) {
	q := n.queueFor(did)
	for {
		select {
		case data := <-q:
			if err := n.Transport.Send(ctx, did, data); err != nil {
				n.Peers.MarkFailure(did, params.CircuitBreakerTrip)
				log.Debug("gossip: send failed", "peer", did, "err", err)
				continue
			}
			n.Peers.MarkSuccess(did, time.Now())
		default:
			return
		}
	}
}

// SendRaw enqueues a pre-encoded message for did, the broadcast primitive
// consensus resolution and other node-initiated sends outside the regular
// Announce/Relay path use.
func (n *Node) SendRaw(ctx context.Context, did string, data []byte) {
	n.sendTo(ctx, did, data)
}

// Announce fanouts token's hash to the lowest-latency connected peers.
func (n *Node) Announce(ctx context.Context, hash string, metadata map[string]string, ttl int) error {
	if ttl <= 0 {
		ttl = params.GossipDefaultTTL
	}
	msg := Announce{Hash: hash, Metadata: metadata, TTL: ttl}
	data, err := Encode(TagAnnounce, msg)
	if err != nil {
		return err
	}
	for _, p := range n.Peers.TopByLatency(params.GossipFanout) {
		n.enqueue(p.DID, data)
		n.DrainAndSend(ctx, p.DID)
	}
	return nil
}

// Relay re-announces a received token with a decremented TTL, terminating
// propagation once TTL reaches zero.
func (n *Node) Relay(ctx context.Context, hash string, metadata map[string]string, ttl int) error {
	ttl--
	if ttl <= 0 {
		return nil
	}
	return n.Announce(ctx, hash, metadata, ttl)
}

// SyncDigests emits a Digest message to one random connected peer, the
// anti-entropy probe run every params.DigestSyncInterval.
func (n *Node) SyncDigests(ctx context.Context) error {
	peers := n.Peers.All()
	if len(peers) == 0 {
		return nil
	}
	target := peers[rand.Intn(len(peers))]

	bits, err := n.Filter.Serialize()
	if err != nil {
		return err
	}
	data, err := Encode(TagDigest, Digest{BloomBytes: bits, PeerID: n.SelfDID})
	if err != nil {
		return err
	}
	n.enqueue(target.DID, data)
	n.DrainAndSend(ctx, target.DID)
	return nil
}

// PingStale handles peers that have been silent for at least
// params.StalePeerTimeout: a stale peer already marked failed is removed
// from the table, and any other stale peer has its failure count raised
// via MarkFailure. No ping message is sent.
func (n *Node) PingStale(ctx context.Context) {
	cutoff := time.Now().Add(-params.StalePeerTimeout)
	for _, p := range n.Peers.StalePeers(cutoff) {
		if p.Failed {
			n.Peers.Remove(p.DID)
			log.Info("gossip: disconnecting stale peer", "peer", p.DID)
			continue
		}
		n.Peers.MarkFailure(p.DID, params.CircuitBreakerTrip)
	}
}
