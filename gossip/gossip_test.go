package gossip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tos-network/cascade/bloom"
	"github.com/tos-network/cascade/peer"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent map[string][][]byte
	fail map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][][]byte), fail: make(map[string]bool)}
}

func (f *fakeTransport) Send(ctx context.Context, peerDID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[peerDID] {
		return errors.New("simulated send failure")
	}
	f.sent[peerDID] = append(f.sent[peerDID], data)
	return nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(TagAnnounce, Announce{Hash: "abc", TTL: 10})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Tag != TagAnnounce {
		t.Fatalf("Tag = %v, want TagAnnounce", env.Tag)
	}
}

func TestDecodeRejectsEmpty(t *testing.T) {
	if _, err := Decode(nil); err != ErrUnknownMessageType {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestAnnounceFansOutToTopPeers(t *testing.T) {
	transport := newFakeTransport()
	n := New("did:key:self", transport, bloom.New(100, 0.01))
	n.Peers.Upsert(peer.Record{DID: "did:key:a", Latency: 10 * time.Millisecond})
	n.Peers.Upsert(peer.Record{DID: "did:key:b", Latency: 20 * time.Millisecond})

	if err := n.Announce(context.Background(), "deadbeef", nil, 0); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.sent["did:key:a"]) != 1 {
		t.Fatalf("expected one message sent to did:key:a, got %d", len(transport.sent["did:key:a"]))
	}
}

func TestRelayTerminatesAtZeroTTL(t *testing.T) {
	transport := newFakeTransport()
	n := New("did:key:self", transport, bloom.New(100, 0.01))
	n.Peers.Upsert(peer.Record{DID: "did:key:a"})

	if err := n.Relay(context.Background(), "deadbeef", nil, 1); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.sent["did:key:a"]) != 0 {
		t.Fatalf("expected relay to terminate at TTL 0, but a message was sent")
	}
}

func TestAnnounceUnknownHashTriggersRequestResponseAndStore(t *testing.T) {
	announcer := New("did:key:a", newFakeTransport(), bloom.New(100, 0.01))
	receiver := New("did:key:b", newFakeTransport(), bloom.New(100, 0.01))

	var storedHash string
	receiver.Ports = Ports{
		HasHash: func(hash string) bool { return false },
		ValidateAndStore: func(ctx context.Context, sourcePeer string, tokenBytes []byte) (string, map[string]string, bool) {
			storedHash = string(tokenBytes)
			return storedHash, map[string]string{"task_id": "t1"}, true
		},
	}
	announcer.Ports = Ports{
		FetchToken: func(hash string) ([]byte, bool) { return []byte(hash), true },
	}

	// Drive each leg of the exchange directly against the registry so the
	// test controls FromPeer precisely instead of routing through Transport.
	env := Context{Node: receiver, FromPeer: "did:key:a"}
	data, _ := Encode(TagAnnounce, Announce{Hash: "deadbeef", TTL: 10})
	if err := receiver.Registry.Dispatch(&env, data); err != nil {
		t.Fatalf("dispatch announce: %v", err)
	}

	reqEnv := Context{Node: announcer, FromPeer: "did:key:b"}
	reqData, _ := Encode(TagRequest, Request{Hash: "deadbeef"})
	if err := announcer.Registry.Dispatch(&reqEnv, reqData); err != nil {
		t.Fatalf("dispatch request: %v", err)
	}

	respEnv := Context{Node: receiver, FromPeer: "did:key:a"}
	respData, _ := Encode(TagResponse, Response{Hash: "deadbeef", TokenBytes: []byte("deadbeef")})
	if err := receiver.Registry.Dispatch(&respEnv, respData); err != nil {
		t.Fatalf("dispatch response: %v", err)
	}

	if storedHash != "deadbeef" {
		t.Fatalf("expected token to be validated and stored, got storedHash=%q", storedHash)
	}
}

func TestVoteRequestHandlerAnswersWithVoteOn(t *testing.T) {
	n := New("did:key:self", newFakeTransport(), bloom.New(100, 0.01))
	n.Peers.Upsert(peer.Record{DID: "did:key:asker"})
	n.Ports = Ports{VoteOn: func(taskID, candidate string) bool { return candidate == "win" }}

	data, _ := Encode(TagVoteRequest, VoteRequest{TaskID: "t1", Candidate: "win"})
	ctx := &Context{Node: n, FromPeer: "did:key:asker"}
	if err := n.Registry.Dispatch(ctx, data); err != nil {
		t.Fatalf("dispatch vote request: %v", err)
	}

	transport := n.Transport.(*fakeTransport)
	transport.mu.Lock()
	defer transport.mu.Unlock()
	sent := transport.sent["did:key:asker"]
	if len(sent) != 1 {
		t.Fatalf("expected one vote response sent, got %d", len(sent))
	}
	respEnv, err := Decode(sent[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var vr VoteResponse
	if err := decodePayload(respEnv.Payload, &vr); err != nil {
		t.Fatalf("decode vote response payload: %v", err)
	}
	if !vr.Accept {
		t.Fatalf("expected Accept=true for the winning candidate")
	}
}

func TestDisputeResolutionHandlerInvokesMarkDisputed(t *testing.T) {
	n := New("did:key:self", newFakeTransport(), bloom.New(100, 0.01))
	var marked []string
	n.Ports = Ports{MarkDisputed: func(hashes []string) { marked = hashes }}

	data, _ := Encode(TagDisputeResolution, DisputeResolution{WinnerHash: "w", LoserHashes: []string{"l1", "l2"}})
	ctx := &Context{Node: n, FromPeer: "did:key:x"}
	if err := n.Registry.Dispatch(ctx, data); err != nil {
		t.Fatalf("dispatch dispute resolution: %v", err)
	}
	if len(marked) != 2 || marked[0] != "l1" || marked[1] != "l2" {
		t.Fatalf("expected MarkDisputed([l1 l2]), got %v", marked)
	}
}

func TestDrainAndSendTripsCircuitBreakerOnRepeatedFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.fail["did:key:a"] = true
	n := New("did:key:self", transport, bloom.New(100, 0.01))
	n.Peers.Upsert(peer.Record{DID: "did:key:a"})

	for i := 0; i < 5; i++ {
		n.enqueue("did:key:a", []byte("x"))
		n.DrainAndSend(context.Background(), "did:key:a")
	}
	r, _ := n.Peers.Get("did:key:a")
	if !r.Failed {
		t.Fatalf("expected peer marked failed after repeated send errors")
	}
}
