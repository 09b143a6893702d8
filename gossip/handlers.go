package gossip

import (
	"context"
	"math/rand"
	"sync"

	"github.com/tos-network/cascade/canon"
	"github.com/tos-network/cascade/consensus"
	"github.com/tos-network/cascade/params"
)

// Ports are the small, storage-blind seams spec.md §9 calls for so gossip
// never reaches into the cache, spam filter, or reputation engine's own
// handle: core wires these closures once, after constructing every
// sibling component, instead of gossip importing them directly.
type Ports struct {
	// CheckAdmission reports whether a message from peerDID is allowed in
	// right now (spamfilter.Limiter.CheckAdmission), and RecordTraffic
	// tallies the bytes against the peer's window and bandwidth bucket.
	CheckAdmission func(peerDID string) bool
	RecordTraffic  func(peerDID string, nBytes int)
	RecordInvalid  func(peerDID string)

	// HasHash reports whether hash is already cached, and FetchToken
	// returns the serialized bytes of a cached token for a UCPT_REQUEST
	// reply.
	HasHash    func(hash string) bool
	FetchToken func(hash string) ([]byte, bool)

	// ValidateAndStore parses tokenBytes, runs the admission pipeline, and
	// on success stores the token under sourcePeer, returning the fields
	// Relay needs to keep propagating it.
	ValidateAndStore func(ctx context.Context, sourcePeer string, tokenBytes []byte) (hash string, metadata map[string]string, stored bool)

	// MissingAgainst returns the hashes this node holds that peerBloom
	// (a deserialized bloom filter's raw bytes) reports as possibly absent
	// from the sender, bounded to a batch for one SYNC_RESPONSE.
	MissingAgainst func(peerBloom []byte) []string

	// VoteOn decides this node's ballot for a VOTE_REQUEST, the gossip
	// side of C10's peer-consensus probe.
	VoteOn func(taskID, candidate string) bool

	// MarkDisputed re-asserts a broadcast consensus outcome locally
	// (spec.md §9's dispute-broadcast-reliability open question).
	MarkDisputed func(hashes []string)
}

type pendingResponse struct {
	ch chan Response
}

type pendingVote struct {
	ch chan VoteResponse
}

// inbound tracks outstanding UCPT_REQUEST/VOTE_REQUEST round trips keyed
// by a caller-chosen correlation string (peer|hash or taskID|peer|candidate).
type inbound struct {
	mu        sync.Mutex
	responses map[string]*pendingResponse
	votes     map[string]*pendingVote
	relayTTL  map[string]int // peer|hash -> TTL to relay at once the response arrives
}

func newInbound() *inbound {
	return &inbound{
		responses: make(map[string]*pendingResponse),
		votes:     make(map[string]*pendingVote),
		relayTTL:  make(map[string]int),
	}
}

// Receive decodes and dispatches one wire message arriving from fromPeer.
// This is the read side of every Transport implementation's receive loop.
func (n *Node) Receive(ctx context.Context, fromPeer string, data []byte) error {
	if n.Ports.CheckAdmission != nil && !n.Ports.CheckAdmission(fromPeer) {
		return nil
	}
	if n.Ports.RecordTraffic != nil {
		n.Ports.RecordTraffic(fromPeer, len(data))
	}
	return n.Registry.Dispatch(&Context{Node: n, FromPeer: fromPeer}, data)
}

func (n *Node) sendTo(ctx context.Context, did string, data []byte) {
	n.enqueue(did, data)
	n.DrainAndSend(ctx, did)
}

// announceHandler reacts to UCPT_ANNOUNCE: unknown hashes are fetched from
// the announcer with a UCPT_REQUEST (spec.md §4.8's "Announce" bullet).
type announceHandler struct{}

func (announceHandler) CanHandle(t Tag) bool { return t == TagAnnounce }

func (announceHandler) Handle(ctx *Context, env Envelope) error {
	var msg Announce
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	n := ctx.Node
	if n.Ports.HasHash != nil && n.Ports.HasHash(msg.Hash) {
		return nil
	}
	data, err := Encode(TagRequest, Request{Hash: msg.Hash})
	if err != nil {
		return err
	}
	ttl := msg.TTL
	if ttl <= 0 {
		ttl = params.GossipDefaultTTL
	}
	n.pending.mu.Lock()
	n.pending.relayTTL[ctx.FromPeer+"|"+msg.Hash] = ttl
	n.pending.mu.Unlock()
	n.sendTo(context.Background(), ctx.FromPeer, data)
	return nil
}

// requestHandler reacts to UCPT_REQUEST by replying with whatever bytes
// the local cache holds for the requested hash, if any.
type requestHandler struct{}

func (requestHandler) CanHandle(t Tag) bool { return t == TagRequest }

func (requestHandler) Handle(ctx *Context, env Envelope) error {
	var msg Request
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	n := ctx.Node
	if n.Ports.FetchToken == nil {
		return nil
	}
	tokenBytes, ok := n.Ports.FetchToken(msg.Hash)
	if !ok {
		return nil
	}
	data, err := Encode(TagResponse, Response{Hash: msg.Hash, TokenBytes: tokenBytes})
	if err != nil {
		return err
	}
	n.sendTo(context.Background(), ctx.FromPeer, data)
	return nil
}

// responseHandler reacts to UCPT_RESPONSE: either it completes a pending
// fetch-on-demand wait (RequestToken) or, if nothing is waiting on it, it
// is an unsolicited push that still gets validated, stored, and relayed.
type responseHandler struct{}

func (responseHandler) CanHandle(t Tag) bool { return t == TagResponse }

func (responseHandler) Handle(ctx *Context, env Envelope) error {
	var msg Response
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	n := ctx.Node

	key := ctx.FromPeer + "|" + msg.Hash
	n.pending.mu.Lock()
	waiter, waiting := n.pending.responses[key]
	n.pending.mu.Unlock()
	if waiting {
		select {
		case waiter.ch <- msg:
		default:
		}
		return nil
	}

	if n.Ports.ValidateAndStore == nil {
		return nil
	}
	hash, metadata, stored := n.Ports.ValidateAndStore(context.Background(), ctx.FromPeer, msg.TokenBytes)
	if !stored {
		if n.Ports.RecordInvalid != nil {
			n.Ports.RecordInvalid(ctx.FromPeer)
		}
		return nil
	}

	ttlKey := ctx.FromPeer + "|" + hash
	n.pending.mu.Lock()
	ttl, hadTTL := n.pending.relayTTL[ttlKey]
	delete(n.pending.relayTTL, ttlKey)
	n.pending.mu.Unlock()
	if !hadTTL {
		ttl = params.GossipDefaultTTL
	}
	return n.Relay(context.Background(), hash, metadata, ttl)
}

// digestHandler reacts to DIGEST anti-entropy probes by replying with the
// hashes the sender's bloom filter suggests it may be missing.
type digestHandler struct{}

func (digestHandler) CanHandle(t Tag) bool { return t == TagDigest }

func (digestHandler) Handle(ctx *Context, env Envelope) error {
	var msg Digest
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	n := ctx.Node
	if n.Ports.MissingAgainst == nil {
		return nil
	}
	missing := n.Ports.MissingAgainst(msg.BloomBytes)
	if len(missing) == 0 {
		return nil
	}
	data, err := Encode(TagSyncResponse, SyncResponse{MissingHashes: missing})
	if err != nil {
		return err
	}
	n.sendTo(context.Background(), ctx.FromPeer, data)
	return nil
}

// syncResponseHandler reacts to SYNC_RESPONSE by requesting each hash the
// peer reported as possibly missing, one UCPT_REQUEST per hash.
type syncResponseHandler struct{}

func (syncResponseHandler) CanHandle(t Tag) bool { return t == TagSyncRequest || t == TagSyncResponse }

func (syncResponseHandler) Handle(ctx *Context, env Envelope) error {
	if env.Tag != TagSyncResponse {
		return nil
	}
	var msg SyncResponse
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	n := ctx.Node
	for _, hash := range msg.MissingHashes {
		if n.Ports.HasHash != nil && n.Ports.HasHash(hash) {
			continue
		}
		data, err := Encode(TagRequest, Request{Hash: hash})
		if err != nil {
			continue
		}
		n.sendTo(context.Background(), ctx.FromPeer, data)
	}
	return nil
}

// voteRequestHandler answers a VOTE_REQUEST with this node's own ballot.
type voteRequestHandler struct{}

func (voteRequestHandler) CanHandle(t Tag) bool { return t == TagVoteRequest }

func (voteRequestHandler) Handle(ctx *Context, env Envelope) error {
	var msg VoteRequest
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	n := ctx.Node
	accept := false
	if n.Ports.VoteOn != nil {
		accept = n.Ports.VoteOn(msg.TaskID, msg.Candidate)
	}
	data, err := Encode(TagVoteResponse, VoteResponse{TaskID: msg.TaskID, Candidate: msg.Candidate, Accept: accept})
	if err != nil {
		return err
	}
	n.sendTo(context.Background(), ctx.FromPeer, data)
	return nil
}

// voteResponseHandler completes the pending Collect() wait for one
// (round, voter, candidate) triple.
type voteResponseHandler struct{}

func (voteResponseHandler) CanHandle(t Tag) bool { return t == TagVoteResponse }

func (voteResponseHandler) Handle(ctx *Context, env Envelope) error {
	var msg VoteResponse
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	n := ctx.Node
	key := msg.TaskID + "|" + ctx.FromPeer + "|" + msg.Candidate
	n.pending.mu.Lock()
	waiter, ok := n.pending.votes[key]
	n.pending.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case waiter.ch <- msg:
	default:
	}
	return nil
}

// disputeResolutionHandler reacts to a broadcast consensus outcome by
// re-asserting it locally: spec.md §9's "an implementer SHOULD re-assert
// the disputed status whenever a losing-token request is received"
// open-question resolution is applied eagerly here, on receipt, rather
// than deferred to the next request for a losing hash.
type disputeResolutionHandler struct{}

func (disputeResolutionHandler) CanHandle(t Tag) bool { return t == TagDisputeResolution }

func (disputeResolutionHandler) Handle(ctx *Context, env Envelope) error {
	var msg DisputeResolution
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	n := ctx.Node
	if n.Ports.MarkDisputed != nil {
		n.Ports.MarkDisputed(msg.LoserHashes)
	}
	return nil
}

func decodePayload(payload []byte, out interface{}) error {
	return canon.Unmarshal(payload, out)
}

// RequestToken performs a fetch-on-demand UCPT_REQUEST/UCPT_RESPONSE round
// trip against peerDID, returning the token bytes if a reply arrives
// before ctx is done.
func (n *Node) RequestToken(ctx context.Context, peerDID, hash string) ([]byte, bool) {
	key := peerDID + "|" + hash
	waiter := &pendingResponse{ch: make(chan Response, 1)}
	n.pending.mu.Lock()
	n.pending.responses[key] = waiter
	n.pending.mu.Unlock()
	defer func() {
		n.pending.mu.Lock()
		delete(n.pending.responses, key)
		n.pending.mu.Unlock()
	}()

	data, err := Encode(TagRequest, Request{Hash: hash})
	if err != nil {
		return nil, false
	}
	n.sendTo(ctx, peerDID, data)

	select {
	case resp := <-waiter.ch:
		return resp.TokenBytes, true
	case <-ctx.Done():
		return nil, false
	}
}

// ProbeHasHash asks up to n random connected peers whether they hold hash,
// the gossip-layer implementation of validate.PeerProbe (spec.md §4.4
// point 4). A peer "votes" true iff it answers with a UCPT_RESPONSE
// before a short per-probe timeout.
func (n *Node) ProbeHasHash(ctx context.Context, hash string, want int) []bool {
	peers := n.Peers.All()
	if len(peers) == 0 {
		return nil
	}
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > want {
		peers = peers[:want]
	}

	votes := make([]bool, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, did string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, params.ProbeReplyTimeout)
			defer cancel()
			_, ok := n.RequestToken(probeCtx, did, hash)
			votes[i] = ok
		}(i, p.DID)
	}
	wg.Wait()
	return votes
}

// RequestVotes collects VOTE_REQUEST/VOTE_RESPONSE ballots from round's
// quorum for every candidate, the gossip-layer implementation of
// consensus.VoteRequester.
func (n *Node) RequestVotes(ctx context.Context, round *consensus.Round) map[string]map[string]bool {
	votes := make(map[string]map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, p := range round.Peers {
		for _, candidate := range round.Candidates {
			wg.Add(1)
			go func(did, candidate string) {
				defer wg.Done()
				key := round.TaskID + "|" + did + "|" + candidate
				waiter := &pendingVote{ch: make(chan VoteResponse, 1)}
				n.pending.mu.Lock()
				n.pending.votes[key] = waiter
				n.pending.mu.Unlock()
				defer func() {
					n.pending.mu.Lock()
					delete(n.pending.votes, key)
					n.pending.mu.Unlock()
				}()

				data, err := Encode(TagVoteRequest, VoteRequest{TaskID: round.TaskID, Candidate: candidate})
				if err != nil {
					return
				}
				n.sendTo(ctx, did, data)

				select {
				case resp := <-waiter.ch:
					mu.Lock()
					if votes[did] == nil {
						votes[did] = make(map[string]bool)
					}
					votes[did][candidate] = resp.Accept
					mu.Unlock()
				case <-ctx.Done():
				}
			}(p.DID, candidate)
		}
	}
	wg.Wait()
	return votes
}

// RegisterDefaultHandlers wires every built-in wire-message handler into
// registry, in the order Dispatch should try them.
func RegisterDefaultHandlers(registry *Registry) {
	registry.Register(announceHandler{})
	registry.Register(requestHandler{})
	registry.Register(responseHandler{})
	registry.Register(digestHandler{})
	registry.Register(syncResponseHandler{})
	registry.Register(voteRequestHandler{})
	registry.Register(voteResponseHandler{})
	registry.Register(disputeResolutionHandler{})
}

