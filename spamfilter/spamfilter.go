// Package spamfilter implements per-peer admission control: rate and
// bandwidth limiting, invalid-token ban scheduling, and a proof-of-work
// challenge for peers under suspicion. Grounded on the rate-limiting
// surface golang.org/x/time/rate exposes, a teacher dependency the
// chain client itself never exercised this directly. Ban and window
// state is written through to the shared store's rate_limit_state
// bucket on every mutation, the same store.Store abstraction
// tokencache.Cache and reputation.Engine persist through.
package spamfilter

import (
	"crypto/sha256"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tos-network/cascade/canon"
	"github.com/tos-network/cascade/log"
	"github.com/tos-network/cascade/params"
	"github.com/tos-network/cascade/store"
)

var peerPrefix = []byte("rate_limit_state/")

func peerKey(did string) []byte {
	return append(append([]byte{}, peerPrefix...), []byte(did)...)
}

// persistedPeerState is peerState's wire form. bandwidth's token-bucket
// fill level is not persisted: it is ephemeral rate-shaping state that
// simply refills on restart, unlike the ban/window bookkeeping spec.md
// §3 requires to survive one.
type persistedPeerState struct {
	WindowStart   int64 `cbor:"window_start"`
	Announcements int   `cbor:"announcements"`
	InvalidCount  int   `cbor:"invalid_count"`
	PriorBans     int   `cbor:"prior_bans"`
	BannedUntil   int64 `cbor:"banned_until"`
}

// Reason explains why CheckAdmission rejected a peer.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonBanned
	ReasonRateLimited
	ReasonBandwidth
)

func (r Reason) String() string {
	switch r {
	case ReasonBanned:
		return "banned"
	case ReasonRateLimited:
		return "rate_limited"
	case ReasonBandwidth:
		return "bandwidth_exceeded"
	default:
		return "none"
	}
}

// Challenge is a proof-of-work puzzle issued to a suspicious peer.
type Challenge struct {
	Value      []byte
	Difficulty int
}

type peerState struct {
	windowStart   time.Time
	announcements int
	bandwidth     *rate.Limiter
	invalidCount  int
	priorBans     int
	bannedUntil   time.Time
}

// Limiter is the per-peer admission control state.
type Limiter struct {
	mu    sync.Mutex
	peers map[string]*peerState
	score func(did string) float64 // reputation lookup, injected to avoid import cycle
	db    *store.Store
}

// New opens a Limiter backed by db, reloading any rate_limit_state rows
// already persisted there (spec.md §3: "rate-limit state ... persist[s]
// across restarts"). scoreFn supplies the peer's reputation overall
// score, used to scale quota up or down. A nil db keeps the Limiter
// in-memory only, for tests.
func New(db *store.Store, scoreFn func(did string) float64) (*Limiter, error) {
	l := &Limiter{peers: make(map[string]*peerState), score: scoreFn, db: db}
	if db == nil {
		return l, nil
	}
	it := db.NewIteratorWithPrefix(peerPrefix)
	defer it.Release()
	for it.Next() {
		did := string(it.Key()[len(peerPrefix):])
		var pp persistedPeerState
		if err := canon.Unmarshal(it.Value(), &pp); err != nil {
			continue
		}
		l.peers[did] = &peerState{
			windowStart:   time.Unix(pp.WindowStart, 0),
			announcements: pp.Announcements,
			bandwidth:     rate.NewLimiter(rate.Limit(params.RateLimitBandwidthBytes), params.RateLimitBandwidthBytes),
			invalidCount:  pp.InvalidCount,
			priorBans:     pp.PriorBans,
			bannedUntil:   time.Unix(pp.BannedUntil, 0),
		}
	}
	return l, nil
}

func (l *Limiter) getOrCreate(did string) *peerState {
	p, ok := l.peers[did]
	if !ok {
		p = &peerState{
			windowStart: time.Now(),
			bandwidth:   rate.NewLimiter(rate.Limit(params.RateLimitBandwidthBytes), params.RateLimitBandwidthBytes),
		}
		l.peers[did] = p
	}
	return p
}

// persist writes did's current ban/window state to the shared store. A
// nil db (tests, or a Limiter built without one) makes this a no-op.
func (l *Limiter) persist(did string, p *peerState) {
	if l.db == nil {
		return
	}
	pp := persistedPeerState{
		WindowStart:   p.windowStart.Unix(),
		Announcements: p.announcements,
		InvalidCount:  p.invalidCount,
		PriorBans:     p.priorBans,
		BannedUntil:   p.bannedUntil.Unix(),
	}
	enc, err := canon.Marshal(pp)
	if err != nil {
		log.Warn("spamfilter: encode state failed", "peer", did, "err", err)
		return
	}
	if err := l.db.Put(peerKey(did), enc); err != nil {
		log.Warn("spamfilter: persist state failed", "peer", did, "err", err)
	}
}

func (l *Limiter) quota(did string) int {
	base := float64(params.RateLimitAnnouncements)
	if l.score == nil {
		return int(base)
	}
	s := l.score(did)
	switch {
	case s >= params.HighReputationThreshold:
		base *= params.HighReputationQuotaBonus
	case s <= params.LowReputationThreshold:
		base *= params.LowReputationQuotaPenalty
	}
	return int(base)
}

// CheckAdmission reports whether did may announce right now.
func (l *Limiter) CheckAdmission(did string) (bool, Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.getOrCreate(did)

	now := time.Now()
	if now.Before(p.bannedUntil) {
		return false, ReasonBanned
	}
	if now.Sub(p.windowStart) > params.RateLimitWindow {
		p.windowStart = now
		p.announcements = 0
		l.persist(did, p)
	}
	if p.announcements >= l.quota(did) {
		return false, ReasonRateLimited
	}
	return true, ReasonNone
}

// RecordAnnouncement records n bytes of announcement traffic from did,
// consuming its bandwidth token bucket.
func (l *Limiter) RecordAnnouncement(did string, n int) (bool, Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.getOrCreate(did)
	p.announcements++
	l.persist(did, p)
	if !p.bandwidth.AllowN(time.Now(), n) {
		return false, ReasonBandwidth
	}
	return true, ReasonNone
}

// RecordInvalid records that did sent a token which failed validation,
// banning the peer with exponential back-off once the threshold is hit.
func (l *Limiter) RecordInvalid(did string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.getOrCreate(did)
	p.invalidCount++
	if p.invalidCount >= params.InvalidTokenBanThreshold {
		backoff := params.BaseBanDuration * time.Duration(1<<uint(p.priorBans))
		p.bannedUntil = time.Now().Add(backoff)
		p.priorBans++
		p.invalidCount = 0
	}
	l.persist(did, p)
}

// IssueChallenge produces a proof-of-work puzzle bound to did and ucptHash.
func IssueChallenge(did, ucptHash string) Challenge {
	now := time.Now().UnixNano()
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", did, ucptHash, now)))
	return Challenge{Value: h[:], Difficulty: params.PoWDifficultyBits}
}

// VerifyPoW reports whether nonce solves challenge at difficulty: the
// leading-zero-bit count of SHA256(challenge || nonce) must be >= difficulty.
func VerifyPoW(challenge []byte, difficulty int, nonce []byte) bool {
	h := sha256.Sum256(append(append([]byte{}, challenge...), nonce...))
	return leadingZeroBits(h[:]) >= difficulty
}

func leadingZeroBits(b []byte) int {
	count := 0
	for _, byt := range b {
		if byt == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(byt)
		break
	}
	return count
}

// BanCount returns the number of peers currently under an active ban,
// fed into the read API's security.stats.
func (l *Limiter) BanCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	n := 0
	for _, p := range l.peers {
		if now.Before(p.bannedUntil) {
			n++
		}
	}
	return n
}

// ResetExpiredWindows clears rate-limit windows whose interval has elapsed,
// run once a minute.
func (l *Limiter) ResetExpiredWindows() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for did, p := range l.peers {
		if now.Sub(p.windowStart) > params.RateLimitWindow {
			p.windowStart = now
			p.announcements = 0
			l.persist(did, p)
		}
	}
}
