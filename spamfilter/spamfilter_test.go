package spamfilter

import (
	"testing"

	"github.com/tos-network/cascade/store"
)

func neutralScore(string) float64 { return 250 }

func newTestLimiter(t *testing.T, scoreFn func(string) float64) *Limiter {
	t.Helper()
	l, err := New(nil, scoreFn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestCheckAdmissionAllowsUnderQuota(t *testing.T) {
	l := newTestLimiter(t, neutralScore)
	ok, reason := l.CheckAdmission("did:key:a")
	if !ok || reason != ReasonNone {
		t.Fatalf("expected admission, got ok=%v reason=%v", ok, reason)
	}
}

func TestCheckAdmissionRateLimitsAfterQuota(t *testing.T) {
	l := newTestLimiter(t, neutralScore)
	for i := 0; i < 10; i++ {
		l.RecordAnnouncement("did:key:a", 1)
	}
	ok, reason := l.CheckAdmission("did:key:a")
	if ok || reason != ReasonRateLimited {
		t.Fatalf("expected rate limited, got ok=%v reason=%v", ok, reason)
	}
}

func TestRecordInvalidBansAtThreshold(t *testing.T) {
	l := newTestLimiter(t, neutralScore)
	for i := 0; i < 5; i++ {
		l.RecordInvalid("did:key:a")
	}
	ok, reason := l.CheckAdmission("did:key:a")
	if ok || reason != ReasonBanned {
		t.Fatalf("expected banned, got ok=%v reason=%v", ok, reason)
	}
}

func TestHighReputationGetsLargerQuota(t *testing.T) {
	high := newTestLimiter(t, func(string) float64 { return 600 })
	low := newTestLimiter(t, func(string) float64 { return 50 })
	if high.quota("did:key:a") <= low.quota("did:key:a") {
		t.Fatalf("expected high-reputation quota to exceed low-reputation quota")
	}
}

func TestPoWVerifyRoundTrip(t *testing.T) {
	ch := IssueChallenge("did:key:a", "deadbeef")
	// Difficulty 0 always passes, trivially exercising the verification path
	// without burning CPU searching for a real solution in a unit test.
	if !VerifyPoW(ch.Value, 0, []byte("any-nonce")) {
		t.Fatalf("expected trivial difficulty 0 challenge to verify")
	}
}

func TestVerifyPoWRejectsWrongDifficulty(t *testing.T) {
	ch := IssueChallenge("did:key:a", "deadbeef")
	if VerifyPoW(ch.Value, 256, []byte("any-nonce")) {
		t.Fatalf("expected impossible difficulty to fail verification")
	}
}

func TestBanStatePersistsAcrossReopen(t *testing.T) {
	db, err := store.OpenMem()
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	defer db.Close()

	l, err := New(db, neutralScore)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		l.RecordInvalid("did:key:a")
	}
	ok, reason := l.CheckAdmission("did:key:a")
	if ok || reason != ReasonBanned {
		t.Fatalf("expected banned before reopen, got ok=%v reason=%v", ok, reason)
	}

	reopened, err := New(db, neutralScore)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	ok, reason = reopened.CheckAdmission("did:key:a")
	if ok || reason != ReasonBanned {
		t.Fatalf("expected ban to survive reopen, got ok=%v reason=%v", ok, reason)
	}
}
