package bloom

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
)

func hashOf(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestAddContainsNoFalseNegatives(t *testing.T) {
	f := New(100, 0.01)
	hashes := make([]string, 50)
	for i := range hashes {
		hashes[i] = hashOf(fmt.Sprintf("item-%d", i))
		if err := f.Add(hashes[i]); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	for _, h := range hashes {
		if !f.Contains(h) {
			t.Fatalf("Contains(%s) = false, want true (false negative)", h)
		}
	}
}

func TestAddRejectsMalformedHash(t *testing.T) {
	f := New(10, 0.01)
	if err := f.Add("not-a-hash"); err != ErrMalformedHash {
		t.Fatalf("expected ErrMalformedHash, got %v", err)
	}
}

func TestSegmentsGrowPastCapacity(t *testing.T) {
	f := New(4, 0.01)
	for i := 0; i < 20; i++ {
		if err := f.Add(hashOf(fmt.Sprintf("x-%d", i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if len(f.segments) < 2 {
		t.Fatalf("expected more than one segment after exceeding capacity, got %d", len(f.segments))
	}
	if f.ElementCount() != 20 {
		t.Fatalf("ElementCount = %d, want 20", f.ElementCount())
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	f := New(100, 0.01)
	h := hashOf("persisted")
	f.Add(h)

	b, err := f.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	f2, err := Deserialize(b)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !f2.Contains(h) {
		t.Fatalf("deserialized filter lost membership of %s", h)
	}
}
