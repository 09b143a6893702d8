// Package bloom implements a scalable bloom filter used for anti-entropy
// digests: a growing sequence of fixed-capacity segments, each backed by
// holiman/bloomfilter/v2, so the false-positive rate stays bounded as the
// cached token set grows past any single segment's sizing.
package bloom

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"

	"github.com/holiman/bloomfilter/v2"
)

var ErrMalformedHash = errors.New("bloom: hash must be 64 hex characters")

type segment struct {
	filter   *bloomfilter.Filter
	capacity uint64
	count    uint64
}

// Filter is a segmented, append-only scalable bloom filter.
type Filter struct {
	mu       sync.RWMutex
	segments []*segment
	n        uint64 // default per-segment capacity
	p        float64
}

// New creates a Filter whose segments are sized for n elements at false
// positive rate p (spec.md defaults: n=1000, p=0.01).
func New(n uint64, p float64) *Filter {
	f := &Filter{n: n, p: p}
	f.segments = append(f.segments, newSegment(n, p))
	return f
}

func optimalMK(n uint64, p float64) (m uint64, k uint64) {
	if n == 0 {
		n = 1
	}
	mf := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	m = uint64(math.Ceil(mf))
	if m == 0 {
		m = 1
	}
	kf := float64(m) / float64(n) * math.Ln2
	k = uint64(math.Round(kf))
	if k == 0 {
		k = 1
	}
	return m, k
}

func newSegment(n uint64, p float64) *segment {
	m, k := optimalMK(n, p)
	filter, err := bloomfilter.New(m, k)
	if err != nil {
		// m/k derived from optimalMK are always >0; a construction error here
		// indicates a library invariant violation, not a caller input error.
		panic("bloom: unexpected construction failure: " + err.Error())
	}
	return &segment{filter: filter, capacity: n}
}

// Add feeds hash (64 hex chars) into the active segment, opening a new
// segment once the active one reaches its configured capacity.
func (f *Filter) Add(hash string) error {
	h, err := decodeHash(hash)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	active := f.segments[len(f.segments)-1]
	if active.count >= active.capacity {
		active = newSegment(f.n, f.p)
		f.segments = append(f.segments, active)
	}
	active.filter.Add(h)
	active.count++
	return nil
}

// Contains reports whether hash may have been added. False negatives are
// impossible; false positives occur at the configured rate p.
func (f *Filter) Contains(hash string) bool {
	h, err := decodeHash(hash)
	if err != nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.segments {
		if s.filter.Contains(h) {
			return true
		}
	}
	return false
}

// ElementCount returns the total number of hashes added across all segments.
func (f *Filter) ElementCount() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var total uint64
	for _, s := range f.segments {
		total += s.count
	}
	return total
}

// SizeBytes estimates the in-memory footprint of the filter's bit arrays.
func (f *Filter) SizeBytes() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var total uint64
	for _, s := range f.segments {
		total += s.filter.M() / 8
	}
	return total
}

func decodeHash(hash string) (hashable, error) {
	if len(hash) != 64 {
		return nil, ErrMalformedHash
	}
	b, err := hex.DecodeString(hash)
	if err != nil {
		return nil, ErrMalformedHash
	}
	return hashable(b), nil
}

// hashable adapts a 32-byte digest to bloomfilter.v2's required Hashable
// interface: Sum64 returns the digest's first 8 bytes read big-endian.
type hashable []byte

func (h hashable) Sum64() uint64 {
	return binary.BigEndian.Uint64(h[:8])
}

// Serialize writes a compact header (segment count, per-segment m/k) plus
// each segment's bit array.
func (f *Filter) Serialize() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(f.segments))); err != nil {
		return nil, err
	}
	for _, s := range f.segments {
		if _, err := s.filter.WriteTo(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Deserialize reconstructs a Filter from bytes produced by Serialize.
func Deserialize(data []byte) (*Filter, error) {
	buf := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(buf, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	f := &Filter{n: 0, segments: make([]*segment, 0, count)}
	for i := uint32(0); i < count; i++ {
		filter := &bloomfilter.Filter{}
		if _, err := filter.ReadFrom(buf); err != nil {
			return nil, err
		}
		f.segments = append(f.segments, &segment{filter: filter, capacity: filter.M(), count: filter.N()})
	}
	return f, nil
}
