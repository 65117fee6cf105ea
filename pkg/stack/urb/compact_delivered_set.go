package urb

import (
	"sync"

	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

// CompactDeliveredSet is the per-author delivered-set representation from
// §3: seqs below bottom are implicitly present; higher seqs live in an
// explicit set until bottom catches up to them. Insertion is amortized
// O(1) per author once gaps fill, per the spec's "round-trip" property
// (§8.8): inserting the full permutation of 1..K in any order must yield
// bottom = K+1 with an empty explicit set.
type CompactDeliveredSet struct {
	mu       sync.Mutex
	bottom   types.AuthorSeq
	explicit map[types.AuthorSeq]struct{}
}

// NewCompactDeliveredSet returns an empty set; seq numbers are 1-based,
// so bottom starts at 1 (nothing below 1 exists).
func NewCompactDeliveredSet() *CompactDeliveredSet {
	return &CompactDeliveredSet{bottom: 1, explicit: make(map[types.AuthorSeq]struct{})}
}

// Contains reports whether seq has been inserted.
func (s *CompactDeliveredSet) Contains(seq types.AuthorSeq) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.bottom {
		return true
	}
	_, ok := s.explicit[seq]
	return ok
}

// Insert marks seq delivered, advancing bottom through any now-contiguous
// run in the explicit set.
func (s *CompactDeliveredSet) Insert(seq types.AuthorSeq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.bottom {
		return
	}
	if seq > s.bottom {
		s.explicit[seq] = struct{}{}
		return
	}
	s.bottom++
	for {
		if _, ok := s.explicit[s.bottom]; !ok {
			break
		}
		delete(s.explicit, s.bottom)
		s.bottom++
	}
}

// Bottom returns the smallest not-yet-delivered seq for this author.
func (s *CompactDeliveredSet) Bottom() types.AuthorSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bottom
}

// ExplicitLen reports the size of the explicit (non-contiguous) set;
// exposed for the round-trip property test.
func (s *CompactDeliveredSet) ExplicitLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.explicit)
}
