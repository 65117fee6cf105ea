package urb

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

// TestCompactDeliveredSetRoundTrip exercises §8 property 8: inserting the
// complete permutation of 1..K in any order yields bottom = K+1 and an
// empty explicit set, and membership agrees with a reference set after
// any prefix of operations.
func TestCompactDeliveredSetRoundTrip(t *testing.T) {
	const k = 200
	perm := rand.New(rand.NewSource(3)).Perm(k)

	s := NewCompactDeliveredSet()
	reference := make(map[types.AuthorSeq]bool)

	for _, p := range perm {
		seq := types.AuthorSeq(p + 1)
		s.Insert(seq)
		reference[seq] = true

		for probe := types.AuthorSeq(1); probe <= k+1; probe++ {
			require.Equal(t, reference[probe], s.Contains(probe), "mismatch at seq %d", probe)
		}
	}

	require.Equal(t, types.AuthorSeq(k+1), s.Bottom())
	require.Equal(t, 0, s.ExplicitLen())
}

func TestCompactDeliveredSetOutOfOrder(t *testing.T) {
	s := NewCompactDeliveredSet()
	s.Insert(3)
	require.False(t, s.Contains(1))
	require.False(t, s.Contains(2))
	require.True(t, s.Contains(3))
	require.Equal(t, types.AuthorSeq(1), s.Bottom())
	require.Equal(t, 1, s.ExplicitLen())

	s.Insert(1)
	require.Equal(t, types.AuthorSeq(2), s.Bottom())
	s.Insert(2)
	require.Equal(t, types.AuthorSeq(4), s.Bottom())
	require.Equal(t, 0, s.ExplicitLen())
}
