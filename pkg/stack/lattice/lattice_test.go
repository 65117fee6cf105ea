package lattice

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dvx-labs/reliastack/pkg/stack/broadcast"
	"github.com/dvx-labs/reliastack/pkg/stack/definition"
	"github.com/dvx-labs/reliastack/pkg/stack/perfectlink"
	"github.com/dvx-labs/reliastack/pkg/stack/transporttest"
	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

type fakeDecisionLog struct {
	mu        sync.Mutex
	decisions [][]uint32
}

func (f *fakeDecisionLog) LogDecision(values []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]uint32, len(values))
	copy(cp, values)
	f.decisions = append(f.decisions, cp)
}

func (f *fakeDecisionLog) last() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.decisions) == 0 {
		return nil
	}
	return f.decisions[len(f.decisions)-1]
}

func (f *fakeDecisionLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decisions)
}

func asSet(values []uint32) map[uint32]struct{} {
	s := make(map[uint32]struct{}, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func threeNodeLAFixture(t *testing.T, faulty bool) (map[types.ProcessId]*perfectlink.Manager, map[types.ProcessId]*LA, map[types.ProcessId]*fakeDecisionLog) {
	t.Helper()
	network := transporttest.NewNetwork(13)
	addrs := map[types.ProcessId]*net.UDPAddr{1: addr(9401), 2: addr(9402), 3: addr(9403)}
	if faulty {
		network.SetFault(addrs[1], addrs[3], transporttest.Fault{DropProbability: 0.4})
	}

	log := definition.NewLogger(1)
	clock := clockwork.NewRealClock()

	mgrs := make(map[types.ProcessId]*perfectlink.Manager)
	for id, a := range addrs {
		ep := network.NewEndpoint(a)
		mgr := perfectlink.NewManager(id, ep, log, clock)
		mgr.SetIntervals(5*time.Millisecond, 5*time.Millisecond)
		mgrs[id] = mgr
	}
	for self, mgr := range mgrs {
		for peer, a := range addrs {
			if peer == self {
				continue
			}
			mgr.Add(peer, a)
		}
	}
	for _, mgr := range mgrs {
		mgr.Start()
	}

	las := make(map[types.ProcessId]*LA)
	elogs := make(map[types.ProcessId]*fakeDecisionLog)
	for id, mgr := range mgrs {
		b := broadcast.New(id, mgr, log)
		elog := &fakeDecisionLog{}
		l := New(id, 3, b, log, elog, clock)
		l.SetTickInterval(5 * time.Millisecond)
		b.SetUpper(l)
		l.Start()
		las[id] = l
		elogs[id] = elog
	}
	return mgrs, las, elogs
}

// TestLASingleRoundAllPropose exercises §8 scenario D: V1={1,2}, V2={2,3},
// V3={3,4}; each host decides {1,2,3,4}.
func TestLASingleRoundAllPropose(t *testing.T) {
	mgrs, las, elogs := threeNodeLAFixture(t, false)
	defer func() {
		for id, l := range las {
			l.Stop()
			mgrs[id].Stop()
		}
	}()

	las[1].Propose([]uint32{1, 2})
	las[2].Propose([]uint32{2, 3})
	las[3].Propose([]uint32{3, 4})

	require.Eventually(t, func() bool {
		return elogs[1].count() >= 1 && elogs[2].count() >= 1 && elogs[3].count() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	want := asSet([]uint32{1, 2, 3, 4})
	require.Equal(t, want, asSet(elogs[1].last()))
	require.Equal(t, want, asSet(elogs[2].last()))
	require.Equal(t, want, asSet(elogs[3].last()))
}

// TestLAWithLossyLink exercises §8 scenario E: a lossy link still lets
// every host converge on the same decision, since the protocol retries
// via PL's stubborn send underneath and the nack/reset-retry cycle above.
func TestLAWithLossyLink(t *testing.T) {
	mgrs, las, elogs := threeNodeLAFixture(t, true)
	defer func() {
		for id, l := range las {
			l.Stop()
			mgrs[id].Stop()
		}
	}()

	las[1].Propose([]uint32{1})
	las[2].Propose([]uint32{2})
	las[3].Propose([]uint32{3})

	require.Eventually(t, func() bool {
		return elogs[1].count() >= 1 && elogs[2].count() >= 1 && elogs[3].count() >= 1
	}, 8*time.Second, 10*time.Millisecond)

	want := asSet([]uint32{1, 2, 3})
	require.Equal(t, want, asSet(elogs[1].last()))
	require.Equal(t, want, asSet(elogs[2].last()))
	require.Equal(t, want, asSet(elogs[3].last()))
}

// TestLAInclusionProperty exercises §8 property 7: the proposed values
// are always a subset of the decided values.
func TestLAInclusionProperty(t *testing.T) {
	mgrs, las, elogs := threeNodeLAFixture(t, false)
	defer func() {
		for id, l := range las {
			l.Stop()
			mgrs[id].Stop()
		}
	}()

	proposed := []uint32{5, 6}
	las[1].Propose(proposed)
	las[2].Propose([]uint32{6, 7})
	las[3].Propose([]uint32{7, 8})

	require.Eventually(t, func() bool { return elogs[1].count() >= 1 }, 5*time.Second, 10*time.Millisecond)

	decided := asSet(elogs[1].last())
	for _, v := range proposed {
		_, ok := decided[v]
		require.True(t, ok, "proposed value %d missing from decision", v)
	}
}
