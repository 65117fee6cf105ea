package perfectlink

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dvx-labs/reliastack/pkg/stack/definition"
	"github.com/dvx-labs/reliastack/pkg/stack/transporttest"
	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

type collector struct {
	mu   sync.Mutex
	seen map[string]int
}

func newCollector() *collector {
	return &collector{seen: make(map[string]int)}
}

func (c *collector) Notify(peer types.ProcessId, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[string(payload)]++
}

func (c *collector) count(payload string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[payload]
}

func (c *collector) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.seen {
		n += v
	}
	return n
}

// TestLinkAtMostOnceUnderDropsAndDuplicates exercises §8 property 1 (PL
// at-most-once) and scenario F (duplicate + reorder): every payload must
// be delivered exactly once even with a lossy, duplicating, reordering
// network, and to_send must eventually empty.
func TestLinkAtMostOnceUnderDropsAndDuplicates(t *testing.T) {
	network := transporttest.NewNetwork(1)

	a1, a2 := addr(9001), addr(9002)
	network.SetFault(a1, a2, transporttest.Fault{DropProbability: 0.3, Duplicate: true, MaxReorderDelay: 5 * time.Millisecond})
	network.SetFault(a2, a1, transporttest.Fault{DropProbability: 0.3})

	ep1 := network.NewEndpoint(a1)
	ep2 := network.NewEndpoint(a2)

	log := definition.NewLogger(1)
	clock := clockwork.NewRealClock()

	mgr1 := NewManager(1, ep1, log, clock)
	mgr1.SetIntervals(5*time.Millisecond, 5*time.Millisecond)
	link1 := mgr1.Add(2, a2)

	mgr2 := NewManager(2, ep2, log, clock)
	mgr2.SetIntervals(5*time.Millisecond, 5*time.Millisecond)
	link2 := mgr2.Add(1, a1)

	recv := newCollector()
	link2.Subscribe(recv)

	mgr1.Start()
	defer mgr1.Stop()
	mgr2.Start()
	defer mgr2.Stop()

	for i := 1; i <= 5; i++ {
		link1.Send([]byte{byte(i)})
	}

	require.Eventually(t, func() bool {
		return recv.total() == 5
	}, 3*time.Second, 10*time.Millisecond)

	for i := 1; i <= 5; i++ {
		require.Equal(t, 1, recv.count(string([]byte{byte(i)})), "payload %d delivered more than once", i)
	}

	require.Eventually(t, func() bool {
		return link1.PendingCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}
