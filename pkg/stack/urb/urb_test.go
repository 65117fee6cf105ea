package urb

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

type deliveries struct {
	mu   sync.Mutex
	seen []types.BroadcastId
}

func (d *deliveries) DeliverInternal(id types.BroadcastId, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, id)
}

func (d *deliveries) has(id types.BroadcastId) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.seen {
		if s == id {
			return true
		}
	}
	return false
}

func (d *deliveries) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// threeNodeURBFixture wires a live 3-process group: endpoints, Perfect
// Link managers, BEB, and URB on top, all sharing a fast tick so tests
// run quickly.
func threeNodeURBFixture(t *testing.T, n int) (map[types.ProcessId]*perfectlink.Manager, map[types.ProcessId]*URB, map[types.ProcessId]*deliveries) {
	t.Helper()
	network := transporttest.NewNetwork(11)
	addrs := make(map[types.ProcessId]*net.UDPAddr, n)
	for i := 1; i <= n; i++ {
		addrs[types.ProcessId(i)] = addr(9200 + i)
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

	urbs := make(map[types.ProcessId]*URB)
	recs := make(map[types.ProcessId]*deliveries)
	for id, mgr := range mgrs {
		b := broadcast.New(id, mgr, log)
		u := New(id, n, b, log, nil, clock)
		u.SetDeliverTickInterval(5 * time.Millisecond)
		d := &deliveries{}
		u.SetUpper(d)
		urbs[id] = u
		recs[id] = d
	}

	for _, mgr := range mgrs {
		mgr.Start()
	}
	for _, u := range urbs {
		u.Start()
	}

	return mgrs, urbs, recs
}

// TestURBUniformDeliveryByMajority exercises §8 scenario C's majority
// arithmetic directly: with N=3, a broadcast reaches the ack threshold
// (floor(N/2)=1 other ack, plus self) as soon as any one other process
// has relayed it, so every broadcasting host's message is delivered
// everywhere without needing all N to participate.
func TestURBUniformDeliveryByMajority(t *testing.T) {
	mgrs, urbs, recs := threeNodeURBFixture(t, 3)
	defer func() {
		for id, u := range urbs {
			u.Stop()
			mgrs[id].Stop()
		}
	}()

	id1 := urbs[1].Broadcast([]byte("from-1"))
	id2 := urbs[2].Broadcast([]byte("from-2"))

	require.Eventually(t, func() bool {
		return recs[1].has(id1) && recs[1].has(id2) && recs[2].has(id1) && recs[2].has(id2)
	}, 3*time.Second, 10*time.Millisecond)
}

// TestURBRelayOnFirstSight verifies on_beb_deliver relays an envelope
// exactly once regardless of how many duplicate BEB deliveries arrive.
func TestURBRelayOnFirstSight(t *testing.T) {
	mgrs, urbs, recs := threeNodeURBFixture(t, 3)
	defer func() {
		for id, u := range urbs {
			u.Stop()
			mgrs[id].Stop()
		}
	}()

	id := urbs[1].Broadcast([]byte("payload"))

	require.Eventually(t, func() bool {
		return recs[2].has(id) && recs[3].has(id)
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, recs[2].count())
	require.Equal(t, 1, recs[3].count())
}
