// Package transporttest implements an adversarial, in-process stand-in
// for pkg/stack/transport.Endpoint: the same Attach/Send/Start/Stop
// surface, but backed by Go channels instead of a UDP socket so tests can
// deterministically drop, duplicate, and reorder datagrams.
//
// The shape is grounded on the teacher's own in-process test harness
// (test.TestInvoker / test.UnityCluster in chaitanyaphalak-go-mcast), with
// the per-link fault injection grounded on the layered fake-network style
// used across dedis-tlc's go/stack/*/layer.go files, where each layer
// wraps the one below with a narrow interface rather than a subclass.
package transporttest

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/dvx-labs/reliastack/pkg/stack/transport"
)

// Fault describes the adversarial behavior of one directed link.
type Fault struct {
	// DropProbability in [0,1): a send across this link is silently
	// dropped with this probability.
	DropProbability float64
	// Duplicate, if true, re-delivers every non-dropped send once more.
	Duplicate bool
	// MaxReorderDelay randomizes delivery latency in [0, MaxReorderDelay)
	// so sends can be observed out of submission order.
	MaxReorderDelay time.Duration
}

// Network is a shared fake medium for a fixed set of addresses.
type Network struct {
	rng *rand.Rand

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	faults    map[[2]string]Fault
	wg        sync.WaitGroup
}

// NewNetwork builds a fake network with a deterministic seed so test
// failures are reproducible.
func NewNetwork(seed int64) *Network {
	return &Network{
		rng:       rand.New(rand.NewSource(seed)),
		endpoints: make(map[string]*Endpoint),
		faults:    make(map[[2]string]Fault),
	}
}

// SetFault configures the fault behavior of sends from "from" to "to".
// The zero Fault means perfectly reliable, in-order, single delivery.
func (n *Network) SetFault(from, to *net.UDPAddr, f Fault) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults[[2]string{from.String(), to.String()}] = f
}

// NewEndpoint registers and returns a fake endpoint bound at addr.
func (n *Network) NewEndpoint(addr *net.UDPAddr) *Endpoint {
	e := &Endpoint{
		net:       n,
		addr:      addr,
		observers: make(map[string]transport.Observer),
	}
	n.mu.Lock()
	n.endpoints[addr.String()] = e
	n.mu.Unlock()
	return e
}

func (n *Network) fault(from, to *net.UDPAddr) Fault {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.faults[[2]string{from.String(), to.String()}]
}

func (n *Network) endpointAt(addr string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[addr]
}

// Endpoint is a fake transport.Endpoint-shaped peer on the network.
type Endpoint struct {
	net  *Network
	addr *net.UDPAddr

	mu        sync.RWMutex
	observers map[string]transport.Observer
	stopped   bool
}

// Attach mirrors transport.Endpoint.Attach.
func (e *Endpoint) Attach(peerAddr *net.UDPAddr, observer transport.Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers[peerAddr.String()] = observer
}

// Start is a no-op: fake delivery happens inline/async from Send.
func (e *Endpoint) Start() {}

// Stop marks the endpoint stopped and waits for in-flight deliveries.
func (e *Endpoint) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.net.wg.Wait()
}

// Send applies the configured Fault for (self -> peerAddr) and, absent a
// drop, delivers the datagram (once, or twice if Duplicate) to whatever
// observer peerAddr has attached for self's address.
func (e *Endpoint) Send(payload []byte, peerAddr *net.UDPAddr) error {
	fault := e.net.fault(e.addr, peerAddr)

	n := 1
	if fault.Duplicate {
		n = 2
	}
	for i := 0; i < n; i++ {
		if fault.DropProbability > 0 && e.net.rng.Float64() < fault.DropProbability {
			continue
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		e.deliver(cp, peerAddr, fault.MaxReorderDelay)
	}
	return nil
}

func (e *Endpoint) deliver(payload []byte, peerAddr *net.UDPAddr, maxDelay time.Duration) {
	delay := time.Duration(0)
	if maxDelay > 0 {
		delay = time.Duration(e.net.rng.Int63n(int64(maxDelay)))
	}
	e.net.wg.Add(1)
	go func() {
		defer e.net.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		dst := e.net.endpointAt(peerAddr.String())
		if dst == nil {
			return
		}
		dst.mu.RLock()
		observer, ok := dst.observers[e.addr.String()]
		dst.mu.RUnlock()
		if !ok {
			return
		}
		observer.OnDatagram(payload)
	}()
}
