// Package transport implements C1, the datagram endpoint: a single bound
// UDP socket with a receive pump that dispatches inbound datagrams to
// observers keyed by source address.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

// DefaultMaxReceiveSize is the default read buffer size; large enough for
// any single datagram under a typical path MTU.
const DefaultMaxReceiveSize = 65536

// ErrTransport wraps any transient socket failure surfaced to a caller of
// Send; receive-side failures are logged and ignored per §4.1.
var ErrTransport = errors.New("transport: send failed")

// Observer receives raw datagram payloads from one source address. PL
// instances implement this to parse the PL tag/seq header.
type Observer interface {
	OnDatagram(payload []byte)
}

// Endpoint owns one bound UDP socket and dispatches inbound datagrams to
// attached observers. Safe for concurrent use once started; Attach may
// only be called before Start.
type Endpoint struct {
	conn           *net.UDPConn
	log            types.Logger
	maxReceiveSize int

	mu        sync.RWMutex
	observers map[string]Observer

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewEndpoint binds a UDP socket at laddr.
func NewEndpoint(laddr *net.UDPAddr, log types.Logger) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("binding udp endpoint at %s: %w", laddr, err)
	}
	return &Endpoint{
		conn:           conn,
		log:            log,
		maxReceiveSize: DefaultMaxReceiveSize,
		observers:      make(map[string]Observer),
		done:           make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Attach associates an observer with a source address. Must be called
// before Start. One PL owns the (self -> peer) ordered pair, so exactly
// one observer is attached per peer address.
func (e *Endpoint) Attach(peerAddr *net.UDPAddr, observer Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers[peerAddr.String()] = observer
}

// Start launches the single receive task.
func (e *Endpoint) Start() {
	e.wg.Add(1)
	go e.receiveLoop()
}

// Stop shuts down the socket, causing the receive task to exit, and waits
// for it to return.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		_ = e.conn.Close()
	})
	e.wg.Wait()
}

// Send transmits one datagram to peerAddr.
func (e *Endpoint) Send(payload []byte, peerAddr *net.UDPAddr) error {
	_, err := e.conn.WriteToUDP(payload, peerAddr)
	if err != nil {
		return fmt.Errorf("%w: to %s: %v", ErrTransport, peerAddr, err)
	}
	return nil
}

func (e *Endpoint) receiveLoop() {
	defer e.wg.Done()
	buf := make([]byte, e.maxReceiveSize)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Warnf("transport: recv error: %v", err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		e.mu.RLock()
		observer, ok := e.observers[addr.String()]
		e.mu.RUnlock()
		if !ok {
			e.log.Debugf("transport: datagram from unattached source %s dropped", addr)
			continue
		}
		observer.OnDatagram(payload)
	}
}
