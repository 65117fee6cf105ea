// Package perfectlink implements C2: one Perfect Link per ordered
// (self -> peer) pair, with stubborn send, ack send, at-most-once
// delivery and ack GC, per spec §4.2.
package perfectlink

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/dvx-labs/reliastack/pkg/stack/transport"
	"github.com/dvx-labs/reliastack/pkg/stack/types"
	"github.com/dvx-labs/reliastack/pkg/wire"
)

// Reference timing constants from spec §4.2 and §9.
const (
	DefaultFlushMsgsInterval = 250 * time.Millisecond
	DefaultFlushAcksInterval = 250 * time.Millisecond
	DefaultRTTBudget         = 350 * time.Millisecond
	// DefaultStopAckTimeout must satisfy FlushMsgsInterval + worst-case
	// RTT (§9) so ack GC never runs ahead of the peer's retransmissions.
	DefaultStopAckTimeout = DefaultFlushMsgsInterval + DefaultRTTBudget
)

// Sender is the subset of transport.Endpoint a Link needs: attach an
// inbound observer for the peer address, and send datagrams to it.
type Sender interface {
	Attach(peerAddr *net.UDPAddr, observer transport.Observer)
	Send(payload []byte, peerAddr *net.UDPAddr) error
}

// Config parameterizes a Link's identity and ack GC timing. The flush
// cadence itself is driven externally by Manager, which walks every Link
// it owns on a shared tick (§5) rather than each Link ticking on its own.
type Config struct {
	Self     types.ProcessId
	Peer     types.ProcessId
	PeerAddr *net.UDPAddr

	StopAckTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.StopAckTimeout == 0 {
		c.StopAckTimeout = DefaultStopAckTimeout
	}
}

// Link is one Perfect Link: PL1 validity, PL2 no-duplication, PL3
// no-creation (§4.2).
type Link struct {
	cfg   Config
	sendr Sender
	log   types.Logger
	clock clockwork.Clock

	outboundMu  sync.Mutex
	nextSendSeq types.PerfectLinkSeq
	toSend      map[types.PerfectLinkSeq][]byte

	inboundMu sync.Mutex
	toAck     map[types.PerfectLinkSeq]struct{}
	delivered map[types.PerfectLinkSeq]time.Time

	subMu       sync.RWMutex
	subscribers []types.Notifyable
}

// New constructs a Link and attaches it to sendr as the observer for
// peer's address. Nothing is started until Start is called.
func New(cfg Config, sendr Sender, log types.Logger, clock clockwork.Clock) *Link {
	cfg.setDefaults()
	l := &Link{
		cfg:       cfg,
		sendr:     sendr,
		log:       log,
		clock:     clock,
		toSend:    make(map[types.PerfectLinkSeq][]byte),
		toAck:     make(map[types.PerfectLinkSeq]struct{}),
		delivered: make(map[types.PerfectLinkSeq]time.Time),
	}
	sendr.Attach(cfg.PeerAddr, l)
	return l
}

// Peer returns the remote process id this Link talks to.
func (l *Link) Peer() types.ProcessId {
	return l.cfg.Peer
}

// Subscribe registers an upward observer; multiple managers may observe
// the same Link (used to layer Broadcast atop PL).
func (l *Link) Subscribe(n types.Notifyable) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subscribers = append(l.subscribers, n)
}

// Send allocates the next seq, stores the payload pending ack, and
// returns the seq synchronously. Never blocks.
func (l *Link) Send(payload []byte) types.PerfectLinkSeq {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	l.outboundMu.Lock()
	defer l.outboundMu.Unlock()
	l.nextSendSeq++
	seq := l.nextSendSeq
	l.toSend[seq] = cp
	return seq
}

// OnDatagram implements transport.Observer: parse as Ack or Msg.
func (l *Link) OnDatagram(payload []byte) {
	pkt, err := wire.DecodePLPacket(payload)
	if err != nil {
		// Malformed datagram: too small or unknown tag. Silent drop (§7).
		return
	}
	switch pkt.Tag {
	case wire.TagMsg:
		l.onMsg(pkt.Seq, pkt.Payload)
	case wire.TagAck:
		l.onAck(pkt.Seq)
	}
}

func (l *Link) onMsg(seq types.PerfectLinkSeq, payload []byte) {
	l.inboundMu.Lock()
	_, alreadyDelivered := l.delivered[seq]
	l.delivered[seq] = l.clock.Now()
	l.toAck[seq] = struct{}{}
	l.inboundMu.Unlock()

	if alreadyDelivered {
		return
	}

	l.subMu.RLock()
	subs := make([]types.Notifyable, len(l.subscribers))
	copy(subs, l.subscribers)
	l.subMu.RUnlock()
	for _, s := range subs {
		s.Notify(l.cfg.Peer, payload)
	}
}

func (l *Link) onAck(seq types.PerfectLinkSeq) {
	l.outboundMu.Lock()
	delete(l.toSend, seq)
	l.outboundMu.Unlock()
}

// FlushMsgs re-transmits every entry still awaiting ack. Called by Manager
// on its stubborn-send tick. Per-seq send failures are collected and
// returned as one aggregated error rather than stopping the flush.
func (l *Link) FlushMsgs() error {
	l.outboundMu.Lock()
	snapshot := make(map[types.PerfectLinkSeq][]byte, len(l.toSend))
	for seq, payload := range l.toSend {
		snapshot[seq] = payload
	}
	l.outboundMu.Unlock()

	var errs *multierror.Error
	for seq, payload := range snapshot {
		buf := wire.EncodeMsg(seq, payload)
		if err := l.sendr.Send(buf, l.cfg.PeerAddr); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("msg %d to peer %d: %w", seq, l.cfg.Peer, err))
		}
	}
	return errs.ErrorOrNil()
}

// FlushAcks sends one datagram per pending ack. Called by Manager on its
// ack-flush tick, followed by AckGC.
func (l *Link) FlushAcks() error {
	l.inboundMu.Lock()
	snapshot := make([]types.PerfectLinkSeq, 0, len(l.toAck))
	for seq := range l.toAck {
		snapshot = append(snapshot, seq)
	}
	l.inboundMu.Unlock()

	var errs *multierror.Error
	for _, seq := range snapshot {
		buf := wire.EncodeAck(seq)
		if err := l.sendr.Send(buf, l.cfg.PeerAddr); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("ack %d to peer %d: %w", seq, l.cfg.Peer, err))
		}
	}
	return errs.ErrorOrNil()
}

// AckGC removes (seq, t) entries whose age has reached StopAckTimeout,
// bounding memory without ever giving up on delivery: by then the peer
// cannot still be retransmitting.
func (l *Link) AckGC() {
	now := l.clock.Now()
	l.inboundMu.Lock()
	defer l.inboundMu.Unlock()
	for seq, t := range l.delivered {
		if now.Sub(t) >= l.cfg.StopAckTimeout {
			delete(l.delivered, seq)
			delete(l.toAck, seq)
		}
	}
}

// PendingCount reports how many sent messages are still unacknowledged;
// exposed for tests asserting to_send eventually empties.
func (l *Link) PendingCount() int {
	l.outboundMu.Lock()
	defer l.outboundMu.Unlock()
	return len(l.toSend)
}
