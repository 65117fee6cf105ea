// Package broadcast implements C3 (the broadcast envelope) and C4
// (Best-Effort Broadcast): every broadcast-layer message travels wrapped
// in a BroadcastEnvelope over every Perfect Link, and is handed to the
// configured upper layer on receipt.
package broadcast

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dvx-labs/reliastack/pkg/stack/perfectlink"
	"github.com/dvx-labs/reliastack/pkg/stack/types"
	"github.com/dvx-labs/reliastack/pkg/wire"
)

// UpperLayer receives envelopes delivered by BEB. URB implements this to
// add relay/uniform-agreement semantics; LA implements it directly since
// LA sits as a leaf straight atop BEB.
type UpperLayer interface {
	OnBebDeliver(sender types.ProcessId, env wire.Envelope)
}

// BEB is Best-Effort Broadcast: it fans a broadcast envelope out over
// every Perfect Link the process owns, and dispatches inbound envelopes
// to the configured upper layer.
type BEB struct {
	self types.ProcessId
	pl   *perfectlink.Manager
	log  types.Logger

	nAuthored uint32 // atomic; only used when BEB is the topmost layer (LA)

	upperMu sync.RWMutex
	upper   UpperLayer
}

// New builds a BEB instance over pl's links, subscribing itself to each
// to receive inbound envelopes.
func New(self types.ProcessId, pl *perfectlink.Manager, log types.Logger) *BEB {
	b := &BEB{self: self, pl: pl, log: log}
	for _, peer := range pl.Peers() {
		pl.Link(peer).Subscribe(b)
	}
	return b
}

// SetUpper wires the layer that will receive OnBebDeliver callbacks.
func (b *BEB) SetUpper(u UpperLayer) {
	b.upperMu.Lock()
	defer b.upperMu.Unlock()
	b.upper = u
}

func (b *BEB) nextId() types.BroadcastId {
	seq := atomic.AddUint32(&b.nAuthored, 1)
	return types.BroadcastId{Author: b.self, Seq: types.AuthorSeq(seq)}
}

// Broadcast assigns the next self-authored id, wraps payload in an
// envelope, and fans it out over every Perfect Link. Used when BEB is the
// topmost layer (Lattice Agreement); URB instead allocates its own
// AuthorSeq and calls BroadcastEnvelope directly, since URB — not BEB —
// owns the FIFO/uniform-agreement identity of the envelope.
func (b *BEB) Broadcast(payload []byte) types.BroadcastId {
	id := b.nextId()
	b.BroadcastEnvelope(wire.Envelope{Id: id, Payload: payload})
	return id
}

// BroadcastEnvelope fans an already-identified envelope out over every
// Perfect Link, with no id allocation and no logging.
func (b *BEB) BroadcastEnvelope(env wire.Envelope) {
	buf := wire.EncodeEnvelope(env)
	b.pl.BroadcastSend(buf)
}

// SendDirected restricts delivery to a single peer's Perfect Link; used
// by LA for directed Ack/Nack replies and by URB's first-sight relay when
// relaying is scoped (URB relays via broadcast, not SendDirected — see
// urb.URB.onBebDeliver).
func (b *BEB) SendDirected(payload []byte, target types.ProcessId) (types.BroadcastId, error) {
	id := b.nextId()
	return id, b.SendDirectedEnvelope(wire.Envelope{Id: id, Payload: payload}, target)
}

// SendDirectedEnvelope sends an already-identified envelope to one peer.
func (b *BEB) SendDirectedEnvelope(env wire.Envelope, target types.ProcessId) error {
	link := b.pl.Link(target)
	if link == nil {
		return fmt.Errorf("broadcast: no perfect link to peer %d", target)
	}
	link.Send(wire.EncodeEnvelope(env))
	return nil
}

// Notify implements types.Notifyable: it is registered as the subscriber
// on every Perfect Link, receiving first-time PL deliveries.
func (b *BEB) Notify(peer types.ProcessId, payload []byte) {
	env, err := wire.DecodeEnvelope(payload)
	if err != nil {
		// Malformed datagram: dropped silently (§7).
		return
	}

	b.upperMu.RLock()
	upper := b.upper
	b.upperMu.RUnlock()
	if upper == nil {
		b.log.Warnf("broadcast: envelope from %d dropped, no upper layer wired", peer)
		return
	}
	upper.OnBebDeliver(peer, env)
}

var _ types.Notifyable = (*BEB)(nil)
