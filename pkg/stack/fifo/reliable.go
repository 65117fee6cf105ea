package fifo

import (
	"sync/atomic"

	"github.com/dvx-labs/reliastack/pkg/stack/broadcast"
	"github.com/dvx-labs/reliastack/pkg/stack/types"
	"github.com/dvx-labs/reliastack/pkg/wire"
)

// Releaser is the capability every FIFO flavor exposes upward: broadcast
// a payload and get back the id it was assigned.
type Releaser interface {
	Broadcast(payload []byte) types.BroadcastId
}

// ReliableFIFO layers per-author FIFO release directly atop BEB, with no
// uniform-agreement guarantee (§4.5 composed over Best-Effort Broadcast,
// not URB). It owns its own AuthorSeq allocation and `b seq` logging,
// since BEB's own Broadcast/BroadcastEnvelope split leaves id assignment
// to whichever upper layer needs the id for its own bookkeeping.
type ReliableFIFO struct {
	*FIFO
	self types.ProcessId
	beb  *broadcast.BEB

	nAuthored uint32 // atomic
}

// NewReliableFIFO wires a ReliableFIFO atop beb, registering itself as
// beb's upper layer.
func NewReliableFIFO(self types.ProcessId, beb *broadcast.BEB, elog EventLog) *ReliableFIFO {
	f := &ReliableFIFO{FIFO: newFIFO(elog), self: self, beb: beb}
	beb.SetUpper(f)
	return f
}

// Broadcast assigns the next AuthorSeq, logs `b seq`, and fans the
// envelope out over BEB.
func (f *ReliableFIFO) Broadcast(payload []byte) types.BroadcastId {
	seq := types.AuthorSeq(atomic.AddUint32(&f.nAuthored, 1))
	id := types.BroadcastId{Author: f.self, Seq: seq}
	f.elog.LogBroadcast(seq)
	f.beb.BroadcastEnvelope(wire.Envelope{Id: id, Payload: payload})
	return id
}

// OnBebDeliver implements broadcast.UpperLayer: every BEB delivery is
// released through the shared FIFO algorithm.
func (f *ReliableFIFO) OnBebDeliver(sender types.ProcessId, env wire.Envelope) {
	f.deliverInternal(env.Id)
}

var _ broadcast.UpperLayer = (*ReliableFIFO)(nil)
var _ Releaser = (*ReliableFIFO)(nil)
