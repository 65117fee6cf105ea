package fifo

import (
	"github.com/dvx-labs/reliastack/pkg/stack/types"
	"github.com/dvx-labs/reliastack/pkg/stack/urb"
)

// UniformFIFO layers per-author FIFO release atop URB, giving both
// uniform agreement and FIFO order (§4.5 composed over Uniform Reliable
// Broadcast). Unlike ReliableFIFO, it does not assign its own AuthorSeq
// or log `b seq` itself: URB already owns the id and logs the broadcast
// (§4.8 — "URB for FIFO mode"), so UniformFIFO only releases and logs
// deliveries.
type UniformFIFO struct {
	*FIFO
	u *urb.URB
}

// NewUniformFIFO wires a UniformFIFO atop u, registering itself as u's
// upward layer.
func NewUniformFIFO(u *urb.URB, elog EventLog) *UniformFIFO {
	f := &UniformFIFO{FIFO: newFIFO(elog), u: u}
	u.SetUpper(f)
	return f
}

// Broadcast delegates straight to URB, which allocates the AuthorSeq and
// logs the broadcast.
func (f *UniformFIFO) Broadcast(payload []byte) types.BroadcastId {
	return f.u.Broadcast(payload)
}

// DeliverInternal implements urb.LayerAbove: every URB delivery is
// released through the shared FIFO algorithm.
func (f *UniformFIFO) DeliverInternal(id types.BroadcastId, payload []byte) {
	f.deliverInternal(id)
}

var _ urb.LayerAbove = (*UniformFIFO)(nil)
var _ Releaser = (*UniformFIFO)(nil)
