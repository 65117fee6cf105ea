// Package fifo implements C6: per-author FIFO release on top of either
// BEB (ReliableFIFO) or URB (UniformFIFO), §4.5. Both share one release
// algorithm over a narrow LowerLayer capability interface — composition,
// not two subclasses (§9 design note).
package fifo

import (
	"sort"
	"sync"

	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

// EventLog is the subset of eventlog.Log that the FIFO layer writes to:
// delivery lines always, and broadcast lines when a FIFO flavor is the
// one assigning the AuthorSeq (ReliableFIFO; UniformFIFO instead defers
// `b seq` logging to the URB layer beneath it, which owns the id).
type EventLog interface {
	LogBroadcast(seq types.AuthorSeq)
	LogDelivery(author types.ProcessId, seq types.AuthorSeq)
}

// authorState is the per-author FIFO bookkeeping from §3: next seq to
// release, and the set of buffered future seqs.
type authorState struct {
	next    types.AuthorSeq
	pending map[types.AuthorSeq]struct{}
}

func newAuthorState() *authorState {
	return &authorState{next: 1, pending: make(map[types.AuthorSeq]struct{})}
}

// FIFO is the shared release algorithm: deliverInternal(id) buffers or
// releases per §4.5, independent of whether the id arrived via BEB or
// URB.
type FIFO struct {
	elog EventLog

	mu      sync.Mutex
	authors map[types.ProcessId]*authorState
}

func newFIFO(elog EventLog) *FIFO {
	return &FIFO{elog: elog, authors: make(map[types.ProcessId]*authorState)}
}

func (f *FIFO) stateFor(author types.ProcessId) *authorState {
	s, ok := f.authors[author]
	if !ok {
		s = newAuthorState()
		f.authors[author] = s
	}
	return s
}

// deliverInternal implements §4.5 steps 1-3: drop if stale, buffer,
// release any now-contiguous prefix in ascending order.
func (f *FIFO) deliverInternal(id types.BroadcastId) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.stateFor(id.Author)
	if id.Seq < s.next {
		return
	}
	s.pending[id.Seq] = struct{}{}

	for {
		if _, ok := s.pending[s.next]; !ok {
			break
		}
		delete(s.pending, s.next)
		f.elog.LogDelivery(id.Author, s.next)
		s.next++
	}
}

// pendingSeqs returns the sorted buffered-but-unreleased seqs for author;
// exposed for tests asserting the FIFO invariant `min(pending) >= next`.
func (f *FIFO) pendingSeqs(author types.ProcessId) []types.AuthorSeq {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.authors[author]
	if !ok {
		return nil
	}
	ids := make([]types.BroadcastId, 0, len(s.pending))
	for seq := range s.pending {
		ids = append(ids, types.BroadcastId{Author: author, Seq: seq})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	out := make([]types.AuthorSeq, len(ids))
	for i, id := range ids {
		out[i] = id.Seq
	}
	return out
}
