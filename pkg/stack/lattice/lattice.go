// Package lattice implements C7: multi-round Lattice Agreement over BEB.
// Each process proposes a set of unsigned integers per round; all
// processes converge on a decision set that is a superset of every
// proposal and subset-comparable across processes within the round
// (§4.6).
package lattice

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dvx-labs/reliastack/pkg/stack/broadcast"
	"github.com/dvx-labs/reliastack/pkg/stack/types"
	"github.com/dvx-labs/reliastack/pkg/wire"
)

// DefaultTickInterval is the reference agreement-check cadence from
// §4.6 (150-250ms reference; the lower bound is used as the default).
const DefaultTickInterval = 150 * time.Millisecond

// EventLog is the subset of eventlog.Log that LA writes decision lines
// to.
type EventLog interface {
	LogDecision(values []uint32)
}

// valueSet is a plain set of uint32 values, used throughout for
// proposal/accepted/decision state.
type valueSet map[uint32]struct{}

func newValueSet(values []uint32) valueSet {
	s := make(valueSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func (s valueSet) clone() valueSet {
	out := make(valueSet, len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}

// union merges other into s, returning whether s changed.
func (s valueSet) union(other valueSet) bool {
	changed := false
	for v := range other {
		if _, ok := s[v]; !ok {
			s[v] = struct{}{}
			changed = true
		}
	}
	return changed
}

// supersetOf reports whether s ⊇ other.
func (s valueSet) supersetOf(other valueSet) bool {
	for v := range other {
		if _, ok := s[v]; !ok {
			return false
		}
	}
	return true
}

func (s valueSet) slice() []uint32 {
	out := make([]uint32, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// proposalState is the per-round active-proposal bookkeeping from §3's
// `current` field.
type proposalState struct {
	number    uint32
	values    valueSet
	active    bool
	ackCount  int
	nackCount int
	accepted  valueSet
}

func newProposalState(values valueSet) *proposalState {
	return &proposalState{
		number:   1,
		values:   values,
		active:   true,
		ackCount: 1,
		accepted: make(valueSet),
	}
}

// inboundMsg pairs a decoded LAMessage with who sent it, used by the
// ahead buffer (§3's `ahead: map<round, queue<(sender, LAMessage)>>`).
type inboundMsg struct {
	sender types.ProcessId
	msg    wire.LAMessage
}

// sender is the subset of broadcast.BEB that LA needs: fan-out proposals
// and unicast directed Ack/Nack replies.
type sender interface {
	BroadcastEnvelope(env wire.Envelope)
	SendDirectedEnvelope(env wire.Envelope, target types.ProcessId) error
}

// LA is one process's Lattice Agreement state (§3/§4.6).
type LA struct {
	self types.ProcessId
	n    int
	beb  sender
	log  types.Logger
	elog EventLog

	nAuthored uint32 // envelope id counter for directed replies; not AuthorSeq-significant

	mu           sync.Mutex
	currentRound uint32
	current      *proposalState
	toPropose    [][]uint32
	ahead        map[uint32][]inboundMsg
	agreed       map[uint32]*proposalState

	tickInterval time.Duration
	clock        clockwork.Clock
	stop         chan struct{}
	wg           sync.WaitGroup
}

// New builds an LA instance over beb for a group of n processes.
func New(self types.ProcessId, n int, beb sender, log types.Logger, elog EventLog, clock clockwork.Clock) *LA {
	l := &LA{
		self:         self,
		n:            n,
		beb:          beb,
		log:          log,
		elog:         elog,
		current:      &proposalState{accepted: make(valueSet)},
		ahead:        make(map[uint32][]inboundMsg),
		agreed:       make(map[uint32]*proposalState),
		tickInterval: DefaultTickInterval,
		clock:        clock,
		stop:         make(chan struct{}),
	}
	return l
}

// SetTickInterval overrides the agreement-check cadence; must be called
// before Start.
func (l *LA) SetTickInterval(d time.Duration) {
	l.tickInterval = d
}

func (l *LA) majority() int {
	return l.n / 2 // floor(N/2)
}

// Propose submits a value set for agreement. If a round is already
// active, it is queued in to_propose for when the current round
// commits; otherwise it starts proposing immediately in the current
// (already Idle) round (§4.6 Idle transition). The round counter itself
// only ever advances in decideLocked, so it already points at the next
// unused round by the time a later Propose call finds current Idle —
// which is exactly the "advance current_round unless it is already 0"
// rule collapsed to a single increment site.
func (l *LA) Propose(values []uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current.active {
		l.toPropose = append(l.toPropose, values)
		return
	}
	l.current.number = 1
	l.current.values = newValueSet(values)
	l.current.active = true
	l.current.ackCount = 1
	l.current.nackCount = 0
	l.broadcastProposalLocked()
	l.drainAheadLocked()
}

func (l *LA) broadcastProposalLocked() {
	msg := wire.LAMessage{Type: wire.LAProposal, Round: l.currentRound, Number: l.current.number, Values: l.current.values.slice()}
	l.beb.BroadcastEnvelope(wire.Envelope{Id: l.nextEnvelopeId(), Payload: wire.EncodeLAMessage(msg)})
}

func (l *LA) nextEnvelopeId() types.BroadcastId {
	l.nAuthored++
	return types.BroadcastId{Author: l.self, Seq: types.AuthorSeq(l.nAuthored)}
}

// OnBebDeliver implements broadcast.UpperLayer: LA sits directly atop
// BEB (the leaf flavor, §4.3), dispatching by message type and round.
func (l *LA) OnBebDeliver(sender types.ProcessId, env wire.Envelope) {
	msg, err := wire.DecodeLAMessage(env.Payload)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.handleLocked(sender, msg)
}

func (l *LA) handleLocked(sender types.ProcessId, msg wire.LAMessage) {
	switch {
	case msg.Round > l.currentRound:
		l.ahead[msg.Round] = append(l.ahead[msg.Round], inboundMsg{sender: sender, msg: msg})
	case msg.Round < l.currentRound:
		l.handleForRoundLocked(msg.Round, sender, msg, l.agreedStateLocked(msg.Round))
	default:
		l.handleForRoundLocked(msg.Round, sender, msg, l.current)
	}
}

func (l *LA) agreedStateLocked(round uint32) *proposalState {
	s, ok := l.agreed[round]
	if !ok {
		s = &proposalState{accepted: make(valueSet)}
		l.agreed[round] = s
	}
	return s
}

// handleForRoundLocked applies one message's effect against state s,
// which is either the active current round or a past agreed[round]
// entry — both answer Proposals by the same accepted-set rule (§4.6).
func (l *LA) handleForRoundLocked(round uint32, sender types.ProcessId, msg wire.LAMessage, s *proposalState) {
	switch msg.Type {
	case wire.LAProposal:
		w := newValueSet(msg.Values)
		if s.accepted.supersetOf(w) {
			s.accepted.union(w)
			l.replyLocked(wire.LAAck, round, msg.Number, nil, sender)
		} else {
			s.accepted.union(w)
			l.replyLocked(wire.LANack, round, msg.Number, s.accepted.slice(), sender)
		}
	case wire.LAAck:
		if s == l.current && s.active && msg.Number == s.number {
			s.ackCount++
		}
	case wire.LANack:
		if s == l.current && s.active && msg.Number == s.number {
			s.nackCount++
			s.values.union(newValueSet(msg.Values))
		}
	}
}

func (l *LA) replyLocked(t wire.LAType, round, number uint32, values []uint32, target types.ProcessId) {
	msg := wire.LAMessage{Type: t, Round: round, Number: number, Values: values}
	env := wire.Envelope{Id: l.nextEnvelopeId(), Payload: wire.EncodeLAMessage(msg)}
	l.beb.SendDirectedEnvelope(env, target)
}

// drainAheadLocked replays buffered messages for the now-current round,
// in insertion order, after a round transition (§9 Open Question: "apply
// round transitions first, then handle buffered ahead entries in
// insertion order").
func (l *LA) drainAheadLocked() {
	buffered := l.ahead[l.currentRound]
	delete(l.ahead, l.currentRound)
	for _, m := range buffered {
		l.handleForRoundLocked(l.currentRound, m.sender, m.msg, l.current)
	}
}

// Start launches the background agreement-check task (§5).
func (l *LA) Start() {
	l.wg.Add(1)
	go l.tickLoop()
}

// Stop signals the agreement-check task to exit and waits for it.
func (l *LA) Stop() {
	close(l.stop)
	l.wg.Wait()
}

func (l *LA) tickLoop() {
	defer l.wg.Done()
	ticker := l.clock.NewTicker(l.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.Chan():
			l.tick()
		}
	}
}

func (l *LA) tick() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.current.active {
		return
	}

	switch {
	case l.current.ackCount > l.majority():
		l.decideLocked()
	case l.current.nackCount > 0 && l.current.ackCount+l.current.nackCount > l.majority():
		l.resetAndRetryLocked()
	}

	l.gcAgreedLocked()
}

// decideLocked implements §4.6 step 1: commit the round, pop the next
// queued proposal (if any) as the next round's initial values, drain
// buffered ahead entries, and emit the decision line.
func (l *LA) decideLocked() {
	decided := l.current.values.clone()
	decidedRound := l.currentRound

	var next []uint32
	hasNext := false
	if len(l.toPropose) > 0 {
		next = l.toPropose[0]
		l.toPropose = l.toPropose[1:]
		hasNext = true
	}

	l.current.active = false
	if l.current.ackCount < l.n {
		l.agreed[decidedRound] = l.current
	}

	l.currentRound++
	if hasNext {
		l.current = newProposalState(newValueSet(next))
		l.broadcastProposalLocked()
	} else {
		l.current = &proposalState{accepted: make(valueSet)}
	}
	l.drainAheadLocked()

	l.elog.LogDecision(decided.slice())
}

// resetAndRetryLocked implements §4.6 step 2.
func (l *LA) resetAndRetryLocked() {
	l.current.ackCount = 1
	l.current.nackCount = 0
	l.current.number++
	l.broadcastProposalLocked()
}

// gcAgreedLocked implements §4.6 step 3: drop agreed[r] entries whose
// ack_count has reached N.
func (l *LA) gcAgreedLocked() {
	for r, s := range l.agreed {
		if s.ackCount >= l.n {
			delete(l.agreed, r)
		}
	}
}

var _ broadcast.UpperLayer = (*LA)(nil)
