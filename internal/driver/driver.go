// Package driver implements C9: the top-level lifecycle that wires every
// lower layer according to the operating mode, starts background tasks,
// issues the configured broadcasts or proposals, drains a stop signal, and
// flushes the log (§4.9).
package driver

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/dvx-labs/reliastack/pkg/stack/broadcast"
	"github.com/dvx-labs/reliastack/pkg/stack/definition"
	"github.com/dvx-labs/reliastack/pkg/stack/eventlog"
	"github.com/dvx-labs/reliastack/pkg/stack/fifo"
	"github.com/dvx-labs/reliastack/pkg/stack/lattice"
	"github.com/dvx-labs/reliastack/pkg/stack/perfectlink"
	"github.com/dvx-labs/reliastack/pkg/stack/transport"
	"github.com/dvx-labs/reliastack/pkg/stack/types"
	"github.com/dvx-labs/reliastack/pkg/stack/urb"
)

// Options collects the CLI surface from spec §6.
type Options struct {
	Id         types.ProcessId
	HostsPath  string
	OutputPath string
	Mode       definition.Mode
	ConfigPath string
}

// modeStack is whatever a mode needs beyond the shared PL/endpoint
// plumbing: a background task to start, the broadcasts/proposals to
// issue once, and a background task to stop before the log is flushed.
type modeStack struct {
	start func()
	issue func()
	stop  func()
}

// Run wires the stack for opts.Mode, runs until a stop signal arrives,
// and shuts everything down in reverse order. Returns a non-zero-worthy
// error on fatal setup failure; a nil return after a clean stop signal is
// the normal exit path (§6's "0 on normal stop").
func Run(opts Options) error {
	hosts, err := definition.ParseHostsFile(opts.HostsPath)
	if err != nil {
		return err
	}
	self, ok := findHost(hosts, opts.Id)
	if !ok {
		return fmt.Errorf("driver: id %d not present in hosts file %q", opts.Id, opts.HostsPath)
	}
	laddr, err := self.UDPAddr()
	if err != nil {
		return fmt.Errorf("driver: resolving own address: %w", err)
	}

	log := definition.NewLogger(opts.Id)
	log.Infof("starting id=%d peers=%d mode=%s", opts.Id, len(hosts)-1, opts.Mode)

	outF, err := os.Create(opts.OutputPath)
	if err != nil {
		return fmt.Errorf("driver: creating output file %q: %w", opts.OutputPath, err)
	}
	elog := eventlog.New(outF)

	ep, err := transport.NewEndpoint(laddr, log)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	mgr := perfectlink.NewManager(opts.Id, ep, log, clock)
	for _, h := range hosts {
		if h.Id == opts.Id {
			continue
		}
		addr, err := h.UDPAddr()
		if err != nil {
			return fmt.Errorf("driver: resolving host %d address: %w", h.Id, err)
		}
		mgr.Add(h.Id, addr)
	}

	stack, err := buildModeStack(opts, mgr, elog, log, clock, len(hosts))
	if err != nil {
		return err
	}

	ep.Start()
	mgr.Start()
	stack.start()
	stack.issue()

	var spawner Spawner
	stopped := make(chan struct{})
	spawner.Spawn(func() {
		waitForSignal()
		close(stopped)
	})
	<-stopped
	spawner.Stop()

	stack.stop()
	mgr.Stop()
	ep.Stop()

	if err := elog.Close(); err != nil {
		return fmt.Errorf("driver: flushing output: %w", err)
	}
	return nil
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	signal.Stop(ch)
}

func findHost(hosts []definition.Host, id types.ProcessId) (definition.Host, bool) {
	for _, h := range hosts {
		if h.Id == id {
			return h, true
		}
	}
	return definition.Host{}, false
}

func buildModeStack(opts Options, mgr *perfectlink.Manager, elog *eventlog.Log, log types.Logger, clock clockwork.Clock, n int) (modeStack, error) {
	switch opts.Mode {
	case definition.ModePL:
		return buildPLStack(opts, mgr, elog)
	case definition.ModeFIFO:
		return buildFIFOStack(opts, mgr, elog, log, clock, n)
	case definition.ModeLattice:
		return buildLatticeStack(opts, mgr, elog, log, clock, n)
	default:
		return modeStack{}, fmt.Errorf("driver: unknown mode %q", opts.Mode)
	}
}

// buildPLStack wires the pure-PL benchmark (§6 `pl` mode): one process
// sends n_messages directly over its Perfect Link to receiver_id, logging
// `b seq` at send time (the seq PL itself assigned — the "PL BasicManager"
// case from §4.8). Every peer link also gets a direct delivery observer so
// a receiver's `d sender seq` lines come straight from PL, with no
// broadcast envelope or FIFO gate in between.
func buildPLStack(opts Options, mgr *perfectlink.Manager, elog *eventlog.Log) (modeStack, error) {
	cfg, err := definition.ParsePLConfig(opts.ConfigPath)
	if err != nil {
		return modeStack{}, err
	}

	for _, peer := range mgr.Peers() {
		peer := peer
		mgr.Link(peer).Subscribe(types.NotifyableFunc(func(sender types.ProcessId, payload []byte) {
			if len(payload) < 4 {
				return
			}
			seq := binary.LittleEndian.Uint32(payload)
			elog.LogDelivery(sender, types.AuthorSeq(seq))
		}))
	}

	return modeStack{
		start: func() {},
		issue: func() {
			receiver := mgr.Link(cfg.ReceiverId)
			if receiver == nil {
				return
			}
			for i := 1; i <= cfg.NMessages; i++ {
				payload := make([]byte, 4)
				binary.LittleEndian.PutUint32(payload, uint32(i))
				seq := receiver.Send(payload)
				elog.LogBroadcast(types.AuthorSeq(seq))
			}
		},
		stop: func() {},
	}, nil
}

// buildFIFOStack wires PL -> BEB -> URB -> UniformFIFO (§6 `fifo` mode):
// URB is the layer that assigns the AuthorSeq and logs `b seq` (§4.8), with
// UniformFIFO gating the upward `d sender seq` lines into author order.
func buildFIFOStack(opts Options, mgr *perfectlink.Manager, elog *eventlog.Log, log types.Logger, clock clockwork.Clock, n int) (modeStack, error) {
	cfg, err := definition.ParseFIFOConfig(opts.ConfigPath)
	if err != nil {
		return modeStack{}, err
	}

	beb := broadcast.New(opts.Id, mgr, log)
	u := urb.New(opts.Id, n, beb, log, elog, clock)
	fifo.NewUniformFIFO(u, elog)

	return modeStack{
		start: u.Start,
		issue: func() {
			for i := 1; i <= cfg.NMessages; i++ {
				payload := make([]byte, 4)
				binary.LittleEndian.PutUint32(payload, uint32(i))
				u.Broadcast(payload)
			}
		},
		stop: u.Stop,
	}, nil
}

// buildLatticeStack wires PL -> BEB -> LA (§6 `lattice` mode): LA sits
// directly atop BEB (the leaf flavor, §4.3) and appends one decision line
// per round (§4.8).
func buildLatticeStack(opts Options, mgr *perfectlink.Manager, elog *eventlog.Log, log types.Logger, clock clockwork.Clock, n int) (modeStack, error) {
	cfg, err := definition.ParseLatticeConfig(opts.ConfigPath)
	if err != nil {
		return modeStack{}, err
	}

	beb := broadcast.New(opts.Id, mgr, log)
	l := lattice.New(opts.Id, n, beb, log, elog, clock)
	beb.SetUpper(l)

	return modeStack{
		start: l.Start,
		issue: func() {
			for _, values := range cfg.Proposals {
				l.Propose(values)
			}
		},
		stop: l.Stop,
	}, nil
}
