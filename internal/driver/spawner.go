package driver

import "sync"

// Spawner launches and joins the driver-owned background tasks (the
// stop-signal listener and the per-mode broadcast/proposal issuer): a
// sync.WaitGroup-backed stand-in for the teacher's core.Invoker /
// test.TestInvoker pair (pkg/mcast/core/peer.go, test/testing.go), so
// Stop can deterministically join every goroutine before the log is
// flushed. Component-owned background tasks (Manager's flush loops, URB's
// delivery loop, LA's agreement-check loop) already manage their own
// WaitGroup the same way; Spawner covers only tasks the driver itself
// starts.
type Spawner struct {
	wg sync.WaitGroup
}

// Spawn runs f in a new goroutine tracked by the Spawner.
func (s *Spawner) Spawn(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

// Stop waits for every spawned goroutine to return.
func (s *Spawner) Stop() {
	s.wg.Wait()
}
