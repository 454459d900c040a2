// Package worker provides the small goroutine-supervision mixin used
// throughout the transports: a halt channel closed exactly once, and a
// WaitGroup tracking goroutines started with Go. The contract (Go, Halt,
// HaltCh, Wait) is reconstructed from its call sites across the reference
// client (connection.go, stream.go, decoy.go, cborplugin/client.go); the
// package that originally defined it was not retrievable in this pack.
package worker

import "sync"

// Worker supervises a set of goroutines that should all terminate when the
// worker is halted. Embed it by value in any type that owns background
// pumps.
type Worker struct {
	haltOnce sync.Once
	haltedCh chan struct{}
	initOnce sync.Once
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltedCh = make(chan struct{})
	})
}

// Go runs fn in a new goroutine tracked by the worker's WaitGroup.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() chan struct{} {
	w.init()
	return w.haltedCh
}

// Halt signals all goroutines started via Go to stop. Idempotent.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltedCh)
	})
}

// Wait blocks until every goroutine started via Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}
