package worker_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/rdm/pkg/worker"
)

func TestHaltStopsTrackedGoroutines(t *testing.T) {
	var w worker.Worker
	var ran int32
	started := make(chan struct{})
	w.Go(func() {
		close(started)
		<-w.HaltCh()
		atomic.AddInt32(&ran, 1)
	})
	<-started

	w.Halt()
	w.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestHaltIsIdempotent(t *testing.T) {
	var w worker.Worker
	w.Halt()
	w.Halt()
	select {
	case <-w.HaltCh():
	case <-time.After(time.Second):
		t.Fatal("halt channel not closed")
	}
}

func TestWaitReturnsImmediatelyWithNoGoroutines(t *testing.T) {
	var w worker.Worker
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked with nothing to wait for")
	}
}
