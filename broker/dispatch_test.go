package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinysqlapi/broker/storage"
	"github.com/tinysqlapi/broker/wire"
)

func openTestDispatcher(t *testing.T) (*Dispatcher, chan dispatchResult) {
	t.Helper()
	ex, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { ex.Close() })

	mustExec(t, ex, `CREATE TABLE t (k VARCHAR(64) NOT NULL PRIMARY KEY, n INTEGER)`)

	out := make(chan dispatchResult, 16)
	d := newDispatcher(ex, out)
	t.Cleanup(d.Stop)
	return d, out
}

func mustExec(t *testing.T, ex *storage.Executor, ddl string) {
	t.Helper()
	if _, status, err := ex.Execute(context.Background(), wire.Request{Kind: wire.CreateTable, Payload: ddl}); err != nil || status != wire.NoError {
		t.Fatalf("create table: status=%v err=%v", status, err)
	}
}

func waitResult(t *testing.T, out <-chan dispatchResult) dispatchResult {
	t.Helper()
	select {
	case r := <-out:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch result")
		return dispatchResult{}
	}
}

func TestDispatcher_EnqueueExecutesInFIFOOrder(t *testing.T) {
	d, out := openTestDispatcher(t)

	payloadA := `INSERT INTO t (k, n) VALUES ('a', 1)`
	payloadB := `INSERT INTO t (k, n) VALUES ('b', 2)`
	payloadC := `INSERT INTO t (k, n) VALUES ('c', 3)`

	d.Enqueue(wire.Request{ClientID: 1, Kind: wire.WriteRow, Payload: payloadA})
	d.Enqueue(wire.Request{ClientID: 1, Kind: wire.WriteRow, Payload: payloadB})
	d.Enqueue(wire.Request{ClientID: 1, Kind: wire.WriteRow, Payload: payloadC})

	r1 := waitResult(t, out)
	r2 := waitResult(t, out)
	r3 := waitResult(t, out)

	if r1.job.req.Payload != payloadA || r2.job.req.Payload != payloadB || r3.job.req.Payload != payloadC {
		t.Fatalf("results arrived out of FIFO order: %q, %q, %q", r1.job.req.Payload, r2.job.req.Payload, r3.job.req.Payload)
	}
}

func TestDispatcher_CancelNeverTouchesTheHead(t *testing.T) {
	d, _ := openTestDispatcher(t)

	// Seed the queue directly under the lock without signalling the worker,
	// so it stays parked and the queue holds a head plus two pending
	// entries, then cancel client 1's most recent entry.
	d.mu.Lock()
	d.queue = []queuedRequest{
		{req: wire.Request{ClientID: 1, Kind: wire.WriteRow, Payload: "head"}},
		{req: wire.Request{ClientID: 1, Kind: wire.WriteRow, Payload: "tail-a"}},
		{req: wire.Request{ClientID: 1, Kind: wire.WriteRow, Payload: "tail-b"}},
	}
	d.mu.Unlock()

	if !d.Cancel(1) {
		t.Fatal("expected Cancel to remove a queued entry for client 1")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) != 2 {
		t.Fatalf("got %d entries left, want 2", len(d.queue))
	}
	if d.queue[0].req.Payload != "head" {
		t.Fatalf("Cancel must never remove the head, got head=%q", d.queue[0].req.Payload)
	}
}

func TestDispatcher_CancelOnEmptyQueueIsNoop(t *testing.T) {
	d, _ := openTestDispatcher(t)
	if d.Cancel(1) {
		t.Fatal("expected Cancel on an empty queue to report false")
	}
}

func TestDispatcher_WaitEmptyReturnsOnceDrained(t *testing.T) {
	d, out := openTestDispatcher(t)
	d.Enqueue(wire.Request{ClientID: 1, Kind: wire.WriteRow, Payload: `INSERT INTO t (k, n) VALUES ('z', 9)`})

	done := make(chan struct{})
	go func() {
		d.WaitEmpty()
		close(done)
	}()

	waitResult(t, out)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitEmpty did not return after the queue drained")
	}
}
