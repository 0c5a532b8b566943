package broker_test

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinysqlapi/broker/broker"
	"github.com/tinysqlapi/broker/config"
	"github.com/tinysqlapi/broker/ipc"
	"github.com/tinysqlapi/broker/wire"
)

// testClient drives the broker's request/response channels directly,
// standing in for client/facade.go + client/notify.go so this test
// exercises the broker side of the protocol end to end (spec §8 scenarios
// S1, S2, S6) without importing package client.
type testClient struct {
	id   int32
	conn net.Conn
	resp chan wire.Response
}

func registerTestClient(t *testing.T, socketDir string, id int32) *testClient {
	t.Helper()

	l, err := ipc.Listen(socketDir, config.ResponseChannelName(id))
	if err != nil {
		t.Fatalf("listening on response channel: %v", err)
	}
	defer l.Close()

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			connCh <- c
		}
	}()

	sendRaw(t, socketDir, wire.Request{ClientID: id, Kind: wire.Register})

	var conn net.Conn
	select {
	case conn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("broker never dialed this client's response channel")
	}

	tc := &testClient{id: id, conn: conn, resp: make(chan wire.Response, 16)}
	go tc.readLoop()

	if got := tc.next(t); got.Kind != wire.Confirmation {
		t.Fatalf("got %v as first frame, want Confirmation", got.Kind)
	}
	return tc
}

func (tc *testClient) readLoop() {
	for {
		frame, err := ipc.ReadFrame(tc.conn)
		if err != nil {
			close(tc.resp)
			return
		}
		resp, err := wire.DecodeResponse(frame)
		if err != nil {
			return
		}
		tc.resp <- resp
		ipc.WriteAck(tc.conn)
	}
}

func (tc *testClient) next(t *testing.T) wire.Response {
	t.Helper()
	select {
	case r, ok := <-tc.resp:
		if !ok {
			t.Fatal("response channel closed unexpectedly")
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response frame")
		return wire.Response{}
	}
}

func (tc *testClient) send(t *testing.T, socketDir string, req wire.Request) {
	t.Helper()
	req.ClientID = tc.id
	sendRaw(t, socketDir, req)
}

func sendRaw(t *testing.T, socketDir string, req wire.Request) {
	t.Helper()
	conn, err := ipc.Dial(socketDir, config.RequestChannel)
	if err != nil {
		t.Fatalf("dialing request channel: %v", err)
	}
	defer conn.Close()
	if err := ipc.WriteFrame(conn, wire.EncodeRequest(req)); err != nil {
		t.Fatalf("writing request frame: %v", err)
	}
	if err := ipc.ReadAck(conn); err != nil {
		t.Fatalf("reading request ack: %v", err)
	}
}

func startTestBroker(t *testing.T) string {
	t.Helper()
	socketDir := t.TempDir()
	dbFile := filepath.Join(socketDir, "test.db")
	b, err := broker.New(socketDir, dbFile)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(b.Stop)
	return socketDir
}

// TestBroker_S1_InitializeThenReadEmpty covers spec §8 scenario S1: create a
// table, then read a missing key and observe NotFoundError with zero cells.
func TestBroker_S1_InitializeThenReadEmpty(t *testing.T) {
	socketDir := startTestBroker(t)
	c := registerTestClient(t, socketDir, 4242)

	ddl := `CREATE TABLE t (k VARCHAR(64) NOT NULL PRIMARY KEY, n INTEGER)`
	c.send(t, socketDir, wire.Request{Kind: wire.CreateTable, Payload: ddl})
	if got := c.next(t); got.Kind != wire.Initialized || got.Status != wire.NoError {
		t.Fatalf("got %v/%v, want Initialized/NoError", got.Kind, got.Status)
	}

	c.send(t, socketDir, wire.Request{Kind: wire.ReadOne, Payload: `SELECT * FROM t WHERE k = 'x'`})
	got := c.next(t)
	if got.Kind != wire.ItemData || got.Status != wire.NotFoundError || len(got.Body) != 0 {
		t.Fatalf("got %v/%v body=%v, want ItemData/NotFoundError/[]", got.Kind, got.Status, got.Body)
	}
}

// TestBroker_S2_SubscribeAndNotify covers spec §8 scenario S2: client B
// subscribes to a key, client A writes it, B alone observes UpdateNotify.
func TestBroker_S2_SubscribeAndNotify(t *testing.T) {
	socketDir := startTestBroker(t)
	a := registerTestClient(t, socketDir, 1)
	b := registerTestClient(t, socketDir, 2)

	ddl := `CREATE TABLE t (k VARCHAR(64) NOT NULL PRIMARY KEY, n INTEGER)`
	a.send(t, socketDir, wire.Request{Kind: wire.CreateTable, Payload: ddl})
	a.next(t)

	b.send(t, socketDir, wire.Request{Kind: wire.SubscribeKey, ItemKey: wire.NewString("row-1")})
	if got := b.next(t); got.Kind != wire.Confirmation {
		t.Fatalf("got %v, want Confirmation", got.Kind)
	}

	a.send(t, socketDir, wire.Request{
		Kind:    wire.WriteRow,
		ItemKey: wire.NewString("row-1"),
		Payload: `INSERT INTO t (k, n) VALUES ('row-1', 7)`,
	})
	if got := a.next(t); got.Kind != wire.WriteAck || got.Status != wire.NoError {
		t.Fatalf("A got %v/%v, want WriteAck/NoError", got.Kind, got.Status)
	}

	notify := b.next(t)
	if notify.Kind != wire.UpdateNotify || len(notify.Body) != 1 || notify.Body[0].String != "row-1" {
		t.Fatalf("B got %v body=%v, want UpdateNotify(row-1)", notify.Kind, notify.Body)
	}

	select {
	case extra, ok := <-a.resp:
		if ok {
			t.Fatalf("A must not observe any notification, got %v", extra.Kind)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// TestBroker_S6_DeleteFanOut covers spec §8 scenario S6: A and B subscribed
// to "k", C is not; A deletes "k"; only B is notified.
func TestBroker_S6_DeleteFanOut(t *testing.T) {
	socketDir := startTestBroker(t)
	a := registerTestClient(t, socketDir, 1)
	b := registerTestClient(t, socketDir, 2)
	c := registerTestClient(t, socketDir, 3)

	ddl := `CREATE TABLE t (k VARCHAR(64) NOT NULL PRIMARY KEY, n INTEGER)`
	a.send(t, socketDir, wire.Request{Kind: wire.CreateTable, Payload: ddl})
	a.next(t)

	a.send(t, socketDir, wire.Request{Kind: wire.SubscribeKey, ItemKey: wire.NewString("k")})
	a.next(t)
	b.send(t, socketDir, wire.Request{Kind: wire.SubscribeKey, ItemKey: wire.NewString("k")})
	b.next(t)

	a.send(t, socketDir, wire.Request{
		Kind:    wire.WriteRow,
		ItemKey: wire.NewString("k"),
		Payload: `INSERT INTO t (k, n) VALUES ('k', 1)`,
	})
	if got := a.next(t); got.Kind != wire.WriteAck {
		t.Fatalf("got %v, want WriteAck", got.Kind)
	}

	a.send(t, socketDir, wire.Request{Kind: wire.DeleteOne, ItemKey: wire.NewString("k"), Payload: `DELETE FROM t WHERE k = 'k'`})
	if got := a.next(t); got.Kind != wire.DeleteAck {
		t.Fatalf("A got %v, want DeleteAck", got.Kind)
	}

	// A is the originator of both mutations above and must never observe a
	// notification for its own writes, per spec §8 scenario S2/S6 -- fan-out
	// excludes the originator by identity, independent of its own
	// subscription state.
	select {
	case extra, ok := <-a.resp:
		if ok {
			t.Fatalf("A must not observe any notification for its own mutation, got %v", extra.Kind)
		}
	case <-time.After(200 * time.Millisecond):
	}

	if got := b.next(t); got.Kind != wire.UpdateNotify {
		t.Fatalf("B got %v, want UpdateNotify", got.Kind)
	}
	if got := b.next(t); got.Kind != wire.DeleteNotify {
		t.Fatalf("B got %v, want DeleteNotify", got.Kind)
	}

	select {
	case extra, ok := <-c.resp:
		if ok {
			t.Fatalf("C must not observe anything, got %v", extra.Kind)
		}
	case <-time.After(200 * time.Millisecond):
	}
}
