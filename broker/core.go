// Package broker implements the broker-side half of the protocol: request
// intake (C3), the SQL request queue and dispatcher (C4), per-client
// response channels (C5), the subscription registry (C6), and the broker
// core (C7) that ties them together. The orchestration style is modeled
// on the teacher repo's sse.Broker — a single actor goroutine selecting
// over register/unregister/result channels — generalized from SSE
// broadcast to this protocol's request routing, serial SQL dispatch, and
// subscription-keyed notification fan-out.
package broker

import (
	"fmt"
	"log"

	"github.com/tinysqlapi/broker/config"
	"github.com/tinysqlapi/broker/ipc"
	"github.com/tinysqlapi/broker/storage"
	"github.com/tinysqlapi/broker/wire"
)

// Broker is C7. All of its state is touched only from the run() goroutine
// except where noted; everything else communicates with it over channels,
// per spec §5's single-threaded, cooperative concurrency model and
// DESIGN NOTES' call to invert the source's cyclic back-pointers into
// message passing.
type Broker struct {
	socketDir string
	executor  *storage.Executor
	dispatcher *Dispatcher
	intake    *Intake

	clients map[int32]*ClientState

	requestsIn chan wire.Request
	abnormal   chan struct{}
	results    chan dispatchResult
	disconnect chan int32
	quit       chan struct{}
	done       chan struct{}
}

// New creates a broker bound to dbFile, opens its request channel, and
// starts its event loop. The caller should then call Run to block until
// the broker decides to exit (spec §4.7 exit condition).
func New(socketDir, dbFile string) (*Broker, error) {
	executor, err := storage.Open(dbFile)
	if err != nil {
		return nil, fmt.Errorf("broker: opening storage: %w", err)
	}

	b := &Broker{
		socketDir:  socketDir,
		executor:   executor,
		clients:    make(map[int32]*ClientState),
		requestsIn: make(chan wire.Request, 256),
		abnormal:   make(chan struct{}, 1),
		results:    make(chan dispatchResult, 256),
		disconnect: make(chan int32, 16),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	b.dispatcher = newDispatcher(executor, b.results)

	intake, err := StartIntake(socketDir, config.RequestChannel, b.requestsIn, b.abnormal)
	if err != nil {
		b.dispatcher.Stop()
		executor.Close()
		return nil, fmt.Errorf("broker: starting intake: %w", err)
	}
	b.intake = intake

	go b.run()
	return b, nil
}

// Run blocks until the broker's event loop exits (spec §4.7).
func (b *Broker) Run() {
	<-b.done
}

// Bootstrap synthesizes a Register for clientID. The broker binary calls
// this once on startup for the client that spawned it, since that client
// never sends an explicit Register frame -- it instead waits for the
// broker's inbound connect on its notify channel as an implicit handshake
// (spec §4.8 constructor, "if not reachable" branch).
func (b *Broker) Bootstrap(clientID int32) {
	b.requestsIn <- wire.Request{ClientID: clientID, Kind: wire.Register}
}

// Stop requests an orderly shutdown from outside the event loop.
func (b *Broker) Stop() {
	select {
	case b.quit <- struct{}{}:
	case <-b.done:
	}
	<-b.done
}

func (b *Broker) run() {
	defer close(b.done)
	for {
		select {
		case req := <-b.requestsIn:
			if b.handleRequest(req) {
				b.teardown()
				return
			}

		case <-b.abnormal:
			if len(b.clients) <= 1 {
				log.Printf("tinysqlapi: broker: abnormal disconnect with <=1 client registered, exiting")
				b.teardown()
				return
			}

		case res := <-b.results:
			b.handleDispatchResult(res)

		case id := <-b.disconnect:
			if b.handleClientGone(id) {
				b.teardown()
				return
			}

		case <-b.quit:
			b.teardown()
			return
		}
	}
}

// handleRequest routes one decoded request and reports whether the broker
// should now shut down (spec §4.7: the last client unregistering ends the
// broker's lifetime).
func (b *Broker) handleRequest(req wire.Request) bool {
	switch req.Kind {
	case wire.Register:
		b.handleRegister(req)
	case wire.Unregister:
		return b.handleUnregister(req)
	case wire.SubscribeKey:
		b.handleSubscribe(req, true)
	case wire.UnsubscribeKey:
		b.handleSubscribe(req, false)
	case wire.CancelLast:
		b.handleCancel(req)
	case wire.ChangeDB:
		b.handleChangeDB(req)
	default:
		if !req.Kind.IsSQLKind() {
			log.Printf("tinysqlapi: broker: unknown request kind %s from client %d, dropping", req.Kind, req.ClientID)
			return false
		}
		if _, registered := b.clients[req.ClientID]; !registered {
			log.Printf("tinysqlapi: broker: %s from unregistered client %d, dropping", req.Kind, req.ClientID)
			return false
		}
		b.dispatcher.Enqueue(req)
	}
	return false
}

func (b *Broker) handleRegister(req wire.Request) {
	if _, exists := b.clients[req.ClientID]; exists {
		return
	}
	rc, err := b.dialResponseChannel(req.ClientID)
	if err != nil {
		log.Printf("tinysqlapi: broker: register %d: %v", req.ClientID, err)
		return
	}
	cs := newClientState(req.ClientID, rc)
	b.clients[req.ClientID] = cs
	cs.respChan.SendData(wire.EncodeResponse(wire.Response{Kind: wire.Confirmation}))
}

// handleUnregister reports whether that was the last registered client,
// which ends the broker's lifetime (spec §4.7).
func (b *Broker) handleUnregister(req wire.Request) bool {
	cs, ok := b.clients[req.ClientID]
	if !ok {
		return false
	}
	// "Removing": the Confirmation is already queued for delivery below;
	// we drop the map entry without forcing the connection closed so that
	// the write can still flush (spec §4.7 per-client state machine).
	cs.respChan.SendData(wire.EncodeResponse(wire.Response{Kind: wire.Confirmation}))
	delete(b.clients, req.ClientID)

	if len(b.clients) == 0 {
		log.Printf("tinysqlapi: broker: last client unregistered, exiting")
		return true
	}
	return false
}

func (b *Broker) handleSubscribe(req wire.Request, subscribe bool) {
	cs, ok := b.clients[req.ClientID]
	if !ok {
		log.Printf("tinysqlapi: broker: subscribe/unsubscribe from unknown client %d, ignoring", req.ClientID)
		return
	}
	if subscribe {
		cs.subs.Subscribe(req.ItemKey)
	} else {
		cs.subs.Unsubscribe(req.ItemKey)
	}
	cs.respChan.SendData(wire.EncodeResponse(wire.Response{Kind: wire.Confirmation}))
}

func (b *Broker) handleCancel(req wire.Request) {
	cs, ok := b.clients[req.ClientID]
	if !ok {
		return
	}
	b.dispatcher.Cancel(req.ClientID)
	cs.respChan.SendData(wire.EncodeResponse(wire.Response{Kind: wire.Confirmation}))
}

func (b *Broker) handleChangeDB(req wire.Request) {
	cs, ok := b.clients[req.ClientID]
	if !ok {
		return
	}
	b.dispatcher.WaitEmpty()
	if err := b.executor.Rebind(req.Payload); err != nil {
		log.Printf("tinysqlapi: broker: ChangeDB to %q failed: %v", req.Payload, err)
	}
	cs.respChan.SendData(wire.EncodeResponse(wire.Response{Kind: wire.Confirmation}))
}

// handleClientGone reports whether the broker should now shut down.
func (b *Broker) handleClientGone(id int32) bool {
	if _, ok := b.clients[id]; !ok {
		return false
	}
	delete(b.clients, id)
	log.Printf("tinysqlapi: broker: client %d's response channel died, removed", id)
	if len(b.clients) == 0 {
		log.Printf("tinysqlapi: broker: no clients left after disconnect, exiting")
		return true
	}
	return false
}

// handleDispatchResult emits the response frame(s) for one completed SQL
// job and, on a successful mutation, fans out the matching notification
// (spec §4.7's per-kind response table).
func (b *Broker) handleDispatchResult(res dispatchResult) {
	cs, ok := b.clients[res.job.req.ClientID]
	req := res.job.req

	switch req.Kind {
	case wire.CreateTable:
		status := res.status
		if status == wire.AlreadyExistError {
			status = wire.NoError
		}
		if ok {
			cs.respChan.SendData(wire.EncodeResponse(wire.Response{Kind: wire.Initialized, Status: status}))
		}

	case wire.ReadOne:
		if ok {
			b.emitSingleFrame(cs, wire.ItemData, res)
		}
	case wire.Count:
		if ok {
			b.emitSingleFrame(cs, wire.CountResp, res)
		}
	case wire.ReadTables:
		if ok {
			b.emitSingleFrame(cs, wire.Tables, res)
		}
	case wire.ReadColumns:
		if ok {
			b.emitSingleFrame(cs, wire.Columns, res)
		}

	case wire.ReadAll:
		if ok {
			b.emitReadAll(cs, res)
		}

	case wire.WriteRow:
		if ok {
			cs.respChan.SendData(wire.EncodeResponse(wire.Response{Kind: wire.WriteAck, Status: res.status}))
		}
		if res.status == wire.NoError {
			b.fanOutNotify(req.ClientID, wire.UpdateNotify, req.ItemKey)
		}

	case wire.DeleteOne:
		// Delete acks carry no status: the SQL layer cannot report whether
		// anything matched (spec §4.7).
		if ok {
			cs.respChan.SendData(wire.EncodeResponse(wire.Response{Kind: wire.DeleteAck, Status: wire.NoError}))
		}
		if res.err == nil {
			b.fanOutNotify(req.ClientID, wire.DeleteNotify, req.ItemKey)
		}

	case wire.DeleteAll:
		if ok {
			cs.respChan.SendData(wire.EncodeResponse(wire.Response{Kind: wire.DeleteAllAck, Status: wire.NoError}))
		}
		if res.err == nil {
			b.fanOutNotify(req.ClientID, wire.DeleteNotify, req.ItemKey)
		}
	}
}

// emitSingleFrame sends every cell of res.cursor, flattened row-major, as
// the body of one frame of the given kind. Status is overridden to
// NotFoundError when the cursor has no rows (spec §4.7).
func (b *Broker) emitSingleFrame(cs *ClientState, kind wire.ResponseKind, res dispatchResult) {
	status := res.status
	var body []wire.Value
	if res.cursor != nil {
		if res.cursor.RowCount() == 0 {
			status = wire.NotFoundError
		}
		for {
			v, more := res.cursor.NextCell()
			if !more {
				break
			}
			body = append(body, v)
		}
	} else {
		status = wire.NotFoundError
	}
	cs.respChan.SendData(wire.EncodeResponse(wire.Response{Kind: kind, Status: status, Body: body}))
}

// emitReadAll streams one ItemData frame per row through EnqueueData so
// every frame waits its turn behind whatever is already in flight (spec
// §4.7 ReadAll). Zero rows produce zero frames (see SPEC_FULL.md's
// resolution of the readAll terminal-empty-frame open question).
func (b *Broker) emitReadAll(cs *ClientState, res dispatchResult) {
	if res.cursor == nil {
		return
	}
	for i := 0; i < res.cursor.RowCount(); i++ {
		frame := wire.EncodeResponse(wire.Response{
			Kind:   wire.ItemData,
			Status: res.status,
			Body:   res.cursor.Row(i),
		})
		cs.respChan.EnqueueData(frame)
	}
}

// fanOutNotify delivers an UpdateNotify/DeleteNotify to every registered
// client other than originatorID whose subscription set contains key
// (spec §4.6/§4.7).
func (b *Broker) fanOutNotify(originatorID int32, kind wire.ResponseKind, key wire.Value) {
	frame := wire.EncodeResponse(wire.Response{Kind: kind, Body: []wire.Value{key}})
	for id, cs := range b.clients {
		if id == originatorID {
			continue
		}
		if cs.subs.Contains(key) {
			cs.respChan.SendData(frame)
		}
	}
}

func (b *Broker) dialResponseChannel(clientID int32) (*ResponseChannel, error) {
	name := config.ResponseChannelName(clientID)
	conn, err := ipc.Dial(b.socketDir, name)
	if err != nil {
		return nil, fmt.Errorf("dialing response channel %s: %w", name, err)
	}
	id := clientID
	return newResponseChannel(conn, func() {
		select {
		case b.disconnect <- id:
		default:
		}
	}), nil
}

// teardown releases the broker's resources. It does not close b.done;
// callers are responsible for that (run()'s defer, or the early-exit
// paths above).
func (b *Broker) teardown() {
	b.intake.Stop()
	b.dispatcher.Stop()
	for _, cs := range b.clients {
		cs.respChan.Close()
	}
	b.executor.Close()
}
