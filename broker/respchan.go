package broker

import (
	"log"
	"net"
	"sync"

	"github.com/tinysqlapi/broker/ipc"
)

// ResponseChannel is C5: the broker's outbound, persistent connection to
// one client's notify listener (C9). It enforces one-in-flight flow
// control — at most one frame is on the wire at a time, and the next is
// written only after the client ACKs the previous one (spec §4.5). This
// exists because the underlying transport may coalesce writes; one frame
// per ACK cycle guarantees the client's decoder sees exactly one logical
// frame per wake-up.
type ResponseChannel struct {
	mu     sync.Mutex
	conn   net.Conn
	queue  [][]byte
	busy   bool
	closed bool

	// onDisconnect is called at most once, outside the lock, when the
	// channel observes a transport error or the peer closing — the broker
	// core uses it to remove the owning ClientState (spec §4.5/§4.7).
	onDisconnect func()
}

func newResponseChannel(conn net.Conn, onDisconnect func()) *ResponseChannel {
	rc := &ResponseChannel{conn: conn, onDisconnect: onDisconnect}
	go rc.readAcks()
	return rc
}

// readAcks blocks reading ACK frames from the client for the lifetime of
// the connection, driving the flow-control state machine below.
func (rc *ResponseChannel) readAcks() {
	for {
		if err := ipc.ReadAck(rc.conn); err != nil {
			rc.fail()
			return
		}
		rc.mu.Lock()
		rc.busy = false
		rc.drainLocked()
		rc.mu.Unlock()
	}
}

// drainLocked must be called with mu held. If idle and the queue is
// non-empty, it pops and writes the next frame.
func (rc *ResponseChannel) drainLocked() {
	if rc.busy || rc.closed || len(rc.queue) == 0 {
		return
	}
	frame := rc.queue[0]
	rc.queue = rc.queue[1:]
	rc.busy = true
	go rc.write(frame)
}

func (rc *ResponseChannel) write(frame []byte) {
	if err := ipc.WriteFrame(rc.conn, frame); err != nil {
		rc.fail()
	}
}

// SendData writes frame immediately if the channel is idle, otherwise
// queues it (spec §4.5 sendData).
func (rc *ResponseChannel) SendData(frame []byte) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	if !rc.busy {
		rc.busy = true
		go rc.write(frame)
		return
	}
	rc.queue = append(rc.queue, frame)
}

// EnqueueData always appends frame to the send queue, draining immediately
// if the channel happens to be idle (spec §4.5 enqueueData, used by
// ReadAll streaming so every row waits its turn behind the one in flight).
func (rc *ResponseChannel) EnqueueData(frame []byte) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.queue = append(rc.queue, frame)
	rc.drainLocked()
}

// fail marks the channel closed and notifies the owner exactly once.
func (rc *ResponseChannel) fail() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	rc.mu.Unlock()

	rc.conn.Close()
	if rc.onDisconnect != nil {
		rc.onDisconnect()
	}
}

// Close shuts down the channel without invoking onDisconnect — used when
// the broker core itself is tearing the client down deliberately (e.g.
// broker shutdown) rather than reacting to a transport failure.
func (rc *ResponseChannel) Close() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	rc.mu.Unlock()
	if err := rc.conn.Close(); err != nil {
		log.Printf("tinysqlapi: broker: closing response channel: %v", err)
	}
}
