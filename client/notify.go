package client

import (
	"log"
	"net"
	"sync/atomic"

	"github.com/tinysqlapi/broker/config"
	"github.com/tinysqlapi/broker/ipc"
	"github.com/tinysqlapi/broker/wire"
)

// NotificationHandler receives a subscription fan-out notification: kind is
// either wire.UpdateNotify or wire.DeleteNotify, key is the row's primary
// key (spec §4.9/§4.6).
type NotificationHandler func(kind wire.ResponseKind, key wire.Value)

// notifyListener is C9: a private channel named by client_id on which the
// broker dials in exactly once and thereafter streams both ordinary
// responses and subscription notifications (spec §4.9). It is the client
// process's only inbound transport.
type notifyListener struct {
	listener net.Listener
	conn     net.Conn // set once the broker's single inbound connection lands

	connected int32 // atomic bool, flipped once conn is set

	responses chan wire.Response // non-notify responses, forwarded to the facade
	onNotify  NotificationHandler
}

func startNotifyListener(socketDir string, clientID int32, onNotify NotificationHandler) (*notifyListener, error) {
	name := config.ResponseChannelName(clientID)
	l, err := ipc.Listen(socketDir, name)
	if err != nil {
		return nil, err
	}
	n := &notifyListener{
		listener:  l,
		responses: make(chan wire.Response, 1),
		onNotify:  onNotify,
	}
	go n.acceptLoop()
	return n, nil
}

func (n *notifyListener) acceptLoop() {
	conn, err := n.listener.Accept()
	if err != nil {
		return // listener closed, client shutting down before the broker ever dialed in
	}
	n.conn = conn
	atomic.StoreInt32(&n.connected, 1)
	n.readLoop(conn)
}

// isConnected reports whether the broker's single inbound connection has
// landed yet — used by the constructor handshake (spec §4.9 is_connected).
func (n *notifyListener) isConnected() bool {
	return atomic.LoadInt32(&n.connected) != 0
}

func (n *notifyListener) readLoop(conn net.Conn) {
	for {
		frame, err := ipc.ReadFrame(conn)
		if err != nil {
			close(n.responses)
			return
		}
		resp, err := wire.DecodeResponse(frame)
		if err != nil {
			log.Printf("tinysqlapi: client: response decode error, ignoring frame: %v", err)
			n.confirmReadyToReceiveNext()
			continue
		}
		n.dispatch(resp)
	}
}

func (n *notifyListener) dispatch(resp wire.Response) {
	switch resp.Kind {
	case wire.UpdateNotify, wire.DeleteNotify:
		var key wire.Value
		if len(resp.Body) > 0 {
			key = resp.Body[0]
		}
		if n.onNotify != nil {
			n.onNotify(resp.Kind, key)
		}
		n.confirmReadyToReceiveNext()
	default:
		n.responses <- resp
		n.confirmReadyToReceiveNext()
	}
}

// confirmReadyToReceiveNext writes the ACK token back to the broker,
// satisfying C5's one-in-flight flow control (spec §4.9). The application
// must do this after every frame's handler completes; here that happens
// automatically right after each frame is dispatched.
func (n *notifyListener) confirmReadyToReceiveNext() {
	if n.conn == nil {
		return
	}
	if err := ipc.WriteAck(n.conn); err != nil {
		log.Printf("tinysqlapi: client: writing ack on notify channel: %v", err)
	}
}

func (n *notifyListener) close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return n.listener.Close()
}
