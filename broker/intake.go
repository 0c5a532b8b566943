package broker

import (
	"log"
	"net"

	"github.com/tinysqlapi/broker/ipc"
	"github.com/tinysqlapi/broker/wire"
)

// Intake is C3: listens on the broker's well-known request channel and,
// for every inbound connection, reads exactly one request frame, ACKs it,
// waits for the peer to disconnect, and only then delivers the decoded
// Request to the broker core (spec §4.3).
type Intake struct {
	listener net.Listener
	requests chan<- wire.Request
	abnormal chan<- struct{}
}

// StartIntake opens the request channel listener and begins accepting
// connections in the background.
func StartIntake(socketDir, channelName string, requests chan<- wire.Request, abnormal chan<- struct{}) (*Intake, error) {
	l, err := ipc.Listen(socketDir, channelName)
	if err != nil {
		return nil, err
	}
	in := &Intake{listener: l, requests: requests, abnormal: abnormal}
	go in.acceptLoop()
	return in, nil
}

func (in *Intake) acceptLoop() {
	for {
		conn, err := in.listener.Accept()
		if err != nil {
			return // listener closed: broker shutting down
		}
		go in.handleConn(conn)
	}
}

func (in *Intake) handleConn(conn net.Conn) {
	defer conn.Close()

	frame, err := ipc.ReadFrame(conn)
	if err != nil {
		log.Printf("tinysqlapi: intake: dropping connection before a full frame arrived: %v", err)
		in.reportAbnormal()
		return
	}

	req, err := wire.DecodeRequest(frame)
	if err != nil {
		log.Printf("tinysqlapi: intake: framing error, dropping connection: %v", err)
		in.reportAbnormal()
		return
	}

	if err := ipc.WriteAck(conn); err != nil {
		log.Printf("tinysqlapi: intake: writing ack: %v", err)
		return
	}

	// Wait for the peer to disconnect -- the normal case (spec §4.3 step 3).
	// Any further bytes are read and discarded; the wait ends at the first
	// read error, normally EOF.
	var discard [1]byte
	for {
		if _, err := conn.Read(discard[:]); err != nil {
			break
		}
	}

	in.requests <- req
}

func (in *Intake) reportAbnormal() {
	select {
	case in.abnormal <- struct{}{}:
	default:
	}
}

// Stop closes the listener, ending acceptLoop.
func (in *Intake) Stop() error {
	return in.listener.Close()
}
