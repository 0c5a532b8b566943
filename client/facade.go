// Package client is C8, the in-process facade applications call, plus its
// private notify listener C9. Each public operation is a thin translator
// from typed arguments into a wire.Request frame, sent over a fresh
// connection to the broker's shared request channel and matched to its
// response on the client's own private notify channel (spec §4.8/§4.9).
package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/uuid"

	"github.com/tinysqlapi/broker/config"
	"github.com/tinysqlapi/broker/ipc"
	"github.com/tinysqlapi/broker/wire"
)

// Options configures a Client constructor call (spec §4.8).
type Options struct {
	SocketDir       string        // defaults to config.SocketDir()
	DBFile          string        // defaults to config.DBFile(); not passed to a spawned broker, which opens config.DBFile() itself
	RegisterTimeout time.Duration // defaults to config.RegisterTimeout()
	OnNotify        NotificationHandler
}

// Client is C8: the public facade. A Client owns exactly one outstanding
// request on the wire at a time (spec §4.8); sendRequest serializes
// callers onto that invariant.
type Client struct {
	id        int32
	socketDir string

	notify *notifyListener

	mu      sync.Mutex // serializes one-outstanding-request-at-a-time
	table   string
	primary string
	columns int

	// connectRetries counts consecutive ServerNotFound-style dial failures
	// on the request channel; reset to zero after any request succeeds
	// (spec §7: "up to 3 retries with immediate reconnection on
	// ServerNotFound"; original_source supplement, see SPEC_FULL.md).
	connectRetries int
}

const maxConnectRetries = 3

// New runs the constructor handshake of spec §4.8: generate a client_id,
// start the notify listener, then probe the broker's request channel --
// registering against an already-running broker, or spawning one and
// waiting for its implicit handshake connect.
func New(opts Options) (*Client, error) {
	if opts.SocketDir == "" {
		opts.SocketDir = config.SocketDir()
	}
	if opts.DBFile == "" {
		opts.DBFile = config.DBFile()
	}
	if opts.RegisterTimeout == 0 {
		opts.RegisterTimeout = config.RegisterTimeout()
	}

	id, err := newClientID()
	if err != nil {
		return nil, fmt.Errorf("client: generating client_id: %w", err)
	}

	notify, err := startNotifyListener(opts.SocketDir, id, opts.OnNotify)
	if err != nil {
		return nil, fmt.Errorf("client: starting notify listener: %w", err)
	}

	c := &Client{id: id, socketDir: opts.SocketDir, notify: notify}

	if reachable(opts.SocketDir) {
		if err := c.register(opts.RegisterTimeout); err != nil {
			notify.close()
			return nil, err
		}
		return c, nil
	}

	if err := spawnBroker(id); err != nil {
		notify.close()
		return nil, fmt.Errorf("client: spawning broker: %w", err)
	}
	if err := waitConnected(notify, opts.RegisterTimeout); err != nil {
		notify.close()
		return nil, err
	}
	// The broker's Bootstrap registers this client and sends a Confirmation
	// right after dialing in; consume it so the first request does not
	// receive it as its own response.
	select {
	case <-notify.responses:
	case <-time.After(opts.RegisterTimeout):
		notify.close()
		return nil, fmt.Errorf("client: timed out waiting for broker handshake confirmation after %s", opts.RegisterTimeout)
	}
	return c, nil
}

// ID returns this client's client_id.
func (c *Client) ID() int32 { return c.id }

func newClientID() (int32, error) {
	for {
		u, err := uuid.NewV4()
		if err != nil {
			return 0, err
		}
		var n64 uint64
		for _, b := range u[:8] {
			n64 = n64<<8 | uint64(b)
		}
		n := int32(n64 & 0x7fffffff)
		if n != 0 {
			return n, nil
		}
	}
}

func reachable(socketDir string) bool {
	conn, err := ipc.Dial(socketDir, config.RequestChannel)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func spawnBroker(clientID int32) error {
	path, err := exec.LookPath(config.BrokerExecutableName)
	if err != nil {
		path = config.BrokerExecutableName
	}
	cmd := exec.Command(path, fmt.Sprintf("%d", clientID))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

func waitConnected(n *notifyListener, timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if n.isConnected() {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline:
			return fmt.Errorf("client: timed out waiting for broker handshake after %s", timeout)
		}
	}
}

// register sends a Register request and blocks for the Confirmation,
// fatal on timeout (spec §4.8).
func (c *Client) register(timeout time.Duration) error {
	_, err := c.sendRequestTimeout(wire.Request{ClientID: c.id, Kind: wire.Register}, timeout)
	return err
}

// Close unregisters this client and releases its notify listener.
func (c *Client) Close() error {
	_, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.Unregister})
	c.notify.close()
	return err
}

// SetTable sets the table this facade's operations target. Local-only, no
// frame is sent (spec §6 public API surface).
func (c *Client) SetTable(name string) { c.table = name }

// SetPrimaryKey sets the name of the primary-key column. Local-only.
func (c *Client) SetPrimaryKey(name string) { c.primary = name }

// Initialize issues CreateTable for the current table (spec §4.8).
func (c *Client) Initialize(identifier FieldDecl, fields []FieldDecl) (wire.ErrorCode, error) {
	c.primary = identifier.Name
	ddl := buildCreateTable(c.table, identifier, fields)
	resp, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.CreateTable, Payload: ddl})
	if err != nil {
		return wire.UndefinedError, err
	}
	return resp.Status, nil
}

// Read issues ReadOne for key against the primary key column (spec §4.8).
func (c *Client) Read(key wire.Value) (wire.ErrorCode, []wire.Value, error) {
	q := buildSelectOne(c.table, c.primary, key)
	resp, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.ReadOne, ItemKey: key, Payload: q})
	if err != nil {
		return wire.UndefinedError, nil, err
	}
	return resp.Status, resp.Body, nil
}

// ReadAll issues ReadAll and collects the streamed ItemData frames, one row
// per frame exactly as the broker split them (spec §4.8/§8 testable
// property 8). columnsCount is stored in c.columns; it does not re-chunk
// or check the cells of each row.
// Per SPEC_FULL.md's resolution of the readAll terminal-empty-frame open
// question, zero rows produce zero frames: rowCount tells ReadAll how many
// frames to wait for, since the protocol itself carries no terminal marker.
// Callers normally obtain rowCount from a preceding Count() call.
func (c *Client) ReadAll(columnsCount, rowCount int) ([][]wire.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.columns = columnsCount

	q := buildSelectAll(c.table)
	if err := c.dispatch(wire.Request{ClientID: c.id, Kind: wire.ReadAll, Payload: q}); err != nil {
		return nil, err
	}

	rows := make([][]wire.Value, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		resp, ok := <-c.notify.responses
		if !ok {
			return rows, fmt.Errorf("client: notify channel closed mid-readAll")
		}
		rows = append(rows, resp.Body)
	}
	return rows, nil
}

// Count issues Count for the current table (spec §4.8).
func (c *Client) Count() (int64, error) {
	q := buildCount(c.table)
	resp, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.Count, Payload: q})
	if err != nil {
		return 0, err
	}
	if len(resp.Body) == 0 {
		return 0, nil
	}
	return resp.Body[0].Int64, nil
}

// ReadTables issues ReadTables (original_source supplement, spec §4.8).
func (c *Client) ReadTables() ([]string, error) {
	resp, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.ReadTables})
	if err != nil {
		return nil, err
	}
	return valuesToStrings(resp.Body), nil
}

// ReadColumns issues ReadColumns for table (original_source supplement,
// spec §4.8).
func (c *Client) ReadColumns(table string) ([]string, error) {
	resp, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.ReadColumns, Payload: table})
	if err != nil {
		return nil, err
	}
	return valuesToStrings(resp.Body), nil
}

// WriteItem issues WriteRow. columns must list values' column names in the
// same order as values, identifier first (spec §4.8).
func (c *Client) WriteItem(columns []string, values []wire.Value) (wire.ErrorCode, error) {
	stmt := buildInsert(c.table, columns, values)
	var key wire.Value
	if len(values) > 0 {
		key = values[0]
	}
	resp, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.WriteRow, ItemKey: key, Payload: stmt})
	if err != nil {
		return wire.UndefinedError, err
	}
	return resp.Status, nil
}

// DeleteItem issues DeleteOne for key (spec §4.8). The response carries no
// status per spec §7, so only a transport error is reported.
func (c *Client) DeleteItem(key wire.Value) error {
	stmt := buildDeleteOne(c.table, c.primary, key)
	_, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.DeleteOne, ItemKey: key, Payload: stmt})
	return err
}

// DeleteAll issues DeleteAll for the current table (spec §4.8).
func (c *Client) DeleteAll() error {
	stmt := buildDeleteAll(c.table)
	_, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.DeleteAll, Payload: stmt})
	return err
}

// SubscribeChangeNotifications registers standing interest in key (spec
// §4.8/§4.6).
func (c *Client) SubscribeChangeNotifications(key wire.Value) error {
	_, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.SubscribeKey, ItemKey: key})
	return err
}

// UnsubscribeChangeNotifications withdraws interest in key (spec §4.8).
func (c *Client) UnsubscribeChangeNotifications(key wire.Value) error {
	_, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.UnsubscribeKey, ItemKey: key})
	return err
}

// CancelAsyncRequest issues CancelLast (spec §4.8/§4.4). Best-effort: the
// head of the broker's queue is never cancelled.
func (c *Client) CancelAsyncRequest() error {
	_, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.CancelLast})
	return err
}

// ChangeDB issues ChangeDB, rebinding the broker's storage to filename
// (spec §4.4/§4.8).
func (c *Client) ChangeDB(filename string) error {
	_, err := c.sendRequest(wire.Request{ClientID: c.id, Kind: wire.ChangeDB, Payload: filename})
	return err
}

func valuesToStrings(vs []wire.Value) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String
	}
	return out
}

// sendRequest dispatches req and blocks for its single response frame,
// enforcing the one-outstanding-request-per-facade invariant (spec §4.8).
func (c *Client) sendRequest(req wire.Request) (wire.Response, error) {
	return c.sendRequestTimeout(req, 0)
}

// sendRequestTimeout is sendRequest with an optional deadline; timeout <= 0
// means block indefinitely (all operations other than the constructor
// handshake have no timeout, per spec §5 cancellation/timeout rules).
func (c *Client) sendRequestTimeout(req wire.Request, timeout time.Duration) (wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dispatch(req); err != nil {
		return wire.Response{}, err
	}

	if timeout <= 0 {
		resp, ok := <-c.notify.responses
		if !ok {
			return wire.Response{}, fmt.Errorf("client: notify channel closed waiting for response")
		}
		return resp, nil
	}

	select {
	case resp, ok := <-c.notify.responses:
		if !ok {
			return wire.Response{}, fmt.Errorf("client: notify channel closed waiting for response")
		}
		return resp, nil
	case <-time.After(timeout):
		return wire.Response{}, fmt.Errorf("client: timed out waiting for response after %s", timeout)
	}
}

// dispatch opens a fresh connection to the request channel, writes the
// frame, waits for the ACK, then disconnects -- freeing the shared channel
// for other clients (spec §4.8/§4.3). ServerNotFound (the socket doesn't
// exist yet) gets up to maxConnectRetries immediate reconnect attempts;
// ConnectionRefused (a stale socket with nothing listening) is fatal right
// away (spec §7).
func (c *Client) dispatch(req wire.Request) error {
	conn, err := c.dialWithRetry()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := ipc.WriteFrame(conn, wire.EncodeRequest(req)); err != nil {
		return fmt.Errorf("client: writing request frame: %w", err)
	}
	if err := ipc.ReadAck(conn); err != nil {
		return fmt.Errorf("client: reading request ack: %w", err)
	}
	c.connectRetries = 0
	return nil
}

func (c *Client) dialWithRetry() (net.Conn, error) {
	for {
		conn, err := ipc.Dial(c.socketDir, config.RequestChannel)
		if err == nil {
			return conn, nil
		}
		if isConnectionRefused(err) {
			return nil, fmt.Errorf("client: request channel refused the connection: %w", err)
		}
		if c.connectRetries >= maxConnectRetries {
			return nil, fmt.Errorf("client: request channel unreachable after %d retries: %w", maxConnectRetries, err)
		}
		c.connectRetries++
	}
}

// isConnectionRefused reports whether err is a ConnectionRefused-class
// failure (a stale socket with nothing listening) as opposed to
// ServerNotFound (the socket file doesn't exist at all), per spec §7.
func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
