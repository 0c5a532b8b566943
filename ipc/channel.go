// Package ipc provides the local transport "channel" spec.md §1/§6 leaves
// abstract: a named UNIX domain socket carrying length-prefixed frames, plus
// the content-agnostic ACK token both directions of the protocol use to
// drive flow control. Framing codecs live in package wire; ipc only moves
// opaque byte frames and never looks inside them.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
)

// AckToken is the literal byte sequence spec §6 defines as the ACK: any
// bytes received in the reverse direction count as an ACK, so the token's
// content is never inspected on read — only its presence matters.
var AckToken = []byte("ready")

const maxFrameSize = 64 << 20 // generous ceiling against a corrupt length prefix

// SocketPath resolves a channel name to a filesystem path for a UNIX domain
// socket, rooted under dir (normally config.SocketDir()).
func SocketPath(dir, name string) string {
	return filepath.Join(dir, name+".sock")
}

// Listen creates (or replaces) a UNIX domain socket listener at the given
// channel name. A stale socket file left behind by a crashed process is
// removed first, matching how named-pipe/local-socket servers on other
// platforms silently reclaim an abandoned name.
func Listen(dir, name string) (net.Listener, error) {
	path := SocketPath(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ipc: creating socket dir: %w", err)
	}
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", name, err)
	}
	return l, nil
}

// Dial connects to a channel by name. The caller sees a plain "connection
// refused"/"no such file" style error when nothing is listening, which
// higher layers treat as "channel not reachable" (spec §4.8 constructor
// probe, spec §7 ConnectionRefused).
func Dial(dir, name string) (net.Conn, error) {
	path := SocketPath(dir, name)
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// WriteFrame writes one length-prefixed frame. Go's net.Conn is a byte
// stream, unlike the message-oriented local sockets the original protocol
// assumes, so ipc reintroduces message boundaries with a 4-byte
// little-endian length prefix — every WriteFrame call is one logical frame,
// exactly as spec §4.1 requires of "the underlying channel's message
// boundary".
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("ipc: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame previously written by
// WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("ipc: reading frame body: %w", err)
	}
	return buf, nil
}

// WriteAck writes the ACK token as its own frame.
func WriteAck(w io.Writer) error {
	return WriteFrame(w, AckToken)
}

// ReadAck reads one frame and discards its content — any bytes at all
// count as an ACK per spec §6.
func ReadAck(r io.Reader) error {
	_, err := ReadFrame(r)
	return err
}
