// Package singleton implements the broker's first-process-wins election
// (spec §5/§6). The C++ original attaches to a named shared-memory segment
// with no payload — existence of the segment is the entire signal, and the
// first process to create it wins. This adaptation realizes the same
// "existence is the signal" contract with an advisory exclusive file lock
// (flock) on a fixed path instead of a shared-memory segment: a flock is
// the idiomatic Go analogue of a payload-less kernel-object election
// (single syscall, auto-released on process exit or crash, no special
// permissions), whereas POSIX/SysV shared memory has no such
// automatic-release semantics and would need a companion cleanup path this
// spec never describes. DESIGN.md records the substitution.
package singleton

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lock holds the acquired election; the broker keeps it open for its
// entire lifetime and releases it (implicitly, on process exit, or
// explicitly via Release) to let the next launch win.
type Lock struct {
	f *os.File
}

// lockPath returns the filesystem path backing the named election.
func lockPath(dir, key string) string {
	return filepath.Join(dir, key+".lock")
}

// Acquire attempts to become the singleton broker for key under dir. It
// returns (lock, true, nil) if this process won the election, or
// (nil, false, nil) if another process already holds it — the caller
// should then exit cleanly without opening the request channel (spec
// scenario S5). A non-nil error indicates a filesystem problem distinct
// from "already running".
func Acquire(dir, key string) (*Lock, bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("singleton: creating lock dir: %w", err)
	}
	path := lockPath(dir, key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("singleton: opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("singleton: flock: %w", err)
	}

	return &Lock{f: f}, true, nil
}

// Release gives up the election, closing the underlying file descriptor.
// The kernel drops the flock automatically, so this is equivalent to the
// shared-memory segment vanishing when its owning process exits.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
