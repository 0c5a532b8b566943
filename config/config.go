// Package config centralizes the broker's channel names, timeouts, and
// default filenames (spec §6), with optional environment overrides in the
// same envy.Get(key, default) idiom the teacher repo uses throughout its
// own Wire() setup. Spec §6 states no environment variables are required —
// every value here has the spec's hardcoded default baked in; envy only
// lets an operator override them for local testing.
package config

import (
	"strconv"
	"time"

	"github.com/gobuffalo/envy"
)

// RequestChannel is the fixed name of the broker's shared request channel
// (spec §6).
const RequestChannel = "TinySqlApiReqSocketEA012FCB"

// ResponseChannelPrefix is prefixed to a decimal client_id to name that
// client's private response/notify channel (spec §6).
const ResponseChannelPrefix = "TinySqlApiRespSocket"

// SingletonKey names the shared-memory segment (here: advisory lock file,
// see package singleton) that elects the one running broker (spec §6).
const SingletonKey = "TinySqlApiServerKeyEA012FCB"

// DefaultDBFile is the default SQLite-compatible database filename
// (spec §4.2/§6).
const DefaultDBFile = "sqliteapidb.db"

// BrokerExecutableName is the on-disk name of the broker binary (spec §6).
const BrokerExecutableName = "tinysqliteapiserver.exe"

// DefaultRegisterTimeout bounds the client constructor's handshake
// (spec §4.8/§5): 10 seconds, fatal if exceeded.
const DefaultRegisterTimeout = 10 * time.Second

// ResponseChannelName returns the private response/notify channel name for
// a given client_id.
func ResponseChannelName(clientID int32) string {
	return ResponseChannelPrefix + strconv.Itoa(int(clientID))
}

// SocketDir returns the directory under which channel sockets are created.
// Overridable via TINYSQLAPI_SOCKET_DIR; defaults to the OS temp dir, which
// is the closest portable analogue of the original named-pipe namespace.
func SocketDir() string {
	return envy.Get("TINYSQLAPI_SOCKET_DIR", defaultSocketDir())
}

// DBFile returns the default database filename, overridable via
// TINYSQLAPI_DB_FILE.
func DBFile() string {
	return envy.Get("TINYSQLAPI_DB_FILE", DefaultDBFile)
}

// RegisterTimeout returns the client constructor's handshake timeout,
// overridable via TINYSQLAPI_REGISTER_TIMEOUT (a Go duration string, e.g.
// "15s"). An unparsable override falls back to the spec default rather
// than failing the caller.
func RegisterTimeout() time.Duration {
	raw := envy.Get("TINYSQLAPI_REGISTER_TIMEOUT", "")
	if raw == "" {
		return DefaultRegisterTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return DefaultRegisterTimeout
	}
	return d
}
