package config

import (
	"os"
	"path/filepath"
)

// defaultSocketDir places broker channel sockets in a fixed subdirectory of
// the OS temp dir so every client and the broker agree on a location
// without needing to pass one around explicitly.
func defaultSocketDir() string {
	return filepath.Join(os.TempDir(), "tinysqlapi")
}
