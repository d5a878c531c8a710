package procpool

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketManager manages the Unix-domain-socket endpoints workers listen on.
type SocketManager struct {
	dir         string
	prefix      string
	permissions os.FileMode
}

// NewSocketManager builds a SocketManager from a SocketConfig.
func NewSocketManager(cfg SocketConfig) *SocketManager {
	return &SocketManager{
		dir:         cfg.Dir,
		prefix:      cfg.Prefix,
		permissions: os.FileMode(cfg.Permissions),
	}
}

// GenerateSocketPath returns the endpoint path for a given worker ID.
func (sm *SocketManager) GenerateSocketPath(workerID string) string {
	filename := fmt.Sprintf("%s-%s.sock", sm.prefix, workerID)
	return filepath.Join(sm.dir, filename)
}

// CleanupSocket removes a socket file if present; a missing file is not an
// error.
func (sm *SocketManager) CleanupSocket(socketPath string) error {
	if _, err := os.Stat(socketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("procpool: stat socket file: %w", err)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("procpool: remove socket file: %w", err)
	}
	return nil
}

// CleanupAllSockets removes every socket file matching this manager's
// prefix under its directory.
func (sm *SocketManager) CleanupAllSockets() error {
	pattern := filepath.Join(sm.dir, fmt.Sprintf("%s-*.sock", sm.prefix))

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("procpool: glob socket files: %w", err)
	}

	var lastErr error
	for _, socketPath := range matches {
		if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
			lastErr = fmt.Errorf("procpool: remove socket %s: %w", socketPath, err)
		}
	}
	return lastErr
}

// EnsureSocketDir creates the socket directory if it does not exist.
func (sm *SocketManager) EnsureSocketDir() error {
	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return fmt.Errorf("procpool: create socket directory: %w", err)
	}
	return nil
}

// SetSocketPermissions applies this manager's configured permission bits
// to an existing socket file.
func (sm *SocketManager) SetSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, sm.permissions); err != nil {
		return fmt.Errorf("procpool: set socket permissions: %w", err)
	}
	return nil
}
