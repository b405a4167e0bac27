package nanny

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketManager manages the Unix domain socket files used for the control
// channel between the ClusterSupervisor's process-based WorkerSupervisor
// and each worker's child process — one socket per LogicalId.
type SocketManager struct {
	dir         string
	prefix      string
	permissions os.FileMode
}

// NewSocketManager constructs a SocketManager from SocketConfig.
func NewSocketManager(cfg SocketConfig) *SocketManager {
	return &SocketManager{
		dir:         cfg.Dir,
		prefix:      cfg.Prefix,
		permissions: os.FileMode(cfg.Permissions),
	}
}

// SocketPath returns the control-socket path for the given worker.
func (sm *SocketManager) SocketPath(id LogicalId) string {
	filename := fmt.Sprintf("%s-%s.sock", sm.prefix, id)
	return filepath.Join(sm.dir, filename)
}

// CleanupSocket removes a socket file if it exists.
func (sm *SocketManager) CleanupSocket(socketPath string) error {
	if _, err := os.Stat(socketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("nanny: stat socket file: %w", err)
	}
	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("nanny: remove socket file: %w", err)
	}
	return nil
}

// CleanupAllSockets removes every socket file under this manager's prefix,
// for use on cluster-supervisor startup to clear stale sockets left behind
// by a previous, unclean shutdown.
func (sm *SocketManager) CleanupAllSockets() error {
	pattern := filepath.Join(sm.dir, fmt.Sprintf("%s-*.sock", sm.prefix))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("nanny: glob socket files: %w", err)
	}

	var lastErr error
	for _, socketPath := range matches {
		if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
			lastErr = fmt.Errorf("nanny: remove socket %s: %w", socketPath, err)
		}
	}
	return lastErr
}

// EnsureSocketDir creates the socket directory if it doesn't already exist.
func (sm *SocketManager) EnsureSocketDir() error {
	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return fmt.Errorf("nanny: create socket directory: %w", err)
	}
	return nil
}

// SetSocketPermissions applies this manager's configured permissions to
// socketPath.
func (sm *SocketManager) SetSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, sm.permissions); err != nil {
		return fmt.Errorf("nanny: set socket permissions: %w", err)
	}
	return nil
}
