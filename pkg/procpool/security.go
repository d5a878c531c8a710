package procpool

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// PeerCredentials is the platform-independent shape of a Unix-domain-socket
// peer's credentials, as reported by the kernel at accept time.
type PeerCredentials struct {
	UID uint32
	GID uint32
	PID int32 // 0 where the platform does not report a PID (e.g. Darwin)
}

// SecurityConfig controls who may connect to a worker's socket endpoint.
// A worker socket with loose permissions is a local attack surface; this
// is checked on every accepted connection, not just at listen time.
type SecurityConfig struct {
	// SocketDir is the directory socket files are created under.
	// Default: /run/procpool if running as root, $TMPDIR/procpool otherwise.
	SocketDir string

	// SocketPerms is applied to each socket file after listen.
	SocketPerms os.FileMode

	// DirPerms is applied to SocketDir.
	DirPerms os.FileMode

	// AllowedUIDs, if non-empty, is the only set of UIDs permitted to
	// connect.
	AllowedUIDs []uint32

	// AllowedGIDs, if non-empty, is the only set of GIDs permitted to
	// connect.
	AllowedGIDs []uint32

	// RequireSameUser, if true, only allows connections from the same
	// effective UID as this process.
	RequireSameUser bool
}

// DefaultSecurityConfig returns the default security posture: same-user
// connections only, owner-only socket permissions, group-readable
// directory.
func DefaultSecurityConfig() SecurityConfig {
	cfg := SecurityConfig{
		SocketPerms:     0600,
		DirPerms:        0750,
		RequireSameUser: true,
	}

	if os.Geteuid() == 0 {
		cfg.SocketDir = "/run/procpool"
	} else {
		cfg.SocketDir = filepath.Join(os.TempDir(), "procpool")
	}
	return cfg
}

// SecureSocketPath creates (or re-secures) the socket directory and returns
// the full path for socketName, removing any stale socket file left behind
// by a previous run.
func SecureSocketPath(config SecurityConfig, socketName string) (string, error) {
	if err := os.MkdirAll(config.SocketDir, config.DirPerms); err != nil {
		return "", fmt.Errorf("procpool: create socket directory %s: %w", config.SocketDir, err)
	}
	if err := os.Chmod(config.SocketDir, config.DirPerms); err != nil {
		return "", fmt.Errorf("procpool: set socket directory permissions: %w", err)
	}

	socketPath := filepath.Join(config.SocketDir, socketName)

	if err := os.RemoveAll(socketPath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("procpool: remove stale socket file: %w", err)
	}
	return socketPath, nil
}

// VerifyPeerCredentials checks conn's peer credentials against config.
// conn must be a *net.UnixConn; any other type fails closed.
func VerifyPeerCredentials(conn net.Conn, config SecurityConfig) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.New("procpool: connection is not a Unix domain socket")
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("procpool: get raw connection: %w", err)
	}

	var creds *PeerCredentials
	var credErr error
	if err := rawConn.Control(func(fd uintptr) {
		creds, credErr = getPeerCredentials(int(fd))
	}); err != nil {
		return fmt.Errorf("procpool: control connection: %w", err)
	}
	if credErr != nil {
		return fmt.Errorf("procpool: get peer credentials: %w", credErr)
	}
	if creds == nil {
		return errors.New("procpool: peer credentials unavailable")
	}

	if config.RequireSameUser {
		currentUID := uint32(os.Geteuid())
		if creds.UID != currentUID {
			return fmt.Errorf("procpool: peer UID %d does not match server UID %d", creds.UID, currentUID)
		}
	}

	if len(config.AllowedUIDs) > 0 && !containsUint32(config.AllowedUIDs, creds.UID) {
		return fmt.Errorf("procpool: peer UID %d is not in allowed list", creds.UID)
	}
	if len(config.AllowedGIDs) > 0 && !containsUint32(config.AllowedGIDs, creds.GID) {
		return fmt.Errorf("procpool: peer GID %d is not in allowed list", creds.GID)
	}
	return nil
}

func containsUint32(list []uint32, v uint32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// getPeerCredentials is implemented per-platform:
//   - security_linux.go   (SO_PEERCRED via golang.org/x/sys/unix)
//   - security_darwin.go  (LOCAL_PEERCRED)
//   - security_other.go   (unsupported: always errors)

// SecureListener wraps a net.Listener, verifying peer credentials on every
// accepted connection before handing it to the caller.
type SecureListener struct {
	net.Listener
	config SecurityConfig
}

// WrapListener secures an already-listening net.Listener, verifying peer
// credentials on every accepted connection against config. Unlike
// NewSecureListener, it does not manage the socket file or its directory
// itself: it is for callers (the reference worker in particular) that
// already own those via another path (SocketManager) and only want the
// accept-time credential check layered on top.
func WrapListener(listener net.Listener, config SecurityConfig) *SecureListener {
	return &SecureListener{Listener: listener, config: config}
}

// NewSecureListener secures socketPath's directory, listens on it, applies
// socket file permissions, and returns a SecureListener.
func NewSecureListener(socketPath string, config SecurityConfig) (*SecureListener, error) {
	path, err := SecureSocketPath(config, filepath.Base(socketPath))
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("procpool: listen on %s: %w", path, err)
	}

	if err := os.Chmod(path, config.SocketPerms); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("procpool: set socket permissions: %w", err)
	}

	return &SecureListener{Listener: listener, config: config}, nil
}

// Accept accepts a connection and verifies its peer credentials before
// returning it; a failed verification closes the connection and returns an
// error instead.
func (l *SecureListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if err := VerifyPeerCredentials(conn, l.config); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("procpool: peer verification failed: %w", err)
	}
	return conn, nil
}
