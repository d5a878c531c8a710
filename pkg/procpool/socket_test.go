package procpool

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestSocketManager_GenerateSocketPath(t *testing.T) {
	sm := NewSocketManager(SocketConfig{Dir: "/tmp/procpool-test", Prefix: "pp", Permissions: 0600})
	got := sm.GenerateSocketPath("worker-7")
	want := filepath.Join("/tmp/procpool-test", "pp-worker-7.sock")
	if got != want {
		t.Errorf("GenerateSocketPath() = %q, want %q", got, want)
	}
}

func TestSocketManager_EnsureSocketDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "socks")
	sm := NewSocketManager(SocketConfig{Dir: dir, Prefix: "pp", Permissions: 0600})

	if err := sm.EnsureSocketDir(); err != nil {
		t.Fatalf("EnsureSocketDir() error = %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat() error = %v", err)
	}
	if !info.IsDir() {
		t.Error("EnsureSocketDir() did not create a directory")
	}
}

func TestSocketManager_CleanupSocket(t *testing.T) {
	dir := shortSocketDir(t)
	sm := NewSocketManager(SocketConfig{Dir: dir, Prefix: "pp", Permissions: 0600})
	path := sm.GenerateSocketPath("worker-1")

	// A missing file is not an error.
	if err := sm.CleanupSocket(path); err != nil {
		t.Fatalf("CleanupSocket() on a missing file: %v", err)
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	_ = lis.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("socket file missing before cleanup: %v", err)
	}
	if err := sm.CleanupSocket(path); err != nil {
		t.Fatalf("CleanupSocket() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("socket file still present after CleanupSocket()")
	}
}

func TestSocketManager_CleanupAllSockets(t *testing.T) {
	dir := shortSocketDir(t)
	sm := NewSocketManager(SocketConfig{Dir: dir, Prefix: "pp", Permissions: 0600})

	var paths []string
	for _, id := range []string{"a", "b", "c"} {
		path := sm.GenerateSocketPath(id)
		lis, err := net.Listen("unix", path)
		if err != nil {
			t.Fatalf("net.Listen(%s) error = %v", id, err)
		}
		_ = lis.Close()
		paths = append(paths, path)
	}

	if err := sm.CleanupAllSockets(); err != nil {
		t.Fatalf("CleanupAllSockets() error = %v", err)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("socket %s still present after CleanupAllSockets()", path)
		}
	}
}

func TestSocketManager_SetSocketPermissions(t *testing.T) {
	dir := shortSocketDir(t)
	sm := NewSocketManager(SocketConfig{Dir: dir, Prefix: "pp", Permissions: 0600})
	path := sm.GenerateSocketPath("perm")

	lis, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer lis.Close()

	if err := sm.SetSocketPermissions(path); err != nil {
		t.Fatalf("SetSocketPermissions() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat() error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %v, want 0600", info.Mode().Perm())
	}
}
