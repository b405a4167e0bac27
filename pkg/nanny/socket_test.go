package nanny

import (
	"os"
	"path/filepath"
	"testing"
)

func testSocketManager(t *testing.T) (*SocketManager, string) {
	t.Helper()
	dir := t.TempDir()
	return NewSocketManager(SocketConfig{Dir: dir, Prefix: "nanny", Permissions: 0600}), dir
}

func TestSocketManager_SocketPath(t *testing.T) {
	sm, dir := testSocketManager(t)
	got := sm.SocketPath("w1")
	want := filepath.Join(dir, "nanny-w1.sock")
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestSocketManager_EnsureSocketDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	sm := NewSocketManager(SocketConfig{Dir: dir, Prefix: "nanny", Permissions: 0600})

	if err := sm.EnsureSocketDir(); err != nil {
		t.Fatalf("EnsureSocketDir failed: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected socket directory to exist, stat error: %v", err)
	}
}

func TestSocketManager_CleanupSocket(t *testing.T) {
	sm, dir := testSocketManager(t)
	path := filepath.Join(dir, "nanny-w1.sock")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("failed to create fake socket file: %v", err)
	}

	if err := sm.CleanupSocket(path); err != nil {
		t.Fatalf("CleanupSocket failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected socket file to be removed")
	}

	// Cleaning up a socket that no longer exists must be a no-op.
	if err := sm.CleanupSocket(path); err != nil {
		t.Fatalf("CleanupSocket on a missing file should not error, got %v", err)
	}
}

func TestSocketManager_CleanupAllSockets(t *testing.T) {
	sm, dir := testSocketManager(t)
	for _, id := range []LogicalId{"w1", "w2"} {
		if err := os.WriteFile(sm.SocketPath(id), nil, 0600); err != nil {
			t.Fatalf("failed to create fake socket file: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "unrelated.sock"), nil, 0600); err != nil {
		t.Fatalf("failed to create unrelated file: %v", err)
	}

	if err := sm.CleanupAllSockets(); err != nil {
		t.Fatalf("CleanupAllSockets failed: %v", err)
	}

	if _, err := os.Stat(sm.SocketPath("w1")); !os.IsNotExist(err) {
		t.Fatal("expected w1's socket to be removed")
	}
	if _, err := os.Stat(sm.SocketPath("w2")); !os.IsNotExist(err) {
		t.Fatal("expected w2's socket to be removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "unrelated.sock")); err != nil {
		t.Fatal("expected the unrelated file to survive cleanup")
	}
}

func TestSocketManager_SetSocketPermissions(t *testing.T) {
	sm, dir := testSocketManager(t)
	path := filepath.Join(dir, "nanny-w1.sock")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("failed to create fake socket file: %v", err)
	}

	if err := sm.SetSocketPermissions(path); err != nil {
		t.Fatalf("SetSocketPermissions failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected permissions 0600, got %o", info.Mode().Perm())
	}
}
