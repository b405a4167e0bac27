package nanny

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestVerifyPeerCredentials_SameProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen on unix socket: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptedCh <- conn
	}()

	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("failed to dial unix socket: %v", err)
	}
	defer client.Close()

	var server net.Conn
	select {
	case server = <-acceptedCh:
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
	}
	defer server.Close()

	if err := VerifyPeerCredentials(server, PeerVerificationConfig{RequireSameUser: true}); err != nil {
		t.Fatalf("expected same-process peer to verify, got %v", err)
	}

	if err := VerifyPeerCredentials(server, PeerVerificationConfig{AllowedUIDs: []uint32{uint32(os.Geteuid())}}); err != nil {
		t.Fatalf("expected own uid to be in the allowed list, got %v", err)
	}

	if err := VerifyPeerCredentials(server, PeerVerificationConfig{AllowedUIDs: []uint32{999999}}); err == nil {
		t.Fatal("expected verification to fail for a uid not in the allowed list")
	}
}

func TestVerifyPeerCredentials_RejectsNonUnixConn(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	if err := VerifyPeerCredentials(server, PeerVerificationConfig{}); err == nil {
		t.Fatal("expected VerifyPeerCredentials to reject a non-Unix connection")
	}
}
