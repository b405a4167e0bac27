package nanny

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// PeerVerificationConfig governs which peers may complete the control-socket
// handshake, layered on top of the HMAC challenge/response in
// socket_hmac.go: HMAC proves the peer knows the shared secret, peer-UID
// verification proves it's also running as the expected local user.
type PeerVerificationConfig struct {
	RequireSameUser bool
	AllowedUIDs     []uint32
}

// VerifyPeerCredentials checks conn's Unix-socket peer credentials against
// cfg. conn must be a *net.UnixConn; any other type is rejected.
func VerifyPeerCredentials(conn net.Conn, cfg PeerVerificationConfig) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.New("nanny: control connection is not a Unix domain socket")
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("nanny: get raw connection: %w", err)
	}

	var peerCreds *PeerCredentials
	var credErr error
	if err := rawConn.Control(func(fd uintptr) {
		peerCreds, credErr = getPeerCredentials(int(fd))
	}); err != nil {
		return fmt.Errorf("nanny: control connection fd: %w", err)
	}
	if credErr != nil {
		return fmt.Errorf("nanny: read peer credentials: %w", credErr)
	}

	if cfg.RequireSameUser && peerCreds.UID != uint32(os.Geteuid()) {
		return fmt.Errorf("nanny: peer uid %d does not match nanny uid %d", peerCreds.UID, os.Geteuid())
	}
	if len(cfg.AllowedUIDs) > 0 {
		allowed := false
		for _, uid := range cfg.AllowedUIDs {
			if peerCreds.UID == uid {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("nanny: peer uid %d is not in the allowed list", peerCreds.UID)
		}
	}
	return nil
}

// getPeerCredentials is implemented per platform: socket_security_linux.go
// (SO_PEERCRED) and socket_security_darwin.go (LOCAL_PEERCRED).
