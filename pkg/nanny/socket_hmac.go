package nanny

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"
)

// HMACAuth authenticates a child process on its control socket, so a
// stray process that discovers the socket path can't inject control
// messages or intercept proxied connections.
type HMACAuth struct {
	secret []byte
}

// NewHMACAuth constructs an HMACAuth from a shared secret.
func NewHMACAuth(secret []byte) *HMACAuth {
	return &HMACAuth{secret: secret}
}

// GenerateSecret returns a fresh random per-run secret, used when
// SecurityConfig.SecretHex is left empty.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("nanny: generate secret: %w", err)
	}
	return secret, nil
}

// AuthenticateClient runs the child side of the challenge/response
// handshake over conn.
func (h *HMACAuth) AuthenticateClient(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("nanny: set auth deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, 32)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return fmt.Errorf("nanny: read challenge: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	response := mac.Sum(nil)

	if _, err := conn.Write(response); err != nil {
		return fmt.Errorf("nanny: send response: %w", err)
	}

	result := make([]byte, 1)
	if _, err := io.ReadFull(conn, result); err != nil {
		return fmt.Errorf("nanny: read auth result: %w", err)
	}
	if result[0] != 1 {
		return fmt.Errorf("nanny: authentication rejected")
	}
	return nil
}

// AuthenticateServer runs the nanny side of the challenge/response
// handshake over conn.
func (h *HMACAuth) AuthenticateServer(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("nanny: set auth deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("nanny: generate challenge: %w", err)
	}
	if _, err := conn.Write(challenge); err != nil {
		return fmt.Errorf("nanny: send challenge: %w", err)
	}

	response := make([]byte, 32)
	if _, err := io.ReadFull(conn, response); err != nil {
		return fmt.Errorf("nanny: read response: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	expected := mac.Sum(nil)

	if !hmac.Equal(response, expected) {
		conn.Write([]byte{0})
		return fmt.Errorf("nanny: HMAC verification failed")
	}
	if _, err := conn.Write([]byte{1}); err != nil {
		return fmt.Errorf("nanny: send auth success: %w", err)
	}
	return nil
}

// HMACListener wraps a net.Listener, authenticating every accepted
// connection before handing it back to the caller.
type HMACListener struct {
	net.Listener
	auth *HMACAuth
}

// NewHMACListener wraps listener with HMAC authentication under secret.
func NewHMACListener(listener net.Listener, secret []byte) *HMACListener {
	return &HMACListener{Listener: listener, auth: NewHMACAuth(secret)}
}

// Accept accepts a connection and authenticates it before returning.
func (l *HMACListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if err := l.auth.AuthenticateServer(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("nanny: authentication failed: %w", err)
	}
	return conn, nil
}

// DialControlSocket dials a control socket and authenticates with secret,
// the way a spawned child connects back to its nanny.
func DialControlSocket(network, address string, secret []byte) (net.Conn, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	if err := NewHMACAuth(secret).AuthenticateClient(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("nanny: authentication failed: %w", err)
	}
	return conn, nil
}

// SecretFromString derives a fixed-length secret from an arbitrary string.
func SecretFromString(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

// SecretFromHex decodes a hex-encoded secret, as configured via
// SecurityConfig.SecretHex.
func SecretFromHex(hexStr string) ([]byte, error) {
	return hex.DecodeString(hexStr)
}
