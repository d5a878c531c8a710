package procpool

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

// HMACAuth performs a 32-byte challenge/response handshake over an
// otherwise-plain connection, as an optional additional hardening layer
// alongside peer-credential verification. Kept on stdlib crypto/hmac and
// crypto/sha256: no third-party library in this codebase's dependency
// pack implements this exact challenge/response primitive.
type HMACAuth struct {
	secret []byte
}

// NewHMACAuth builds an HMACAuth from a pre-shared secret.
func NewHMACAuth(secret []byte) *HMACAuth {
	return &HMACAuth{secret: secret}
}

// GenerateSecret returns a fresh random 32-byte secret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("procpool: generate secret: %w", err)
	}
	return secret, nil
}

// AuthenticateClient performs the client side of the handshake: read the
// server's challenge, respond with its HMAC, and check the result byte.
func (h *HMACAuth) AuthenticateClient(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("procpool: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, 32)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return fmt.Errorf("procpool: read challenge: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	response := mac.Sum(nil)

	if _, err := conn.Write(response); err != nil {
		return fmt.Errorf("procpool: send response: %w", err)
	}

	result := make([]byte, 1)
	if _, err := io.ReadFull(conn, result); err != nil {
		return fmt.Errorf("procpool: read auth result: %w", err)
	}
	if result[0] != 1 {
		return fmt.Errorf("procpool: hmac authentication rejected")
	}
	return nil
}

// AuthenticateServer performs the server side of the handshake.
func (h *HMACAuth) AuthenticateServer(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("procpool: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("procpool: generate challenge: %w", err)
	}
	if _, err := conn.Write(challenge); err != nil {
		return fmt.Errorf("procpool: send challenge: %w", err)
	}

	response := make([]byte, 32)
	if _, err := io.ReadFull(conn, response); err != nil {
		return fmt.Errorf("procpool: read response: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	expected := mac.Sum(nil)

	if !hmac.Equal(response, expected) {
		_, _ = conn.Write([]byte{0})
		return fmt.Errorf("procpool: hmac verification failed")
	}

	if _, err := conn.Write([]byte{1}); err != nil {
		return fmt.Errorf("procpool: send auth success: %w", err)
	}
	return nil
}

// SecretFromString derives a 32-byte secret from an arbitrary string via
// SHA-256.
func SecretFromString(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

// SecretFromHex decodes a hex-encoded secret.
func SecretFromHex(hexStr string) ([]byte, error) {
	return hex.DecodeString(hexStr)
}
