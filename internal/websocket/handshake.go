// ============================================================================
// Warlock WebSocket - Handshake
// ============================================================================
//
// Package: internal/websocket
// File: handshake.go
// Purpose: The subset of RFC6455 the Socket transport needs: the client
//          upgrade request, server-side validation and the accept key.
//
// Client request:
//   GET {path}?CID={guid} HTTP/1.1
//   Host / Connection: Upgrade / Upgrade: WebSocket
//   Sec-WebSocket-Key / Sec-WebSocket-Version: 13 / Sec-WebSocket-Protocol: warlock
//   + caller supplied headers (e.g. X-Warlock-Agent)
//
// Server validation (status codes):
//   400  not GET, missing/invalid Upgrade, Connection or Sec-WebSocket-Key
//   403  origin not allowed, or the warlock sub-protocol was not offered
//   404  request path does not match the configured path
//   426  Sec-WebSocket-Version is not 13
//   101  accepted
//
// ============================================================================

package websocket

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	// MagicGUID is appended to the client key before hashing (RFC6455 §1.3).
	MagicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	// Version is the only protocol version spoken.
	Version = "13"
	// Subprotocol is the fixed sub-protocol name negotiated by both peers.
	Subprotocol = "warlock"
)

// HandshakeError reports a rejected upgrade together with its HTTP status.
type HandshakeError struct {
	Status int
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket: handshake rejected (%d %s): %s", e.Status, http.StatusText(e.Status), e.Reason)
}

// ErrBadAccept is returned by VerifyResponse when the server's accept key is wrong.
var ErrBadAccept = errors.New("websocket: Sec-WebSocket-Accept mismatch")

// NewKey returns a random base64-encoded 16 byte nonce.
func NewKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("websocket: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// AcceptKey computes base64(sha1(key + MagicGUID)).
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(MagicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// CreateHandshake builds the raw HTTP/1.1 upgrade request. Extra headers are
// written in sorted order so the output is deterministic.
func CreateHandshake(path, host, origin, key string, extra http.Header) string {
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: WebSocket\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n", Version)
	fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", Subprotocol)
	if origin != "" {
		fmt.Fprintf(&b, "Origin: %s\r\n", origin)
	}

	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range extra[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", http.CanonicalHeaderKey(name), v)
		}
	}
	b.WriteString("\r\n")
	return b.String()
}

// ServerConfig controls which upgrade requests Accept allows.
type ServerConfig struct {
	Path           string   // Required request path; empty accepts any path
	AllowedOrigins []string // Empty allows every origin
}

// Accept validates an upgrade request. On success it returns 101 and the
// response headers to send; otherwise the rejection status and nil headers.
func Accept(r *http.Request, cfg ServerConfig) (int, http.Header) {
	status, _ := validate(r, cfg)
	if status != http.StatusSwitchingProtocols {
		return status, nil
	}
	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", AcceptKey(r.Header.Get("Sec-WebSocket-Key")))
	h.Set("Sec-WebSocket-Protocol", Subprotocol)
	return status, h
}

// Validate is Accept's error-returning form.
func Validate(r *http.Request, cfg ServerConfig) error {
	status, reason := validate(r, cfg)
	if status == http.StatusSwitchingProtocols {
		return nil
	}
	return &HandshakeError{Status: status, Reason: reason}
}

func validate(r *http.Request, cfg ServerConfig) (int, string) {
	if r.Method != http.MethodGet {
		return http.StatusBadRequest, "method must be GET"
	}
	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return http.StatusBadRequest, "missing Upgrade: websocket"
	}
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return http.StatusBadRequest, "missing Connection: Upgrade"
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return http.StatusBadRequest, "invalid Sec-WebSocket-Key"
	}
	if r.Header.Get("Sec-WebSocket-Version") != Version {
		return http.StatusUpgradeRequired, "unsupported Sec-WebSocket-Version"
	}
	if cfg.Path != "" && r.URL.Path != cfg.Path {
		return http.StatusNotFound, "unknown path " + r.URL.Path
	}
	if len(cfg.AllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowed := false
		for _, o := range cfg.AllowedOrigins {
			if strings.EqualFold(o, origin) {
				allowed = true
				break
			}
		}
		if !allowed {
			return http.StatusForbidden, "origin not allowed"
		}
	}
	if !headerContainsToken(r.Header, "Sec-WebSocket-Protocol", Subprotocol) {
		return http.StatusForbidden, "sub-protocol " + Subprotocol + " not offered"
	}
	return http.StatusSwitchingProtocols, ""
}

// WriteResponse renders the raw HTTP response for an Accept result.
func WriteResponse(status int, h http.Header) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if status == http.StatusUpgradeRequired {
		fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n", Version)
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range h[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	if status != http.StatusSwitchingProtocols {
		b.WriteString("Content-Length: 0\r\nConnection: close\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// VerifyResponse checks the server's reply to a client handshake.
func VerifyResponse(resp *http.Response, key string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return &HandshakeError{Status: resp.StatusCode, Reason: "server did not switch protocols"}
	}
	if !headerContainsToken(resp.Header, "Upgrade", "websocket") {
		return &HandshakeError{Status: http.StatusBadRequest, Reason: "response missing Upgrade: websocket"}
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != AcceptKey(key) {
		return ErrBadAccept
	}
	if p := resp.Header.Get("Sec-WebSocket-Protocol"); p != "" && p != Subprotocol {
		return &HandshakeError{Status: http.StatusForbidden, Reason: "server negotiated " + p}
	}
	return nil
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
