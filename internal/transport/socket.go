// ============================================================================
// Warlock Transport - Socket
// ============================================================================
//
// Package: internal/transport
// File: socket.go
// Purpose: Connection over TCP wrapped in the hand-written WebSocket layer.
//
// Roles:
//   client (agent)       Dial → CreateHandshake → expect 101 → masked frames
//   server (supervisor)  Upgrade an accepted net.Conn → unmasked frames
//
// Each encoded packet travels as one text frame. Received payloads go through
// the same line splitter as Pipe, so leftover bytes are kept for the next Recv.
// Ping is answered with pong; close is echoed once and the socket torn down.
//
// ============================================================================

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/warlock/internal/protocol"
	"github.com/ChuLiYu/warlock/internal/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	readChunk        = 32 * 1024
)

// ErrNotDialable is returned by Connect on a server-side socket that was closed.
var ErrNotDialable = errors.New("transport: server-side socket cannot redial")

// DialConfig describes how an agent reaches the supervisor.
type DialConfig struct {
	Addr    string      // host:port
	Path    string      // upgrade path, e.g. /warlock
	Origin  string      // optional Origin header
	GUID    string      // sent as ?CID=; generated when empty
	Headers http.Header // extra headers, e.g. X-Warlock-Agent
}

// Socket is a WebSocket-framed Connection.
type Socket struct {
	guid   string
	client bool
	dial   DialConfig

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    net.Conn
	open    bool
	closing bool

	raw   []byte
	lines protocol.Splitter
	stats counters
}

// NewClient returns an unconnected client socket. Connect performs the dial
// and upgrade handshake.
func NewClient(cfg DialConfig) *Socket {
	if cfg.GUID == "" {
		cfg.GUID = uuid.NewString()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &Socket{guid: cfg.GUID, client: true, dial: cfg}
}

// Dial is NewClient followed by Connect.
func Dial(ctx context.Context, cfg DialConfig) (*Socket, error) {
	s := NewClient(cfg)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect dials the supervisor and performs the upgrade. It is a no-op on an
// already connected socket.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	if !s.client {
		return ErrNotDialable
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.dial.Addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", s.dial.Addr, err)
	}

	key, err := websocket.NewKey()
	if err != nil {
		conn.Close()
		return err
	}
	target := s.dial.Path + "?CID=" + url.QueryEscape(s.guid)
	req := websocket.CreateHandshake(target, s.dial.Addr, s.dial.Origin, key, s.dial.Headers)

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(handshakeTimeout))
	}
	if _, err := writeAll(conn, []byte(req)); err != nil {
		conn.Close()
		return err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	if err != nil {
		conn.Close()
		return fmt.Errorf("transport: read handshake response: %w", err)
	}
	if err := websocket.VerifyResponse(resp, key); err != nil {
		conn.Close()
		return err
	}
	conn.SetDeadline(time.Time{})

	s.raw = drainBuffered(br)
	s.conn = conn
	s.open = true
	s.closing = false
	return nil
}

// Upgrade performs the server half of the handshake on an accepted
// connection. On rejection the HTTP error response is written, conn is
// closed and a *websocket.HandshakeError returned.
func Upgrade(conn net.Conn, cfg websocket.ServerConfig) (*Socket, *http.Request, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("transport: read handshake: %w", err)
	}

	status, headers := websocket.Accept(req, cfg)
	if _, err := writeAll(conn, []byte(websocket.WriteResponse(status, headers))); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if status != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, req, websocket.Validate(req, cfg)
	}
	conn.SetDeadline(time.Time{})

	guid := req.URL.Query().Get("CID")
	if guid == "" {
		guid = uuid.NewString()
	}
	return &Socket{
		guid: guid,
		conn: conn,
		open: true,
		raw:  drainBuffered(br),
	}, req, nil
}

func drainBuffered(br *bufio.Reader) []byte {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	io.ReadFull(br, out)
	return out
}

// Disconnect sends a close frame (best effort) and closes the socket.
func (s *Socket) Disconnect() error {
	return s.teardown(true)
}

func (s *Socket) teardown(sendClose bool) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	conn := s.conn
	alreadyClosing := s.closing
	s.closing = true
	s.mu.Unlock()

	if sendClose && !alreadyClosing {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.writeFrame(websocket.ClosePayload(1000, "bye"), websocket.OpClose)
	}
	return conn.Close()
}

// Connected reports whether the socket is usable.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// GUID returns the peer identity (the CID query parameter).
func (s *Socket) GUID() string { return s.guid }

// Stats returns the byte and packet counters.
func (s *Socket) Stats() Stats { return s.stats.snapshot() }

// RemoteAddr returns the peer address, or "" when not connected.
func (s *Socket) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// Send frames one encoded packet as a text frame.
func (s *Socket) Send(command string, payload any) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	if err := s.writeFrame(protocol.Encode(command, payload), websocket.OpText); err != nil {
		s.teardown(false)
		return err
	}
	s.stats.packetsOut.Add(1)
	return nil
}

func (s *Socket) writeFrame(payload []byte, op websocket.Opcode) error {
	frame := websocket.Frame(payload, op, s.client)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := writeAll(s.conn, frame)
	s.stats.bytesOut.Add(uint64(n))
	return err
}

// Recv returns the next application packet, answering control frames on the
// way. It waits at most timeout.
func (s *Socket) Recv(timeout time.Duration) (*protocol.Packet, error) {
	// a deadline already in the past would skip the read entirely
	deadline := time.Now().Add(max(timeout, time.Millisecond))
	for {
		if line, ok := nextLine(&s.lines); ok {
			return s.decode(line)
		}

		// parse every complete frame already buffered
		progressed, err := s.parseFrames()
		if err != nil {
			return nil, err
		}
		if progressed {
			continue
		}

		if !s.Connected() {
			return nil, ErrClosed
		}
		if err := s.fill(deadline); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, nil
			}
			s.teardown(false)
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("transport: read: %w", err)
		}
	}
}

// parseFrames consumes buffered frames until an application payload was
// appended to the line buffer or more bytes are needed.
func (s *Socket) parseFrames() (bool, error) {
	for {
		frame, n, err := websocket.GetFrame(s.raw)
		if errors.Is(err, websocket.ErrEmpty) || errors.Is(err, websocket.ErrIncomplete) {
			return false, nil
		}
		if err != nil {
			s.teardown(true)
			return false, err
		}
		s.raw = s.raw[n:]
		if len(s.raw) == 0 {
			s.raw = nil
		}
		if !s.client && !frame.Masked {
			// RFC6455 5.1: the server must close on an unmasked client frame
			s.teardown(true)
			return false, fmt.Errorf("%w: unmasked %s frame from client", websocket.ErrProtocol, frame.Opcode)
		}

		switch frame.Opcode {
		case websocket.OpText, websocket.OpBinary:
			s.lines.Write(frame.Payload)
			return true, nil
		case websocket.OpPing:
			if err := s.writeFrame(frame.Payload, websocket.OpPong); err != nil {
				s.teardown(false)
				return false, err
			}
		case websocket.OpPong:
		case websocket.OpClose:
			s.mu.Lock()
			alreadyClosing := s.closing
			s.closing = true
			s.mu.Unlock()
			if !alreadyClosing {
				s.writeFrame(websocket.ClosePayload(websocket.CloseCode(frame.Payload), ""), websocket.OpClose)
			}
			s.teardown(false)
			return false, ErrClosed
		}
	}
}

func (s *Socket) fill(deadline time.Time) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	conn.SetReadDeadline(deadline)
	buf := make([]byte, readChunk)
	n, err := conn.Read(buf)
	if n > 0 {
		s.raw = append(s.raw, buf[:n]...)
		s.stats.bytesIn.Add(uint64(n))
		return nil
	}
	if err == nil {
		return io.EOF
	}
	return err
}

func (s *Socket) decode(line []byte) (*protocol.Packet, error) {
	pkt, err := decodeLine(line)
	if err != nil {
		s.teardown(true)
		return nil, err
	}
	s.stats.packetsIn.Add(1)
	return pkt, nil
}

// Ping sends a ping control frame.
func (s *Socket) Ping(payload []byte) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	return s.writeFrame(payload, websocket.OpPing)
}

var _ Connection = (*Socket)(nil)
