// ============================================================================
// Warlock Transport - Connection contract
// ============================================================================
//
// Package: internal/transport
// File: transport.go
// Purpose: The Connection abstraction a Task talks through, plus the write
//          discipline every implementation shares.
//
// Implementations:
//   Pipe    local child process (stdin/stdout)
//   Socket  remote agent over a WebSocket-upgraded TCP connection
//
// Recv contract:
//   (*Packet, nil)   one decoded packet
//   (nil, nil)       timeout, nothing complete arrived
//   (nil, err)       ErrClosed (peer went away) or a fatal stream error;
//                    the connection is torn down and must not be reused
//
// ============================================================================

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/warlock/internal/protocol"
)

// MaxWriteAttempts caps partial-write retries before a stream is declared stuck.
const MaxWriteAttempts = 100

var (
	// ErrStuck is returned when MaxWriteAttempts writes did not drain the buffer.
	ErrStuck = errors.New("transport: stream stuck, write made no progress")
	// ErrClosed means the peer closed the stream or Disconnect was called.
	ErrClosed = errors.New("transport: connection closed")
	// ErrNotConnected is returned by Send/Recv before Connect.
	ErrNotConnected = errors.New("transport: not connected")
)

// Connection 是 Task 與其 worker 之間的傳輸通道
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Send(command string, payload any) error
	Recv(timeout time.Duration) (*protocol.Packet, error)
	GUID() string
	Stats() Stats
}

// Stats 傳輸計數
type Stats struct {
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	PacketsIn  uint64 `json:"packets_in"`
	PacketsOut uint64 `json:"packets_out"`
}

type counters struct {
	bytesIn, bytesOut, packetsIn, packetsOut atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
		PacketsIn:  c.packetsIn.Load(),
		PacketsOut: c.packetsOut.Load(),
	}
}

// writeAll writes data, retrying short writes up to MaxWriteAttempts times.
// A short write (n < len with a nil error, io.ErrShortWrite or a timeout)
// counts as one attempt; any other error is fatal immediately.
func writeAll(w io.Writer, data []byte) (int, error) {
	written := 0
	for attempt := 0; attempt < MaxWriteAttempts; attempt++ {
		n, err := w.Write(data[written:])
		if n > 0 {
			written += n
		}
		if written >= len(data) {
			return written, nil
		}
		if err != nil && !retryable(err) {
			return written, fmt.Errorf("transport: write: %w", err)
		}
	}
	return written, fmt.Errorf("%w: %d of %d bytes after %d attempts", ErrStuck, written, len(data), MaxWriteAttempts)
}

func retryable(err error) bool {
	if errors.Is(err, io.ErrShortWrite) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// decodeLine turns one delimited line into a packet. Decode failures are
// fatal for the stream.
func decodeLine(line []byte) (*protocol.Packet, error) {
	pkt, err := protocol.Decode(line)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return pkt, nil
}

// nextLine pops the next non-blank line.
func nextLine(s *protocol.Splitter) ([]byte, bool) {
	for {
		line, ok := s.Next()
		if !ok {
			return nil, false
		}
		if len(bytes.TrimSpace(line)) > 0 {
			return line, true
		}
	}
}
