// ============================================================================
// Warlock Wire Protocol - Packet Codec
// ============================================================================
//
// Package: internal/protocol
// File: protocol.go
// Purpose: Turns a (command, payload) pair into one newline-terminated text
//          frame and back. Shared by the Pipe and Socket transports.
//
// Wire Format:
//   ["COMMAND", <payload JSON>, <unix seconds as float>]\n
//
//   - command: non-empty string (built-in kinds are upper case, see kinds.go)
//   - payload: any JSON value; unserializable payloads are encoded as null
//   - timestamp: seconds since epoch with microsecond precision
//
// Streaming:
//   The codec is stateless. Several packets may share one byte stream; the
//   caller splits on '\n' (see Splitter) and hands each line to Decode.
//
// ============================================================================

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Delimiter terminates every encoded packet.
const Delimiter = '\n'

// ErrMalformed is returned by Decode for truncated or structurally invalid lines.
var ErrMalformed = errors.New("protocol: malformed packet")

// Packet is the unit of wire transfer. Packets are never mutated after decoding.
type Packet struct {
	Command   string          // Command name
	Payload   json.RawMessage // Raw JSON payload ("null" when absent)
	Timestamp float64         // Sender clock, unix seconds
}

// Encode serializes a packet stamped with the current time.
func Encode(command string, payload any) []byte {
	return EncodeAt(command, payload, time.Now())
}

// EncodeAt serializes a packet with an explicit timestamp. It never fails:
// a payload that cannot be marshalled is sent as null.
func EncodeAt(command string, payload any, at time.Time) []byte {
	raw := marshalPayload(payload)
	ts := float64(at.UnixMicro()) / 1e6

	cmd, _ := json.Marshal(command)
	stamp, err := json.Marshal(ts)
	if err != nil {
		stamp = []byte("0")
	}

	var buf bytes.Buffer
	buf.Grow(len(cmd) + len(raw) + len(stamp) + 5)
	buf.WriteByte('[')
	buf.Write(cmd)
	buf.WriteByte(',')
	buf.Write(raw)
	buf.WriteByte(',')
	buf.Write(stamp)
	buf.WriteByte(']')
	buf.WriteByte(Delimiter)
	return buf.Bytes()
}

func marshalPayload(payload any) []byte {
	if payload == nil {
		return []byte("null")
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 || !json.Valid(raw) {
			return []byte("null")
		}
		return compact(raw)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return []byte("null")
	}
	return b
}

func compact(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return []byte("null")
	}
	return buf.Bytes()
}

// Decode parses one line (with or without the trailing delimiter).
// The input slice is not retained or modified.
func Decode(line []byte) (*Packet, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, ErrMalformed
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(line, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want 3 elements, got %d", ErrMalformed, len(parts))
	}

	var command string
	if err := json.Unmarshal(parts[0], &command); err != nil || command == "" {
		return nil, fmt.Errorf("%w: command must be a non-empty string", ErrMalformed)
	}

	var ts float64
	if err := json.Unmarshal(parts[2], &ts); err != nil || math.IsNaN(ts) {
		return nil, fmt.Errorf("%w: timestamp must be a number", ErrMalformed)
	}

	payload := make(json.RawMessage, len(parts[1]))
	copy(payload, parts[1])

	return &Packet{Command: command, Payload: payload, Timestamp: ts}, nil
}

// Bind decodes the payload into v.
func (p *Packet) Bind(v any) error {
	if p == nil || len(p.Payload) == 0 {
		return ErrMalformed
	}
	return json.Unmarshal(p.Payload, v)
}

// Time converts the packet timestamp back into a time.Time.
func (p *Packet) Time() time.Time {
	sec, frac := math.Modf(p.Timestamp)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}

// Kind classifies the packet command.
func (p *Packet) Kind() Kind {
	return KindOf(p.Command)
}

// IsNull reports whether the payload is absent or JSON null.
func (p *Packet) IsNull() bool {
	return len(p.Payload) == 0 || bytes.Equal(bytes.TrimSpace(p.Payload), []byte("null"))
}

// ============================================================================
// Stream Splitting
// ============================================================================

// Splitter accumulates stream bytes and yields complete lines. Bytes after the
// last delimiter are kept for the next call.
type Splitter struct {
	buf []byte
}

// Write appends raw stream bytes.
func (s *Splitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Next returns the next complete line without its delimiter, or false if no
// full line is buffered yet.
func (s *Splitter) Next() ([]byte, bool) {
	i := bytes.IndexByte(s.buf, Delimiter)
	if i < 0 {
		return nil, false
	}
	line := make([]byte, i)
	copy(line, s.buf[:i])
	s.buf = s.buf[i+1:]
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return line, true
}

// Buffered returns the number of bytes waiting for a delimiter.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}
