// ============================================================================
// Warlock WebSocket - Framing
// ============================================================================
//
// Package: internal/websocket
// File: frame.go
// Purpose: Encode and decode single, unfragmented RFC6455 frames.
//
// Frame layout:
//   byte 0   FIN(1) RSV(3) OPCODE(4)
//   byte 1   MASK(1) LEN(7)          LEN 126 → 16 bit length, 127 → 64 bit
//   [ext]    extended length (big endian)
//   [mask]   4 byte masking key when MASK is set
//   payload  XOR'd with mask[i%4] when masked
//
// Clients mask every frame; servers never do. An empty masked payload
// carries the key "    " (spaces) since there is nothing to XOR.
// Fragmentation is not supported: a frame without FIN is reported as
// ErrFragmented.
//
// ============================================================================

package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Opcode identifies the frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(o))
	}
}

// IsControl reports whether the opcode is a control frame (close/ping/pong).
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

func (o Opcode) valid() bool {
	switch o {
	case OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

var (
	// ErrEmpty means the buffer held no bytes at all.
	ErrEmpty = errors.New("websocket: empty buffer")
	// ErrIncomplete means the buffer holds a partial frame; read more and retry.
	ErrIncomplete = errors.New("websocket: incomplete frame")
	// ErrProtocol covers reserved bits, unknown opcodes and oversized control frames.
	ErrProtocol = errors.New("websocket: protocol error")
	// ErrFragmented is returned for frames without FIN or continuation frames.
	ErrFragmented = errors.New("websocket: fragmented frames are not supported")
)

// maxControlPayload is the RFC6455 limit for close/ping/pong payloads.
const maxControlPayload = 125

// emptyMaskKey is sent with zero-length masked payloads.
var emptyMaskKey = [4]byte{' ', ' ', ' ', ' '}

// Frame encodes payload as one final frame. When masked is true a random
// 4 byte key is generated and the payload is XOR'd with it.
func Frame(payload []byte, op Opcode, masked bool) []byte {
	var key [4]byte
	switch {
	case masked && len(payload) == 0:
		key = emptyMaskKey
	case masked:
		if _, err := rand.Read(key[:]); err != nil {
			// crypto/rand does not fail on supported platforms
			panic(fmt.Sprintf("websocket: mask key: %v", err))
		}
	}
	return frameWithKey(payload, op, masked, key)
}

func frameWithKey(payload []byte, op Opcode, masked bool, key [4]byte) []byte {
	n := len(payload)
	header := 2
	switch {
	case n > math.MaxUint16:
		header += 8
	case n > 125:
		header += 2
	}
	if masked {
		header += 4
	}

	out := make([]byte, header+n)
	out[0] = 0x80 | byte(op&0x0F)
	var maskBit byte
	if masked {
		maskBit = 0x80
	}

	pos := 2
	switch {
	case n > math.MaxUint16:
		out[1] = maskBit | 127
		binary.BigEndian.PutUint64(out[2:], uint64(n))
		pos += 8
	case n > 125:
		out[1] = maskBit | 126
		binary.BigEndian.PutUint16(out[2:], uint16(n))
		pos += 2
	default:
		out[1] = maskBit | byte(n)
	}

	if masked {
		copy(out[pos:], key[:])
		pos += 4
		for i, b := range payload {
			out[pos+i] = b ^ key[i%4]
		}
	} else {
		copy(out[pos:], payload)
	}
	return out
}

// Decoded is one parsed frame.
type Decoded struct {
	Opcode  Opcode
	Payload []byte
	Masked  bool
}

// GetFrame parses the first frame in buf. It returns the frame and the
// number of bytes consumed. The payload never aliases buf.
//
// ErrEmpty and ErrIncomplete both mean "read more"; any other error means
// the stream is unusable.
func GetFrame(buf []byte) (*Decoded, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrEmpty
	}
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}

	b0, b1 := buf[0], buf[1]
	fin := b0&0x80 != 0
	if b0&0x70 != 0 {
		return nil, 0, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}
	op := Opcode(b0 & 0x0F)
	if op == OpContinuation {
		return nil, 0, ErrFragmented
	}
	if !op.valid() {
		return nil, 0, fmt.Errorf("%w: unknown %s", ErrProtocol, op)
	}
	if !fin {
		return nil, 0, ErrFragmented
	}

	masked := b1&0x80 != 0
	length := uint64(b1 & 0x7F)
	pos := 2
	switch length {
	case 126:
		if len(buf) < pos+2 {
			return nil, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
	case 127:
		if len(buf) < pos+8 {
			return nil, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(buf[pos:])
		if length&(1<<63) != 0 {
			return nil, 0, fmt.Errorf("%w: 64 bit length has top bit set", ErrProtocol)
		}
		pos += 8
	}
	if op.IsControl() && length > maxControlPayload {
		return nil, 0, fmt.Errorf("%w: %s payload of %d bytes", ErrProtocol, op, length)
	}

	var key [4]byte
	if masked {
		if len(buf) < pos+4 {
			return nil, 0, ErrIncomplete
		}
		copy(key[:], buf[pos:pos+4])
		pos += 4
	}
	if uint64(len(buf)-pos) < length {
		return nil, 0, ErrIncomplete
	}

	end := pos + int(length)
	payload := make([]byte, length)
	copy(payload, buf[pos:end])
	if masked {
		for i := range payload {
			payload[i] ^= key[i%4]
		}
	}
	return &Decoded{Opcode: op, Payload: payload, Masked: masked}, end, nil
}

// CloseCode extracts the status code from a close payload (1005 when absent).
func CloseCode(payload []byte) uint16 {
	if len(payload) < 2 {
		return 1005
	}
	return binary.BigEndian.Uint16(payload)
}

// ClosePayload builds a close payload carrying code and an optional reason.
func ClosePayload(code uint16, reason string) []byte {
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	out := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(out, code)
	copy(out[2:], reason)
	return out
}
