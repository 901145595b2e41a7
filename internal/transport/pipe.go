// ============================================================================
// Warlock Transport - Pipe
// ============================================================================
//
// Package: internal/transport
// File: pipe.go
// Purpose: Connection over a pair of byte streams. The supervisor side reads
//          a child's stdout and writes its stdin; the worker side reads
//          os.Stdin and writes os.Stdout.
//
// A background reader goroutine moves raw chunks into a channel so Recv can
// wait on data and a timer together (the select-style readiness wait).
//
// ============================================================================

package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/warlock/internal/protocol"
)

const pipeChunk = 32 * 1024

type chunk struct {
	data []byte
	err  error
}

// Pipe is a newline-delimited Connection over an io.Reader/io.Writer pair.
type Pipe struct {
	guid string
	r    io.Reader
	w    io.Writer

	writeMu sync.Mutex
	mu      sync.Mutex
	open    bool
	closed  bool
	started bool
	chunks  chan chunk
	done    chan struct{}

	lines protocol.Splitter
	stats counters
}

// NewPipe wraps r and w. Connect must be called before use.
func NewPipe(guid string, r io.Reader, w io.Writer) *Pipe {
	return &Pipe{
		guid:   guid,
		r:      r,
		w:      w,
		chunks: make(chan chunk, 16),
		done:   make(chan struct{}),
	}
}

// Connect starts the reader goroutine. Calling it twice is a no-op.
func (p *Pipe) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.open {
		return nil
	}
	p.open = true
	if !p.started {
		p.started = true
		go p.readLoop()
	}
	return nil
}

func (p *Pipe) readLoop() {
	for {
		buf := make([]byte, pipeChunk)
		n, err := p.r.Read(buf)
		if n > 0 {
			select {
			case p.chunks <- chunk{data: buf[:n]}:
			case <-p.done:
				return
			}
		}
		if err != nil {
			select {
			case p.chunks <- chunk{err: err}:
			case <-p.done:
			}
			return
		}
	}
}

// Disconnect closes both streams if they are closers and stops the reader.
func (p *Pipe) Disconnect() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.open = false
	close(p.done)
	p.mu.Unlock()

	var err error
	if c, ok := p.w.(io.Closer); ok {
		err = c.Close()
	}
	if c, ok := p.r.(io.Closer); ok {
		c.Close()
	}
	return err
}

// Connected reports whether the pipe is usable.
func (p *Pipe) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open && !p.closed
}

// GUID returns the peer identity.
func (p *Pipe) GUID() string { return p.guid }

// Stats returns the byte and packet counters.
func (p *Pipe) Stats() Stats { return p.stats.snapshot() }

// Send writes one encoded packet.
func (p *Pipe) Send(command string, payload any) error {
	if !p.Connected() {
		return ErrNotConnected
	}
	data := protocol.Encode(command, payload)

	p.writeMu.Lock()
	n, err := writeAll(p.w, data)
	p.writeMu.Unlock()

	p.stats.bytesOut.Add(uint64(n))
	if err != nil {
		p.Disconnect()
		return err
	}
	p.stats.packetsOut.Add(1)
	return nil
}

// Recv returns the next packet, waiting at most timeout. A timeout of zero
// only drains what has already arrived.
func (p *Pipe) Recv(timeout time.Duration) (*protocol.Packet, error) {
	if line, ok := nextLine(&p.lines); ok {
		return p.decode(line)
	}
	if !p.Connected() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()
	for {
		select {
		case c := <-p.chunks:
			if pkt, done, err := p.consume(c); done {
				return pkt, err
			}
		case <-timer.C:
			// pick up anything that raced with the timer
			for {
				select {
				case c := <-p.chunks:
					if pkt, done, err := p.consume(c); done {
						return pkt, err
					}
				default:
					return nil, nil
				}
			}
		case <-p.done:
			return nil, ErrClosed
		}
	}
}

// consume feeds one chunk into the line buffer. done is true when Recv
// should return (a packet or an error).
func (p *Pipe) consume(c chunk) (*protocol.Packet, bool, error) {
	if c.err != nil {
		p.Disconnect()
		if errors.Is(c.err, io.EOF) || errors.Is(c.err, io.ErrClosedPipe) || errors.Is(c.err, os.ErrClosed) {
			return nil, true, ErrClosed
		}
		return nil, true, c.err
	}
	p.stats.bytesIn.Add(uint64(len(c.data)))
	p.lines.Write(c.data)
	if line, ok := nextLine(&p.lines); ok {
		pkt, err := p.decode(line)
		return pkt, true, err
	}
	return nil, false, nil
}

func (p *Pipe) decode(line []byte) (*protocol.Packet, error) {
	pkt, err := decodeLine(line)
	if err != nil {
		p.Disconnect()
		return nil, err
	}
	p.stats.packetsIn.Add(1)
	return pkt, nil
}

var _ Connection = (*Pipe)(nil)
