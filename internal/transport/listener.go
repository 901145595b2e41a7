package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/ChuLiYu/warlock/internal/websocket"
)

// Accepted is one upgraded agent connection.
type Accepted struct {
	Socket  *Socket
	Request *http.Request
}

// Listener accepts agent connections and upgrades them.
type Listener struct {
	ln  net.Listener
	cfg websocket.ServerConfig
	log *slog.Logger
}

// Listen binds addr. Use port 0 to pick a free port (see Addr).
func Listen(addr string, cfg websocket.ServerConfig, log *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{ln: ln, cfg: cfg, log: log}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts until ctx is cancelled or the listener is closed, delivering
// upgraded sockets on out. Rejected handshakes are logged and skipped; each
// handshake runs in its own goroutine so a slow client cannot block others.
func (l *Listener) Serve(ctx context.Context, out chan<- Accepted) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}

		go func(conn net.Conn) {
			sock, req, err := Upgrade(conn, l.cfg)
			if err != nil {
				l.log.Warn("agent handshake rejected", "remote", conn.RemoteAddr().String(), "error", err)
				return
			}
			select {
			case out <- Accepted{Socket: sock, Request: req}:
			case <-ctx.Done():
				sock.Disconnect()
			}
		}(conn)
	}
}
