package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warlock/internal/protocol"
	"github.com/ChuLiYu/warlock/internal/websocket"
)

// ============================================================================
// writeAll
// ============================================================================

// trickleWriter accepts at most `per` bytes per call.
type trickleWriter struct {
	per   int
	calls int
	got   []byte
}

func (w *trickleWriter) Write(p []byte) (int, error) {
	w.calls++
	n := min(w.per, len(p))
	w.got = append(w.got, p[:n]...)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestWriteAllSucceedsWithSteadyProgress(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	w := &trickleWriter{per: 10}

	n, err := writeAll(w, data)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.Equal(t, data, w.got)
	assert.LessOrEqual(t, w.calls, MaxWriteAttempts)
}

func TestWriteAllStuckWithoutProgress(t *testing.T) {
	w := &trickleWriter{per: 0}
	n, err := writeAll(w, make([]byte, 1000))
	assert.ErrorIs(t, err, ErrStuck)
	assert.Zero(t, n)
	assert.Equal(t, MaxWriteAttempts, w.calls)
}

func TestWriteAllStuckWhenTooSlow(t *testing.T) {
	w := &trickleWriter{per: 9}
	_, err := writeAll(w, make([]byte, 1000))
	assert.ErrorIs(t, err, ErrStuck)
}

func TestWriteAllFatalError(t *testing.T) {
	boom := errors.New("broken pipe")
	_, err := writeAll(failingWriter{err: boom}, []byte("x"))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrStuck)
}

// ============================================================================
// Pipe
// ============================================================================

// pipePair returns two connected Pipes, like a supervisor and its child.
func pipePair(t *testing.T) (*Pipe, *Pipe) {
	t.Helper()
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	parent := NewPipe("parent", r1, w2)
	child := NewPipe("child", r2, w1)
	require.NoError(t, parent.Connect(context.Background()))
	require.NoError(t, child.Connect(context.Background()))
	t.Cleanup(func() {
		parent.Disconnect()
		child.Disconnect()
	})
	return parent, child
}

func TestPipeSendRecv(t *testing.T) {
	parent, child := pipePair(t)

	go func() {
		child.Send("HEARTBEAT", protocol.HeartbeatPayload{Status: "running", Heartbeats: 1})
		child.Send("LOG", "hello")
	}()

	pkt, err := parent.Recv(time.Second)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, "HEARTBEAT", pkt.Command)

	pkt, err = parent.Recv(time.Second)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, "LOG", pkt.Command)

	assert.Equal(t, uint64(2), parent.Stats().PacketsIn)
	assert.Equal(t, uint64(2), child.Stats().PacketsOut)
	assert.Equal(t, "parent", parent.GUID())
}

func TestPipeRecvTimeout(t *testing.T) {
	parent, _ := pipePair(t)

	start := time.Now()
	pkt, err := parent.Recv(30 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, pkt)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	pkt, err = parent.Recv(0)
	assert.NoError(t, err)
	assert.Nil(t, pkt)
}

func TestPipeSplitsAndKeepsLeftover(t *testing.T) {
	r, w := io.Pipe()
	p := NewPipe("p", r, io.Discard)
	require.NoError(t, p.Connect(context.Background()))
	defer p.Disconnect()

	two := append(protocol.Encode("NOOP", nil), protocol.Encode("OK", nil)...)
	third := protocol.Encode("TRIGGER", map[string]any{"event": "tick"})
	go func() {
		w.Write(append(two, third[:5]...))
		time.Sleep(20 * time.Millisecond)
		w.Write(third[5:])
	}()

	var got []string
	for len(got) < 3 {
		pkt, err := p.Recv(time.Second)
		require.NoError(t, err)
		require.NotNil(t, pkt)
		got = append(got, pkt.Command)
	}
	assert.Equal(t, []string{"NOOP", "OK", "TRIGGER"}, got)
}

func TestPipeMalformedIsFatal(t *testing.T) {
	r, w := io.Pipe()
	p := NewPipe("p", r, io.Discard)
	require.NoError(t, p.Connect(context.Background()))

	go w.Write([]byte("not json\n"))

	pkt, err := p.Recv(time.Second)
	assert.Nil(t, pkt)
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	assert.False(t, p.Connected())
}

func TestPipePeerClose(t *testing.T) {
	parent, child := pipePair(t)
	child.Disconnect()

	pkt, err := parent.Recv(time.Second)
	assert.Nil(t, pkt)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, parent.Connected())
	assert.ErrorIs(t, parent.Send("NOOP", nil), ErrNotConnected)
}

// ============================================================================
// Socket
// ============================================================================

func startListener(t *testing.T) (*Listener, <-chan Accepted) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", websocket.ServerConfig{Path: "/warlock"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Accepted, 4)
	go ln.Serve(ctx, out)
	t.Cleanup(cancel)
	return ln, out
}

func waitAccepted(t *testing.T, out <-chan Accepted) Accepted {
	t.Helper()
	select {
	case a := <-out:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no agent accepted")
		return Accepted{}
	}
}

func TestSocketRoundTrip(t *testing.T) {
	ln, out := startListener(t)

	client, err := Dial(context.Background(), DialConfig{
		Addr:    ln.Addr().String(),
		Path:    "/warlock",
		GUID:    "agent-1",
		Headers: http.Header{"X-Warlock-Agent": []string{"clock"}},
	})
	require.NoError(t, err)
	defer client.Disconnect()

	acc := waitAccepted(t, out)
	server := acc.Socket
	defer server.Disconnect()
	assert.Equal(t, "agent-1", server.GUID())
	assert.Equal(t, "clock", acc.Request.Header.Get("X-Warlock-Agent"))

	require.NoError(t, client.Send("SUBSCRIBE", "tick"))
	pkt, err := server.Recv(time.Second)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, "SUBSCRIBE", pkt.Command)

	big := make([]byte, 70000)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, server.Send("EVENT", protocol.EventPayload{Event: "tick", Data: string(big)}))
	pkt, err = client.Recv(time.Second)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	var ev protocol.EventPayload
	require.NoError(t, pkt.Bind(&ev))
	assert.Len(t, ev.Data, 70000)

	pkt, err = server.Recv(20 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, pkt)
}

func TestSocketPeerCloseTearsDown(t *testing.T) {
	ln, out := startListener(t)

	client, err := Dial(context.Background(), DialConfig{Addr: ln.Addr().String(), Path: "/warlock"})
	require.NoError(t, err)
	server := waitAccepted(t, out).Socket
	assert.NotEmpty(t, server.GUID())

	require.NoError(t, client.Disconnect())

	pkt, err := server.Recv(time.Second)
	assert.Nil(t, pkt)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, server.Connected())
}

// rawClient 完成握手後回傳原始 TCP 連線，讓測試直接讀寫 frame
func rawClient(t *testing.T, ln *Listener) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	key, err := websocket.NewKey()
	require.NoError(t, err)
	_, err = conn.Write([]byte(websocket.CreateHandshake("/warlock?CID=raw", "localhost", "", key, nil)))
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	require.NoError(t, err)
	require.NoError(t, websocket.VerifyResponse(resp, key))
	return conn, br
}

func TestSocketAnswersPing(t *testing.T) {
	ln, out := startListener(t)

	// raw client so the pong can be inspected
	conn, br := rawClient(t, ln)
	server := waitAccepted(t, out).Socket
	defer server.Disconnect()

	_, err := conn.Write(websocket.Frame([]byte("are you there"), websocket.OpPing, true))
	require.NoError(t, err)

	pkt, err := server.Recv(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, pkt)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var raw []byte
	buf := make([]byte, 256)
	for {
		frame, _, ferr := websocket.GetFrame(raw)
		if ferr == nil {
			assert.Equal(t, websocket.OpPong, frame.Opcode)
			assert.False(t, frame.Masked)
			assert.Equal(t, "are you there", string(frame.Payload))
			return
		}
		n, rerr := br.Read(buf)
		require.NoError(t, rerr)
		raw = append(raw, buf[:n]...)
	}
}

func TestSocketRejectsUnmaskedClientFrame(t *testing.T) {
	ln, out := startListener(t)

	conn, _ := rawClient(t, ln)
	server := waitAccepted(t, out).Socket
	defer server.Disconnect()

	_, err := conn.Write(websocket.Frame(protocol.Encode("NOOP", nil), websocket.OpText, false))
	require.NoError(t, err)

	pkt, err := server.Recv(time.Second)
	assert.Nil(t, pkt)
	assert.ErrorIs(t, err, websocket.ErrProtocol)
	assert.False(t, server.Connected())
}

func TestSocketRejectedHandshake(t *testing.T) {
	ln, _ := startListener(t)

	_, err := Dial(context.Background(), DialConfig{Addr: ln.Addr().String(), Path: "/elsewhere"})
	var herr *websocket.HandshakeError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusNotFound, herr.Status)
}
