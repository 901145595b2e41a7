// ============================================================================
// Warlock Service - Worker Runtime
// ============================================================================
//
// Package: internal/service
// File: service.go
// Purpose: The loop every worker process (local child or remote agent) runs.
//          A Service holds a Connection to the supervisor, a Scheduler and
//          the worker's event handlers; the task body plugs in through the
//          Body interface and optional capability interfaces.
//
// Run loop:
//   1. Init hook (optional), initial heartbeat, fire already-due entries
//   2. while status ∈ {RUNNING, SLEEP}:
//        body.Run → heartbeat if due → forced Sleep(0) if the body never slept
//   3. send STATUS with the final state
//
// Sleep(timeout) is the only suspension point. Each wait is bounded by the
// remaining timeout, the next heartbeat and the next schedule entry, and every
// wake re-checks the schedule table, so a callback is never late by more
// than one I/O wait.
//
// Failures inside the body, callbacks or handlers are recovered, logged with
// an "ERROR:" prefix and reported upstream as ERROR packets. The loop goes on.
//
// ============================================================================

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/warlock/internal/protocol"
	"github.com/ChuLiYu/warlock/internal/scheduler"
	"github.com/ChuLiYu/warlock/internal/transport"
	"github.com/ChuLiYu/warlock/pkg/types"
)

// ============================================================================
// Capabilities
// ============================================================================

// Body is the user code of a worker. Run is called once per loop iteration.
type Body interface {
	Run(s *Service) error
}

// BodyFunc adapts a function to Body.
type BodyFunc func(s *Service) error

func (f BodyFunc) Run(s *Service) error { return f(s) }

// Initializer is implemented by bodies that register schedules or
// subscriptions before the first iteration.
type Initializer interface {
	Init(s *Service) error
}

// CommandHandler receives packets the Service does not handle itself.
type CommandHandler interface {
	Handle(s *Service, pkt *protocol.Packet) error
}

// Canceller is notified when the supervisor requests cancellation.
type Canceller interface {
	Cancel(s *Service, grace time.Duration)
}

// EventHandler runs when a subscribed event is delivered.
type EventHandler func(s *Service, ev protocol.EventPayload) error

// ============================================================================
// Service
// ============================================================================

// maxWait caps a single Recv so context cancellation is noticed promptly.
const maxWait = time.Second

// Options configures a Service.
type Options struct {
	ID                types.TaskID
	Params            map[string]any
	HeartbeatInterval time.Duration // 0 disables periodic heartbeats
	Now               func() time.Time
	Logger            *slog.Logger
}

// Service is the worker-side runtime.
type Service struct {
	id     types.TaskID
	params map[string]any
	conn   transport.Connection
	body   Body
	sched  *scheduler.Scheduler
	subs   map[string]EventHandler
	now    func() time.Time
	log    *slog.Logger

	ctx           context.Context
	connErr       error
	status        types.Status
	message       string
	slept         bool
	heartbeatIvl  time.Duration
	lastHeartbeat time.Time
	heartbeats    int
	errors        int
}

// New builds a Service around conn and body. conn must already be connected.
func New(conn transport.Connection, body Body, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Params == nil {
		opts.Params = map[string]any{}
	}
	return &Service{
		id:           opts.ID,
		params:       opts.Params,
		conn:         conn,
		body:         body,
		sched:        scheduler.New(opts.Now),
		subs:         make(map[string]EventHandler),
		now:          opts.Now,
		log:          opts.Logger.With("task", string(opts.ID)),
		ctx:          context.Background(),
		status:       types.StatusInit,
		heartbeatIvl: opts.HeartbeatInterval,
	}
}

func (s *Service) ID() types.TaskID                { return s.id }
func (s *Service) Params() map[string]any          { return s.params }
func (s *Service) Status() types.Status            { return s.status }
func (s *Service) Heartbeats() int                 { return s.heartbeats }
func (s *Service) Scheduler() *scheduler.Scheduler { return s.sched }
func (s *Service) Errors() int                     { return s.errors }

// Alive reports whether the run loop continues.
func (s *Service) Alive() bool {
	return s.status == types.StatusRunning || s.status == types.StatusSleep
}

// Complete ends the run loop successfully after the current iteration.
func (s *Service) Complete() { s.stop(types.StatusComplete, "") }

// Fail ends the run loop with an error status.
func (s *Service) Fail(msg string) { s.stop(types.StatusError, msg) }

// Retry ends the run loop and asks the supervisor to retry with backoff.
func (s *Service) Retry(msg string) { s.stop(types.StatusRetry, msg) }

func (s *Service) stop(status types.Status, msg string) {
	if !s.Alive() {
		return
	}
	s.status = status
	s.message = msg
}

// ============================================================================
// Run loop
// ============================================================================

// Run executes the worker until it completes, fails, is cancelled, the
// connection drops or ctx is done. The final status is always reported.
func (s *Service) Run(ctx context.Context) error {
	s.ctx = ctx
	s.status = types.StatusRunning

	if init, ok := s.body.(Initializer); ok {
		if err := s.guard("init", func() error { return init.Init(s) }); err != nil {
			s.status = types.StatusError
			s.message = err.Error()
			s.sendStatus()
			return err
		}
	}

	s.Heartbeat()
	s.runDue()

	for s.Alive() {
		if ctx.Err() != nil {
			s.status = types.StatusCancelled
			break
		}
		s.slept = false
		s.guard("run", func() error { return s.body.Run(s) })
		s.maybeHeartbeat()

		if s.Alive() && !s.slept {
			s.Sleep(0)
		}
	}

	if s.connErr != nil {
		if errors.Is(s.connErr, transport.ErrClosed) {
			// supervisor is gone; nobody to report to
			s.log.Warn("connection closed, worker exiting")
		}
		return s.connErr
	}
	s.sendStatus()
	return nil
}

func (s *Service) sendStatus() {
	final := s.status
	if final == types.StatusCancelled {
		// cancellation acknowledged
		final = types.StatusComplete
	}
	if err := s.conn.Send(string(protocol.KindStatus), protocol.StatusPayload{Status: final.String(), Message: s.message}); err != nil {
		s.log.Warn("send final status failed", "error", err)
	}
}

// Sleep suspends the body for timeout while serving I/O, heartbeats and
// schedule entries. A zero timeout polls once without blocking.
func (s *Service) Sleep(timeout time.Duration) error {
	s.slept = true
	if s.status == types.StatusRunning {
		s.status = types.StatusSleep
		defer func() {
			if s.status == types.StatusSleep {
				s.status = types.StatusRunning
			}
		}()
	}

	deadline := s.now().Add(max(timeout, 0))
	s.runDue()
	s.maybeHeartbeat()

	for {
		pkt, err := s.conn.Recv(s.waitFor(deadline))
		if err != nil {
			s.connErr = err
			s.status = types.StatusError
			s.message = err.Error()
			return err
		}
		if pkt != nil {
			s.dispatch(pkt)
		}

		s.runDue()
		s.maybeHeartbeat()

		if s.ctx.Err() != nil && s.Alive() {
			s.status = types.StatusCancelled
		}
		if !s.Alive() || !s.now().Before(deadline) {
			return nil
		}
	}
}

// waitFor bounds the next Recv by the deadline, the heartbeat and the
// earliest schedule entry.
func (s *Service) waitFor(deadline time.Time) time.Duration {
	now := s.now()
	wait := deadline.Sub(now)
	if s.heartbeatIvl > 0 {
		wait = min(wait, s.lastHeartbeat.Add(s.heartbeatIvl).Sub(now))
	}
	if next, ok := s.sched.Next(); ok {
		wait = min(wait, next.Sub(now))
	}
	return min(max(wait, 0), maxWait)
}

func (s *Service) runDue() {
	s.sched.RunDue(func(e *scheduler.Entry) {
		if e.Callback == nil {
			return
		}
		s.guard(e.Kind.String()+" "+e.ID, func() error { return e.Callback(e.Params) })
	})
}

// guard runs fn, converting panics to errors and reporting any failure.
func (s *Service) guard(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", what, r)
			s.log.Debug("recovered panic", "stack", string(debug.Stack()))
		}
		if err != nil {
			s.ReportError(err)
		}
	}()
	return fn()
}

// ReportError logs err with an ERROR: prefix and sends it upstream.
func (s *Service) ReportError(err error) {
	s.errors++
	msg := "ERROR: " + err.Error()
	s.log.Error(msg)
	if sendErr := s.conn.Send(string(protocol.KindError), protocol.ErrorPayload{Message: msg}); sendErr != nil {
		s.log.Warn("report error failed", "error", sendErr)
	}
}

// ============================================================================
// Heartbeat
// ============================================================================

// Heartbeat sends a HEARTBEAT packet now.
func (s *Service) Heartbeat() {
	s.heartbeats++
	s.lastHeartbeat = s.now()
	hb := protocol.HeartbeatPayload{Status: s.status.String(), Heartbeats: s.heartbeats}
	if next, ok := s.sched.Next(); ok {
		hb.Next = float64(next.UnixMilli()) / 1000
	}
	if err := s.conn.Send(string(protocol.KindHeartbeat), hb); err != nil {
		s.log.Warn("heartbeat failed", "error", err)
	}
}

func (s *Service) maybeHeartbeat() {
	if s.heartbeatIvl <= 0 || !s.Alive() {
		return
	}
	if !s.now().Before(s.lastHeartbeat.Add(s.heartbeatIvl)) {
		s.Heartbeat()
	}
}

// ============================================================================
// Inbound dispatch
// ============================================================================

func (s *Service) dispatch(pkt *protocol.Packet) {
	msg, err := protocol.Parse(pkt)
	if err != nil {
		s.ReportError(fmt.Errorf("bad %s packet: %w", pkt.Command, err))
		return
	}

	switch m := msg.(type) {
	case protocol.EmptyPayload:
	case protocol.ErrorPayload:
		s.log.Warn("supervisor reported error", "message", m.Message)
	case protocol.EventPayload:
		h, ok := s.subs[m.Event]
		if !ok {
			s.log.Debug("event without handler", "event", m.Event)
			return
		}
		s.guard("event "+m.Event, func() error { return h(s, m) })
	case protocol.CancelPayload:
		grace := time.Duration(m.Grace * float64(time.Second))
		s.log.Info("cancel requested", "grace", grace)
		if c, ok := s.body.(Canceller); ok {
			s.guard("cancel", func() error { c.Cancel(s, grace); return nil })
		}
		if s.Alive() {
			s.status = types.StatusCancelled
		}
	default:
		h, ok := s.body.(CommandHandler)
		if !ok {
			s.log.Debug("unhandled command", "command", pkt.Command)
			return
		}
		s.guard("command "+pkt.Command, func() error { return h.Handle(s, pkt) })
	}
}

// ============================================================================
// Scheduling
// ============================================================================

// Delay runs cb once after d.
func (s *Service) Delay(d time.Duration, cb scheduler.Callback, params any) string {
	return s.sched.Delay(d, cb, params)
}

// Interval runs cb every d.
func (s *Service) Interval(d time.Duration, cb scheduler.Callback, params any) (string, error) {
	return s.sched.Interval(d, cb, params)
}

// Schedule runs cb once at the absolute time at.
func (s *Service) Schedule(at time.Time, cb scheduler.Callback, params any) string {
	return s.sched.Schedule(at, cb, params)
}

// Cron runs cb on a cron expression.
func (s *Service) Cron(expr string, cb scheduler.Callback, params any) (string, error) {
	return s.sched.Cron(expr, cb, params)
}

// CancelEntry removes a schedule entry.
func (s *Service) CancelEntry(id string) error {
	return s.sched.Cancel(id)
}

// ============================================================================
// Pub/Sub and logging over the wire
// ============================================================================

// Subscribe registers h for event and asks the supervisor to deliver it.
func (s *Service) Subscribe(event string, filter map[string]any, h EventHandler) error {
	s.subs[event] = h
	return s.conn.Send(string(protocol.KindSubscribe), protocol.SubscribePayload{Event: event, Filter: filter})
}

// Unsubscribe stops delivery of event.
func (s *Service) Unsubscribe(event string) error {
	delete(s.subs, event)
	return s.conn.Send(string(protocol.KindUnsubscribe), protocol.UnsubscribePayload{Event: event})
}

// Trigger fans event out to the other subscribers; echo also delivers it
// back to this worker.
func (s *Service) Trigger(event string, data any, echo bool) error {
	return s.conn.Send(string(protocol.KindTrigger), protocol.TriggerPayload{Event: event, Data: data, Echo: echo})
}

// Send writes an arbitrary command to the supervisor.
func (s *Service) Send(command string, payload any) error {
	return s.conn.Send(command, payload)
}

// Log writes msg locally and forwards it to the supervisor log.
func (s *Service) Log(level, msg string) {
	s.log.Info(msg, "level", level)
	if err := s.conn.Send(string(protocol.KindLog), protocol.LogPayload{Level: level, Message: msg}); err != nil {
		s.log.Warn("forward log failed", "error", err)
	}
}

// Debug forwards a debug line to the supervisor.
func (s *Service) Debug(msg string) {
	s.log.Debug(msg)
	if err := s.conn.Send(string(protocol.KindDebug), protocol.DebugPayload{Message: msg}); err != nil {
		s.log.Warn("forward debug failed", "error", err)
	}
}
