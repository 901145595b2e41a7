package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies a command on the wire.
type Kind string

const (
	KindNoop        Kind = "NOOP"        // Keep-alive, no effect
	KindOK          Kind = "OK"          // Positive acknowledgement
	KindError       Kind = "ERROR"       // Failure report from either peer
	KindSubscribe   Kind = "SUBSCRIBE"   // Worker -> supervisor: listen to an event
	KindUnsubscribe Kind = "UNSUBSCRIBE" // Worker -> supervisor: stop listening
	KindTrigger     Kind = "TRIGGER"     // Worker -> supervisor: fan an event out
	KindLog         Kind = "LOG"         // Worker -> supervisor: log line
	KindDebug       Kind = "DEBUG"       // Worker -> supervisor: debug line
	KindHeartbeat   Kind = "HEARTBEAT"   // Worker -> supervisor: liveness + status
	KindStatus      Kind = "STATUS"      // Worker -> supervisor: final status on exit
	KindCancel      Kind = "CANCEL"      // Supervisor -> worker: cooperative shutdown
	KindEvent       Kind = "EVENT"       // Supervisor -> worker: subscribed event delivery
	KindCustom      Kind = ""            // Anything else, forwarded to the general handler
)

var builtinKinds = map[Kind]bool{
	KindNoop: true, KindOK: true, KindError: true, KindSubscribe: true,
	KindUnsubscribe: true, KindTrigger: true, KindLog: true, KindDebug: true,
	KindHeartbeat: true, KindStatus: true, KindCancel: true, KindEvent: true,
}

// KindOf maps a command string to its Kind. Matching is case-insensitive.
func KindOf(command string) Kind {
	k := Kind(strings.ToUpper(command))
	if builtinKinds[k] {
		return k
	}
	return KindCustom
}

// Builtin reports whether the command is handled generically by every task.
func (k Kind) Builtin() bool {
	return builtinKinds[k]
}

// ============================================================================
// Typed Payloads
// ============================================================================

// Message is a validated, typed command payload.
type Message interface {
	Kind() Kind
}

// SubscribePayload asks the supervisor to deliver Event to the sender.
// Filter, when set, restricts delivery to events whose object data contains
// every key/value in it.
type SubscribePayload struct {
	Event  string         `json:"event"`
	Filter map[string]any `json:"filter,omitempty"`
}

// UnsubscribePayload removes a subscription.
type UnsubscribePayload struct {
	Event string `json:"event"`
}

// TriggerPayload fans Data out to every subscriber of Event. Echo controls
// whether the triggering task receives its own event.
type TriggerPayload struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Echo  bool   `json:"echo,omitempty"`
}

// LogPayload carries a worker log line.
type LogPayload struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// DebugPayload carries a worker debug line.
type DebugPayload struct {
	Message string `json:"message"`
}

// HeartbeatPayload proves liveness and mirrors the worker-side status.
type HeartbeatPayload struct {
	Status     string  `json:"status"`
	Heartbeats int     `json:"heartbeats"`
	Next       float64 `json:"next,omitempty"` // unix seconds of the next scheduled wake-up
}

// StatusPayload is sent once by a worker before it exits.
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// CancelPayload requests cooperative shutdown within Grace seconds.
type CancelPayload struct {
	Grace float64 `json:"grace"`
}

// EventPayload delivers a triggered event to a subscriber.
type EventPayload struct {
	Event  string `json:"event"`
	Data   any    `json:"data,omitempty"`
	Source string `json:"source,omitempty"`
}

// ErrorPayload describes a failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// EmptyPayload is used for NOOP and OK.
type EmptyPayload struct {
	kind Kind
}

// CustomPayload wraps a command that is not a built-in kind.
type CustomPayload struct {
	Command string
	Raw     json.RawMessage
}

func (SubscribePayload) Kind() Kind   { return KindSubscribe }
func (UnsubscribePayload) Kind() Kind { return KindUnsubscribe }
func (TriggerPayload) Kind() Kind     { return KindTrigger }
func (LogPayload) Kind() Kind         { return KindLog }
func (DebugPayload) Kind() Kind       { return KindDebug }
func (HeartbeatPayload) Kind() Kind   { return KindHeartbeat }
func (StatusPayload) Kind() Kind      { return KindStatus }
func (CancelPayload) Kind() Kind      { return KindCancel }
func (EventPayload) Kind() Kind       { return KindEvent }
func (ErrorPayload) Kind() Kind       { return KindError }
func (e EmptyPayload) Kind() Kind     { return e.kind }
func (CustomPayload) Kind() Kind      { return KindCustom }

// Parse validates the packet payload against its command kind and returns
// the typed message. Errors wrap ErrMalformed.
func Parse(p *Packet) (Message, error) {
	if p == nil {
		return nil, ErrMalformed
	}
	kind := p.Kind()
	switch kind {
	case KindNoop, KindOK:
		return EmptyPayload{kind: kind}, nil

	case KindSubscribe:
		var m SubscribePayload
		if err := bindObjectOrString(p, &m, &m.Event); err != nil {
			return nil, err
		}
		if err := requireEvent(kind, m.Event); err != nil {
			return nil, err
		}
		return m, nil

	case KindUnsubscribe:
		var m UnsubscribePayload
		if err := bindObjectOrString(p, &m, &m.Event); err != nil {
			return nil, err
		}
		if err := requireEvent(kind, m.Event); err != nil {
			return nil, err
		}
		return m, nil

	case KindTrigger:
		var m TriggerPayload
		if err := bind(p, &m); err != nil {
			return nil, err
		}
		if err := requireEvent(kind, m.Event); err != nil {
			return nil, err
		}
		return m, nil

	case KindEvent:
		var m EventPayload
		if err := bind(p, &m); err != nil {
			return nil, err
		}
		if err := requireEvent(kind, m.Event); err != nil {
			return nil, err
		}
		return m, nil

	case KindLog:
		var m LogPayload
		if err := bindObjectOrString(p, &m, &m.Message); err != nil {
			return nil, err
		}
		return m, nil

	case KindDebug:
		var m DebugPayload
		if err := bindObjectOrString(p, &m, &m.Message); err != nil {
			return nil, err
		}
		return m, nil

	case KindError:
		var m ErrorPayload
		if err := bindObjectOrString(p, &m, &m.Message); err != nil {
			return nil, err
		}
		return m, nil

	case KindHeartbeat:
		var m HeartbeatPayload
		if !p.IsNull() {
			if err := bind(p, &m); err != nil {
				return nil, err
			}
		}
		return m, nil

	case KindStatus:
		var m StatusPayload
		if err := bindObjectOrString(p, &m, &m.Status); err != nil {
			return nil, err
		}
		if m.Status == "" {
			return nil, fmt.Errorf("%w: STATUS requires a status", ErrMalformed)
		}
		return m, nil

	case KindCancel:
		var m CancelPayload
		if !p.IsNull() {
			if err := bind(p, &m); err != nil {
				return nil, err
			}
		}
		if m.Grace < 0 {
			return nil, fmt.Errorf("%w: negative grace", ErrMalformed)
		}
		return m, nil

	default:
		return CustomPayload{Command: p.Command, Raw: p.Payload}, nil
	}
}

func bind(p *Packet, v any) error {
	if err := p.Bind(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, p.Command, err)
	}
	return nil
}

// bindObjectOrString accepts either the full object or a bare string that
// fills the primary field (e.g. ["SUBSCRIBE","jobs.done",ts]).
func bindObjectOrString(p *Packet, v any, primary *string) error {
	var s string
	if err := json.Unmarshal(p.Payload, &s); err == nil {
		*primary = s
		return nil
	}
	return bind(p, v)
}

func requireEvent(kind Kind, event string) error {
	if strings.TrimSpace(event) == "" {
		return fmt.Errorf("%w: %s requires an event name", ErrMalformed, kind)
	}
	return nil
}
