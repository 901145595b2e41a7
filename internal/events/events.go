// ============================================================================
// Warlock Events - Supervisor Pub/Sub Table
// ============================================================================
//
// Package: internal/events
// File: events.go
// Purpose: event name → subscribers, owned by the supervisor reactor.
//
// Subscribers are anything that can take a delivery: a worker Task (sends an
// EVENT packet over its Connection) or a long-poll Waiter (hands the event to
// a blocked HTTP request). Fan-out does not care which.
//
// Filters:
//   A subscription may carry a filter object. An event is delivered only if
//   its data is an object holding every filter key with an equal value.
//
// ============================================================================

package events

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/ChuLiYu/warlock/pkg/types"
)

// Subscriber receives triggered events.
type Subscriber interface {
	Deliver(event string, data any, source string) error
}

type subscription struct {
	sub    Subscriber
	filter map[string]any
}

// Table 事件訂閱表（僅由 reactor 存取）
type Table struct {
	subs map[string]map[types.TaskID]subscription
	log  *slog.Logger
}

// NewTable 建立空的訂閱表
func NewTable(log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{subs: make(map[string]map[types.TaskID]subscription), log: log}
}

// Subscribe registers id for event. Subscribing again replaces the filter.
func (t *Table) Subscribe(id types.TaskID, event string, filter map[string]any, sub Subscriber) {
	m, ok := t.subs[event]
	if !ok {
		m = make(map[types.TaskID]subscription)
		t.subs[event] = m
	}
	m[id] = subscription{sub: sub, filter: filter}
}

// Unsubscribe removes id from event.
func (t *Table) Unsubscribe(id types.TaskID, event string) {
	m, ok := t.subs[event]
	if !ok {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(t.subs, event)
	}
}

// UnsubscribeAll removes id from every event.
func (t *Table) UnsubscribeAll(id types.TaskID) {
	for event := range t.subs {
		t.Unsubscribe(id, event)
	}
}

// Trigger delivers data to every subscriber of event except exclude and
// returns how many deliveries succeeded. Subscribers are visited in id order.
func (t *Table) Trigger(event string, data any, exclude types.TaskID, source string) int {
	m := t.subs[event]
	if len(m) == 0 {
		return 0
	}

	ids := make([]types.TaskID, 0, len(m))
	for id := range m {
		if id != exclude || exclude == "" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	delivered := 0
	for _, id := range ids {
		s := m[id]
		if !Matches(s.filter, data) {
			continue
		}
		if err := s.sub.Deliver(event, data, source); err != nil {
			if errors.Is(err, ErrWaiterDone) {
				continue
			}
			t.log.Warn("event delivery failed", "event", event, "subscriber", string(id), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns the ids subscribed to event, sorted.
func (t *Table) Subscribers(event string) []types.TaskID {
	out := make([]types.TaskID, 0, len(t.subs[event]))
	for id := range t.subs[event] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Events returns every event name with at least one subscriber, sorted.
func (t *Table) Events() []string {
	out := make([]string, 0, len(t.subs))
	for ev := range t.subs {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}

// Matches reports whether data satisfies filter. An empty filter matches
// everything; a non-empty filter needs object data.
func Matches(filter map[string]any, data any) bool {
	if len(filter) == 0 {
		return true
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return false
	}
	for k, want := range filter {
		got, ok := obj[k]
		if !ok || !equalValue(want, got) {
			return false
		}
	}
	return true
}

// equalValue compares JSON-ish values; scalars of different Go types (a
// query-string "3" against a decoded 3.0) compare by their printed form.
func equalValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if isScalar(a) && isScalar(b) {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int64, int32, uint, uint64, uint32:
		return true
	default:
		return false
	}
}
