package events

import (
	"errors"
	"sync"
)

// ErrWaiterDone is returned when a Waiter already holds a delivery.
var ErrWaiterDone = errors.New("waiter already satisfied")

// Delivery is one event handed to a Waiter.
type Delivery struct {
	Event  string `json:"event"`
	Data   any    `json:"data"`
	Source string `json:"source,omitempty"`
}

// Waiter is a pseudo-subscriber for a blocked long-poll request: the first
// delivery completes it, later ones are refused.
type Waiter struct {
	ch   chan Delivery
	once sync.Once
}

// NewWaiter returns an empty Waiter.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan Delivery, 1)}
}

// Deliver implements Subscriber.
func (w *Waiter) Deliver(event string, data any, source string) error {
	err := ErrWaiterDone
	w.once.Do(func() {
		w.ch <- Delivery{Event: event, Data: data, Source: source}
		err = nil
	})
	return err
}

// C yields the delivery once it arrives.
func (w *Waiter) C() <-chan Delivery { return w.ch }
