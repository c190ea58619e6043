// Package pubsub carries a room's event log between the processes serving
// that room.
//
// Durable messages form the log: every subscriber of a room receives them in
// one publish order and none is ever dropped. A bus that retains the log
// replays it to late subscribers, so a process joining a room rebuilds the
// same state as the processes already in it. Live messages are relayed to
// current subscribers only and are dropped for a subscriber that fell behind.
package pubsub

import (
	"context"
	"encoding/json"
)

// DefaultBuffer bounds the live messages queued per subscription.
const DefaultBuffer = 256

// Message is one entry published to a room.
type Message struct {
	Room string `json:"room"`
	// Live messages are never replayed and may be dropped.
	Live bool            `json:"live,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Subscription receives the messages published to one room.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Bus publishes and subscribes room messages.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, room string) (Subscription, error)
	Close() error
}

// Option configures a bus.
type Option func(*options)

type options struct {
	buffer  int
	replay  bool
	onDrop  func(room string)
	onError func(room string, err error)
}

// WithBuffer sets how many live messages may queue per subscription.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithReplay keeps each room's durable messages so later subscribers receive
// the whole log. RedisBus always replays.
func WithReplay() Option {
	return func(o *options) {
		o.replay = true
	}
}

// WithDropHook is called whenever a subscriber misses a message.
func WithDropHook(fn func(room string)) Option {
	return func(o *options) {
		o.onDrop = fn
	}
}

// WithErrorHook is called when the backend fails while following a room.
func WithErrorHook(fn func(room string, err error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) dropped(room string) {
	if o.onDrop != nil {
		o.onDrop(room)
	}
}

func (o options) failed(room string, err error) {
	if o.onError != nil {
		o.onError(room, err)
	}
}
