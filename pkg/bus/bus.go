// Package bus is an at-least-once message bus with topic fan-out, delayed
// delivery, visibility timeouts and a dead-letter store.
//
// Publishing to a topic enqueues one copy of the message on every queue bound
// to that topic. A binding may carry a delivery delay. Consumers receive from
// a queue, and each delivery must be acked, nacked (retry later), postponed
// (retry later without consuming an attempt) or dead-lettered. A delivery that
// is not settled within the visibility timeout becomes visible again.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus closed")

	// ErrUnknownDelivery indicates the delivery was already settled or its
	// visibility timeout expired and it was handed to another consumer.
	ErrUnknownDelivery = errors.New("unknown or expired delivery")

	// ErrNoBinding indicates a publish to a topic with no bound queue.
	ErrNoBinding = errors.New("topic has no bound queues")
)

// Envelope is a message as stored on a queue.
type Envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	PublishedAt time.Time       `json:"published_at"`
}

// Delivery is a received envelope plus the state needed to settle it.
type Delivery struct {
	Envelope

	// Attempt counts deliveries of this message, starting at 1. Postponed
	// deliveries do not count.
	Attempt int

	receipt string
}

// Decode unmarshals the payload into v.
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", d.Topic, err))
	}
	return nil
}

// DeadLetter is a message that will not be retried.
type DeadLetter struct {
	Envelope
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Binding routes a topic to a queue, optionally delaying delivery.
type Binding struct {
	Topic string
	Queue string
	Delay time.Duration
}

func (b Binding) validate() error {
	if strings.TrimSpace(b.Topic) == "" || strings.TrimSpace(b.Queue) == "" {
		return errors.New("binding requires topic and queue")
	}
	if b.Delay < 0 {
		return errors.New("binding delay must not be negative")
	}
	return nil
}

// PublishOption adjusts a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	delay time.Duration
	id    string
}

// WithDelay postpones delivery by d on top of any binding delay.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithMessageID sets the envelope id instead of generating one.
func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) {
		o.id = id
	}
}

// Publisher sends messages.
type Publisher interface {
	// Publish fans msg out to every queue bound to topic.
	Publish(ctx context.Context, topic string, msg any, opts ...PublishOption) error
	// Enqueue puts msg directly on queue, bypassing bindings.
	Enqueue(ctx context.Context, queue, topic string, msg any, opts ...PublishOption) error
}

// Bus is the full transport contract.
type Bus interface {
	Publisher

	Bind(b Binding) error

	// Receive blocks until a delivery is visible on queue or ctx is done.
	Receive(ctx context.Context, queue string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack makes d visible again after delay; the attempt counts.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	// Postpone makes d visible again after delay without consuming an attempt.
	Postpone(ctx context.Context, d *Delivery, delay time.Duration) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error

	DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error)
	// Depth reports the number of messages on queue, visible or not.
	Depth(ctx context.Context, queue string) (int, error)

	Close() error
}

func applyOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func marshalPayload(msg any) (json.RawMessage, error) {
	switch v := msg.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return b, nil
}

func newID() string {
	return uuid.NewString()
}

func newReceipt() string {
	return uuid.NewString()
}

// routes resolves the queues and delays for a publish.
type routes map[string][]Binding

func (r routes) add(b Binding) {
	for i, existing := range r[b.Topic] {
		if existing.Queue == b.Queue {
			r[b.Topic][i] = b
			return
		}
	}
	r[b.Topic] = append(r[b.Topic], b)
}
