package queue

import (
	"context"
	"time"
)

// Message is one delivery of a queued body. Attempts counts deliveries,
// including this one.
type Message struct {
	ID       string
	Channel  string
	Body     []byte
	Attempts int

	receipt string
}

// DeadLetter is a message the consumer gave up on.
type DeadLetter struct {
	ID       string    `json:"id"`
	Channel  string    `json:"channel"`
	Body     []byte    `json:"body"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// Queue delivers text messages on named channels at least once. A received
// message must be settled with exactly one of Ack, Nack or DeadLetter.
type Queue interface {
	Send(ctx context.Context, channel string, body []byte) error
	// SendBatch enqueues all bodies or returns an error; adapters that can
	// do so make the batch atomic.
	SendBatch(ctx context.Context, channel string, bodies [][]byte) error
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context, channel string) (*Message, error)
	Ack(ctx context.Context, m *Message) error
	// Nack makes the message visible again for redelivery.
	Nack(ctx context.Context, m *Message) error
	DeadLetter(ctx context.Context, m *Message, reason string) error
}
