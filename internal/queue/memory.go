package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type envelope struct {
	id       string
	body     []byte
	attempts int
}

type memChannel struct {
	items  []envelope
	signal chan struct{}
}

// Memory is an unbounded in-process Queue. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	channels map[string]*memChannel
	inflight map[string]envelope
	dead     map[string][]DeadLetter
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		channels: map[string]*memChannel{},
		inflight: map[string]envelope{},
		dead:     map[string][]DeadLetter{},
	}
}

// channel must be called with mu held.
func (q *Memory) channel(name string) *memChannel {
	ch, ok := q.channels[name]
	if !ok {
		ch = &memChannel{signal: make(chan struct{}, 1)}
		q.channels[name] = ch
	}
	return ch
}

func notify(ch *memChannel) {
	select {
	case ch.signal <- struct{}{}:
	default:
	}
}

func (q *Memory) push(channel string, envs ...envelope) {
	q.mu.Lock()
	ch := q.channel(channel)
	ch.items = append(ch.items, envs...)
	q.mu.Unlock()
	notify(ch)
}

func (q *Memory) Send(ctx context.Context, channel string, body []byte) error {
	return q.SendBatch(ctx, channel, [][]byte{body})
}

func (q *Memory) SendBatch(ctx context.Context, channel string, bodies [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	envs := make([]envelope, 0, len(bodies))
	for _, b := range bodies {
		envs = append(envs, envelope{id: uuid.NewString(), body: append([]byte(nil), b...)})
	}
	q.push(channel, envs...)
	return nil
}

func (q *Memory) Receive(ctx context.Context, channel string) (*Message, error) {
	for {
		q.mu.Lock()
		ch := q.channel(channel)
		if len(ch.items) > 0 {
			env := ch.items[0]
			ch.items = ch.items[1:]
			remaining := len(ch.items)
			env.attempts++
			q.inflight[env.id] = env
			q.mu.Unlock()
			if remaining > 0 {
				notify(ch)
			}
			return &Message{ID: env.id, Channel: channel, Body: env.body, Attempts: env.attempts}, nil
		}
		q.mu.Unlock()

		select {
		case <-ch.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Memory) settle(m *Message) (envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	env, ok := q.inflight[m.ID]
	if !ok {
		return envelope{}, fmt.Errorf("message %s is not in flight", m.ID)
	}
	delete(q.inflight, m.ID)
	return env, nil
}

func (q *Memory) Ack(_ context.Context, m *Message) error {
	_, err := q.settle(m)
	return err
}

func (q *Memory) Nack(_ context.Context, m *Message) error {
	env, err := q.settle(m)
	if err != nil {
		return err
	}
	q.push(m.Channel, env)
	return nil
}

func (q *Memory) DeadLetter(_ context.Context, m *Message, reason string) error {
	env, err := q.settle(m)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.dead[m.Channel] = append(q.dead[m.Channel], DeadLetter{
		ID:       env.id,
		Channel:  m.Channel,
		Body:     env.body,
		Attempts: env.attempts,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	q.mu.Unlock()
	return nil
}

// Len returns the number of messages waiting on channel.
func (q *Memory) Len(channel string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.channel(channel).items)
}

func (q *Memory) DeadLetters(channel string) []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead[channel]...)
}
