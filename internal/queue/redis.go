package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Queue on Redis lists and a sorted set. For a channel c it uses
//
//	<prefix>c            pending (LPUSH in, RPOP out)
//	<prefix>c:inflight   delivered, not yet settled; scored by redelivery deadline (ms)
//	<prefix>c:attempts   hash of message id to delivery count
//	<prefix>c:dead       dead letters
//
// Values are JSON encoded redisEnvelope structs. Deliveries whose deadline
// passes without a settle go back to pending on the next Receive, so a
// crashed consumer loses nothing.
type Redis struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
}

var _ Queue = (*Redis)(nil)

type redisEnvelope struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`
}

// KEYS: pending, inflight. ARGV: max score.
const reapLua = `
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, raw in ipairs(expired) do
	redis.call('ZREM', KEYS[2], raw)
	redis.call('RPUSH', KEYS[1], raw)
end
return #expired
`

// KEYS: pending, inflight, attempts, dead. ARGV: deadline.
// Returns nil when pending is empty, {raw, 0} for a parked entry.
const claimLua = `
local raw = redis.call('RPOP', KEYS[1])
if not raw then
	return false
end
local ok, env = pcall(cjson.decode, raw)
if not ok or type(env) ~= 'table' or type(env.id) ~= 'string' then
	redis.call('LPUSH', KEYS[4], raw)
	return {raw, 0}
end
local n = redis.call('HINCRBY', KEYS[3], env.id, 1)
redis.call('ZADD', KEYS[2], ARGV[1], raw)
return {raw, n}
`

// KEYS: inflight, attempts, target. ARGV: raw, id, attempts, mode, payload.
// A settle from a delivery that was since redelivered is ignored.
const settleLua = `
if tonumber(redis.call('HGET', KEYS[2], ARGV[2])) ~= tonumber(ARGV[3]) then
	return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if ARGV[4] == 'nack' then
	redis.call('LPUSH', KEYS[3], ARGV[1])
	return 1
end
redis.call('HDEL', KEYS[2], ARGV[2])
if ARGV[4] == 'dead' then
	redis.call('LPUSH', KEYS[3], ARGV[5])
end
return 1
`

var (
	reapScript   = redis.NewScript(reapLua)
	claimScript  = redis.NewScript(claimLua)
	settleScript = redis.NewScript(settleLua)
)

// NewRedis returns a queue whose unsettled deliveries are redelivered after
// visibility (5m when zero).
func NewRedis(client *redis.Client, prefix string, visibility time.Duration) *Redis {
	if prefix == "" {
		prefix = "weather:"
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &Redis{
		client:     client,
		prefix:     prefix,
		visibility: visibility,
		poll:       200 * time.Millisecond,
		now:        time.Now,
	}
}

func (q *Redis) pendingKey(channel string) string  { return q.prefix + channel }
func (q *Redis) inflightKey(channel string) string { return q.prefix + channel + ":inflight" }
func (q *Redis) attemptsKey(channel string) string { return q.prefix + channel + ":attempts" }
func (q *Redis) deadKey(channel string) string     { return q.prefix + channel + ":dead" }

func (q *Redis) Send(ctx context.Context, channel string, body []byte) error {
	return q.SendBatch(ctx, channel, [][]byte{body})
}

// SendBatch pushes every body inside one MULTI/EXEC.
func (q *Redis) SendBatch(ctx context.Context, channel string, bodies [][]byte) error {
	values := make([]any, 0, len(bodies))
	for _, b := range bodies {
		raw, err := json.Marshal(redisEnvelope{ID: uuid.NewString(), Body: b})
		if err != nil {
			return err
		}
		values = append(values, string(raw))
	}
	if len(values) == 0 {
		return nil
	}
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, q.pendingKey(channel), values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis send %s: %w", channel, err)
	}
	return nil
}

func (q *Redis) Receive(ctx context.Context, channel string) (*Message, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		m, err := q.claim(ctx, channel)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis receive %s: %w", channel, err)
		}
		if m != nil {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Redis) claim(ctx context.Context, channel string) (*Message, error) {
	now := q.now()
	if _, err := q.reap(ctx, channel, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return nil, err
	}
	for {
		deadline := now.Add(q.visibility).UnixMilli()
		keys := []string{q.pendingKey(channel), q.inflightKey(channel), q.attemptsKey(channel), q.deadKey(channel)}
		res, err := claimScript.Run(ctx, q.client, keys, deadline).Slice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if len(res) != 2 {
			return nil, fmt.Errorf("unexpected claim result %v", res)
		}
		raw, _ := res[0].(string)
		attempts, _ := res[1].(int64)
		if attempts == 0 {
			// parked in the dead list; try the next entry
			continue
		}
		var env redisEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, err
		}
		return &Message{
			ID:       env.ID,
			Channel:  channel,
			Body:     env.Body,
			Attempts: int(attempts),
			receipt:  raw,
		}, nil
	}
}

func (q *Redis) reap(ctx context.Context, channel, maxScore string) (int, error) {
	keys := []string{q.pendingKey(channel), q.inflightKey(channel)}
	n, err := reapScript.Run(ctx, q.client, keys, maxScore).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (q *Redis) settle(ctx context.Context, m *Message, mode, target string, payload []byte) error {
	keys := []string{q.inflightKey(m.Channel), q.attemptsKey(m.Channel), target}
	return settleScript.Run(ctx, q.client, keys, m.receipt, m.ID, m.Attempts, mode, string(payload)).Err()
}

// Ack is a no-op when m was redelivered after its deadline passed.
func (q *Redis) Ack(ctx context.Context, m *Message) error {
	if err := q.settle(ctx, m, "ack", q.pendingKey(m.Channel), nil); err != nil {
		return fmt.Errorf("redis ack %s: %w", m.ID, err)
	}
	return nil
}

func (q *Redis) Nack(ctx context.Context, m *Message) error {
	if err := q.settle(ctx, m, "nack", q.pendingKey(m.Channel), nil); err != nil {
		return fmt.Errorf("redis nack %s: %w", m.ID, err)
	}
	return nil
}

func (q *Redis) DeadLetter(ctx context.Context, m *Message, reason string) error {
	data, err := json.Marshal(DeadLetter{
		ID:       m.ID,
		Channel:  m.Channel,
		Body:     m.Body,
		Attempts: m.Attempts,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := q.settle(ctx, m, "dead", q.deadKey(m.Channel), data); err != nil {
		return fmt.Errorf("redis dead-letter %s: %w", m.ID, err)
	}
	return nil
}

// Recover moves every unsettled delivery of channel back to pending without
// waiting for its deadline. Only call it when no other consumer of channel is
// running, e.g. at the start of a single worker deployment.
func (q *Redis) Recover(ctx context.Context, channel string) (int, error) {
	n, err := q.reap(ctx, channel, "+inf")
	if err != nil {
		return 0, fmt.Errorf("redis recover %s: %w", channel, err)
	}
	return n, nil
}

// Len returns the number of pending messages on channel.
func (q *Redis) Len(ctx context.Context, channel string) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey(channel)).Result()
}
