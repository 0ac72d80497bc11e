package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseQueue runs the behaviour every adapter must share.
func exerciseQueue(t *testing.T, q Queue) {
	t.Run("fifo batch", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, q.SendBatch(ctx, "fifo", [][]byte{[]byte("a"), []byte("b"), []byte("c")}))

		var got []string
		for i := 0; i < 3; i++ {
			m := receive(t, q, "fifo")
			assert.Equal(t, 1, m.Attempts)
			assert.Equal(t, "fifo", m.Channel)
			got = append(got, string(m.Body))
			require.NoError(t, q.Ack(ctx, m))
		}
		assert.Equal(t, []string{"a", "b", "c"}, got)
		assertEmpty(t, q, "fifo")
	})

	t.Run("channels are isolated", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, q.Send(ctx, "left", []byte("l")))
		require.NoError(t, q.Send(ctx, "right", []byte("r")))

		m := receive(t, q, "right")
		assert.Equal(t, "r", string(m.Body))
		require.NoError(t, q.Ack(ctx, m))

		m = receive(t, q, "left")
		assert.Equal(t, "l", string(m.Body))
		require.NoError(t, q.Ack(ctx, m))
	})

	t.Run("nack redelivers with attempts bumped", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, q.Send(ctx, "retry", []byte("x")))

		first := receive(t, q, "retry")
		assert.Equal(t, 1, first.Attempts)
		require.NoError(t, q.Nack(ctx, first))

		second := receive(t, q, "retry")
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 2, second.Attempts)
		assert.Equal(t, "x", string(second.Body))
		require.NoError(t, q.Ack(ctx, second))
		assertEmpty(t, q, "retry")
	})

	t.Run("dead letter removes the message", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, q.Send(ctx, "poison", []byte("bad")))
		m := receive(t, q, "poison")
		require.NoError(t, q.DeadLetter(ctx, m, "malformed"))
		assertEmpty(t, q, "poison")
	})

	t.Run("receive honours context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := q.Receive(ctx, "nothing-here")
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}

func receive(t *testing.T, q Queue, channel string) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := q.Receive(ctx, channel)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

func assertEmpty(t *testing.T, q Queue, channel string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	m, err := q.Receive(ctx, channel)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
