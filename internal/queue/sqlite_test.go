package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T, visibility time.Duration) *SQLite {
	t.Helper()
	q, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), visibility)
	require.NoError(t, err)
	q.poll = 10 * time.Millisecond
	t.Cleanup(func() { q.Close() })
	return q
}

func TestSQLiteQueue(t *testing.T) {
	exerciseQueue(t, openSQLite(t, time.Minute))
}

func TestSQLiteRedeliversAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q := openSQLite(t, 50*time.Millisecond)
	require.NoError(t, q.Send(ctx, "c", []byte("x")))

	first := receive(t, q, "c")
	// never settled: simulates a crashed worker
	second := receive(t, q, "c")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)

	// the stale delivery can no longer settle the message
	require.NoError(t, q.Ack(ctx, first))
	n, err := q.Len(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Ack(ctx, second))
	n, err = q.Len(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := openSQLite(t, time.Minute)
	require.NoError(t, q.Send(ctx, "c", []byte("bad")))
	m := receive(t, q, "c")
	require.NoError(t, q.DeadLetter(ctx, m, "malformed payload"))

	dl, err := q.DeadLetters(ctx, "c")
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, m.ID, dl[0].ID)
	assert.Equal(t, "malformed payload", dl[0].Reason)
	assert.Equal(t, []byte("bad"), dl[0].Body)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := OpenSQLite(path, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.SendBatch(ctx, "c", [][]byte{[]byte("1"), []byte("2")}))
	require.NoError(t, q.Close())

	q, err = OpenSQLite(path, time.Minute)
	require.NoError(t, err)
	defer q.Close()
	q.poll = 10 * time.Millisecond

	m := receive(t, q, "c")
	assert.Equal(t, "1", string(m.Body))
}
