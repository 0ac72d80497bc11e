package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is a Queue kept in a single sqlite file. A received row stays in the
// table but is hidden until its visibility deadline passes, so a worker that
// dies mid-task has its message redelivered.
type SQLite struct {
	db         *sql.DB
	visibility time.Duration
	poll       time.Duration
}

var _ Queue = (*SQLite)(nil)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  channel TEXT NOT NULL,
  body BLOB NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  visible_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS messages_channel_visible ON messages (channel, visible_at)`,
	`
CREATE TABLE IF NOT EXISTS dead_letters (
  id TEXT PRIMARY KEY,
  channel TEXT NOT NULL,
  body BLOB NOT NULL,
  attempts INTEGER NOT NULL,
  reason TEXT NOT NULL,
  failed_at INTEGER NOT NULL
)`,
}

func OpenSQLite(path string, visibility time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serialises anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &SQLite{db: db, visibility: visibility, poll: 200 * time.Millisecond}, nil
}

func (q *SQLite) Close() error { return q.db.Close() }

func (q *SQLite) Send(ctx context.Context, channel string, body []byte) error {
	return q.SendBatch(ctx, channel, [][]byte{body})
}

func (q *SQLite) SendBatch(ctx context.Context, channel string, bodies [][]byte) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, b := range bodies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, channel, body, attempts, visible_at, created_at)
         VALUES (?, ?, ?, 0, ?, ?)`,
			uuid.NewString(), channel, b, now, now,
		); err != nil {
			return fmt.Errorf("sqlite send %s: %w", channel, err)
		}
	}
	return tx.Commit()
}

func (q *SQLite) claim(ctx context.Context, channel string) (*Message, error) {
	now := time.Now()
	row := q.db.QueryRowContext(ctx,
		`UPDATE messages
         SET visible_at = ?, attempts = attempts + 1
         WHERE id = (
           SELECT id FROM messages
           WHERE channel = ? AND visible_at <= ?
           ORDER BY rowid ASC
           LIMIT 1
         )
         RETURNING id, body, attempts`,
		now.Add(q.visibility).UnixMilli(), channel, now.UnixMilli(),
	)
	var (
		id       string
		body     []byte
		attempts int
	)
	if err := row.Scan(&id, &body, &attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &Message{
		ID:       id,
		Channel:  channel,
		Body:     body,
		Attempts: attempts,
	}, nil
}

func (q *SQLite) Receive(ctx context.Context, channel string) (*Message, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		m, err := q.claim(ctx, channel)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("sqlite receive %s: %w", channel, err)
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

// Ack deletes the row only if it was not redelivered since m was received;
// the attempts column doubles as the receipt.
func (q *SQLite) Ack(ctx context.Context, m *Message) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND attempts = ?`, m.ID, m.Attempts)
	if err != nil {
		return fmt.Errorf("sqlite ack %s: %w", m.ID, err)
	}
	return nil
}

func (q *SQLite) Nack(ctx context.Context, m *Message) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE messages SET visible_at = ? WHERE id = ? AND attempts = ?`,
		time.Now().UnixMilli(), m.ID, m.Attempts)
	if err != nil {
		return fmt.Errorf("sqlite nack %s: %w", m.ID, err)
	}
	return nil
}

func (q *SQLite) DeadLetter(ctx context.Context, m *Message, reason string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (id, channel, body, attempts, reason, failed_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Channel, m.Body, m.Attempts, reason, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("sqlite dead-letter %s: %w", m.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, m.ID); err != nil {
		return fmt.Errorf("sqlite dead-letter %s: %w", m.ID, err)
	}
	return tx.Commit()
}

// DeadLetters lists the parked messages of channel, oldest first.
func (q *SQLite) DeadLetters(ctx context.Context, channel string) ([]DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, channel, body, attempts, reason, failed_at
       FROM dead_letters WHERE channel = ? ORDER BY failed_at ASC`, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			d        DeadLetter
			failedMs int64
		)
		if err := rows.Scan(&d.ID, &d.Channel, &d.Body, &d.Attempts, &d.Reason, &failedMs); err != nil {
			return nil, err
		}
		d.FailedAt = time.UnixMilli(failedMs).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// Len returns the number of messages on channel that are not dead-lettered,
// visible or not.
func (q *SQLite) Len(ctx context.Context, channel string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel = ?`, channel).Scan(&n)
	return n, err
}
