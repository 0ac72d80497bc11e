// Package consumer drives a queue channel: receive, handle, then settle each
// message with ack, retry or dead-letter.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/weather-imagegen/api-go/internal/metrics"
	"github.com/example/weather-imagegen/api-go/internal/queue"
)

// Handler processes one message. A nil return acks it.
type Handler func(ctx context.Context, m *queue.Message) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the message is dead-lettered on
// first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Consumer struct {
	Queue       queue.Queue
	Channel     string
	Handler     Handler
	MaxAttempts int
	Concurrency int
	// TaskTimeout bounds one Handler call.
	TaskTimeout time.Duration
	// RetryDelay is multiplied by the attempt number and waited before a
	// failed message is made visible again.
	RetryDelay time.Duration
	Log        logrus.FieldLogger
	Metrics    *metrics.Metrics
}

// Run blocks until ctx is cancelled. It returns nil on a clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	n := c.Concurrency
	if n <= 0 {
		n = 1
	}
	c.Log.WithFields(logrus.Fields{"channel": c.Channel, "concurrency": n}).Info("consumer started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			c.loop(ctx)
			return nil
		})
	}
	err := g.Wait()
	c.Log.WithField("channel", c.Channel).Info("consumer stopped")
	return err
}

func (c *Consumer) loop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	for {
		m, err := c.Queue.Receive(ctx, c.Channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			c.Log.WithError(err).WithField("channel", c.Channel).Warnf("receive failed, retrying in %s", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		b.Reset()
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m *queue.Message) {
	log := c.Log.WithFields(logrus.Fields{
		"channel":    c.Channel,
		"message_id": m.ID,
		"attempt":    m.Attempts,
	})

	err := c.call(ctx, m)

	// settle even when shutting down so the message is not left invisible
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if err := c.Queue.Ack(sctx, m); err != nil {
			log.WithError(err).Error("ack failed")
		}
		c.Metrics.Task(c.Channel, metrics.OutcomeAck)

	case IsPermanent(err) || (c.MaxAttempts > 0 && m.Attempts >= c.MaxAttempts):
		log.WithError(err).Error("giving up on message")
		if err := c.Queue.DeadLetter(sctx, m, err.Error()); err != nil {
			log.WithError(err).Error("dead-letter failed")
		}
		c.Metrics.Task(c.Channel, metrics.OutcomeDeadLetter)

	default:
		log.WithError(err).Warn("message failed, will retry")
		sleep(ctx, c.RetryDelay*time.Duration(m.Attempts))
		if err := c.Queue.Nack(sctx, m); err != nil {
			log.WithError(err).Error("nack failed")
		}
		c.Metrics.Task(c.Channel, metrics.OutcomeRetry)
	}
}

// call runs the handler with the task timeout and turns a panic into an error.
func (c *Consumer) call(ctx context.Context, m *queue.Message) (err error) {
	if c.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.Handler(ctx, m)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
