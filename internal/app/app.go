// Package app assembles the service from a Config. Both binaries share it.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/example/weather-imagegen/api-go/internal/background"
	"github.com/example/weather-imagegen/api-go/internal/blob"
	"github.com/example/weather-imagegen/api-go/internal/compose"
	"github.com/example/weather-imagegen/api-go/internal/config"
	"github.com/example/weather-imagegen/api-go/internal/consumer"
	"github.com/example/weather-imagegen/api-go/internal/httpapi"
	"github.com/example/weather-imagegen/api-go/internal/jobs"
	"github.com/example/weather-imagegen/api-go/internal/metrics"
	"github.com/example/weather-imagegen/api-go/internal/model"
	"github.com/example/weather-imagegen/api-go/internal/queue"
	"github.com/example/weather-imagegen/api-go/internal/upstream"
)

type App struct {
	Config       config.Config
	Log          *logrus.Logger
	Metrics      *metrics.Metrics
	Queue        queue.Queue
	Artifacts    blob.Store
	Cache        blob.Store
	Photos       *upstream.PhotoClient
	Orchestrator *jobs.Orchestrator
	Worker       *jobs.Worker
	Query        jobs.Query

	// LocalFS containers served under /files; nil for MinIO.
	files   map[string]blob.LocalFS
	closers []func() error
}

// New wires every component. Storage and queue connections are opened here,
// so a bad endpoint fails before the process accepts work.
func New(ctx context.Context, cfg config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.New()}

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.openQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}

	httpClient := upstream.NewClient(upstream.ClientOptions{
		Timeout:  cfg.HTTPTimeout,
		RetryMax: cfg.HTTPRetries,
		Logger:   log,
	})
	feed := &upstream.FeedClient{HTTP: httpClient, URL: cfg.FeedURL}
	a.Photos = &upstream.PhotoClient{HTTP: httpClient, BaseURL: cfg.PhotoAPIURL, APIKey: cfg.PhotoAPIKey}

	cache, err := background.New(a.Cache, a.Photos, cfg.CacheLRUSize, log, a.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	composer, err := compose.New()
	if err != nil {
		a.Close()
		return nil, err
	}

	tracker := jobs.Tracker{Artifacts: a.Artifacts}
	a.Orchestrator = &jobs.Orchestrator{
		Queue:      a.Queue,
		Feed:       feed,
		Tracker:    tracker,
		StationCap: cfg.StationCap,
		Log:        log,
		Metrics:    a.Metrics,
	}
	a.Worker = &jobs.Worker{
		Backgrounds: cache,
		Composer:    composer,
		Artifacts:   a.Artifacts,
		Log:         log,
	}
	a.Query = jobs.Query{Tracker: tracker, Artifacts: a.Artifacts, LinkTTL: cfg.SignedURLTTL}
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config
	conn := config.ParseConnectionString(cfg.StorageConnection)

	switch cfg.StorageBackend {
	case config.StorageMinIO:
		mc := blob.MinIOConfigFromConnection(conn)
		artifacts, err := blob.NewMinIO(ctx, mc, cfg.OutputContainer)
		if err != nil {
			return err
		}
		cache, err := blob.NewMinIO(ctx, mc, cfg.CacheContainer)
		if err != nil {
			return err
		}
		a.Artifacts, a.Cache = artifacts, cache

	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("mkdir data dir: %w", err)
		}
		signer := blob.Signer{Secret: []byte(conn["secret"])}
		artifacts := blob.LocalFS{Root: cfg.DataDir, Container: cfg.OutputContainer, Signer: signer, BaseURL: cfg.BaseURL}
		cache := blob.LocalFS{Root: cfg.DataDir, Container: cfg.CacheContainer, Signer: signer, BaseURL: cfg.BaseURL}
		a.Artifacts, a.Cache = artifacts, cache
		a.files = map[string]blob.LocalFS{artifacts.Container: artifacts}
	}
	return nil
}

func (a *App) openQueue(ctx context.Context) error {
	cfg := a.Config
	switch cfg.QueueBackend {
	case config.QueueRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		a.Queue = queue.NewRedis(client, cfg.QueuePrefix, cfg.VisibilityTimeout)
		a.closers = append(a.closers, client.Close)

	case config.QueueSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("mkdir data dir: %w", err)
		}
		q, err := queue.OpenSQLite(filepath.Join(cfg.DataDir, "queue.db"), cfg.VisibilityTimeout)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		a.Queue = q
		a.closers = append(a.closers, q.Close)

	default:
		a.Queue = queue.NewMemory()
	}
	return nil
}

// Server returns the HTTP surface.
func (a *App) Server() httpapi.Server {
	return httpapi.Server{
		Jobs:    a.Orchestrator,
		Query:   a.Query,
		Photos:  a.Photos,
		Files:   a.files,
		Log:     a.Log,
		Metrics: a.Metrics,
	}
}

// Consumers returns the job-start and image-process consumers.
func (a *App) Consumers() []*consumer.Consumer {
	cfg := a.Config
	mk := func(channel string, h consumer.Handler, concurrency int) *consumer.Consumer {
		return &consumer.Consumer{
			Queue:       a.Queue,
			Channel:     channel,
			Handler:     h,
			MaxAttempts: cfg.MaxAttempts,
			Concurrency: concurrency,
			TaskTimeout: cfg.TaskTimeout,
			RetryDelay:  time.Second,
			Log:         a.Log,
			Metrics:     a.Metrics,
		}
	}
	return []*consumer.Consumer{
		mk(model.ChannelJobStart, jobs.JobStartHandler(a.Orchestrator), 1),
		mk(model.ChannelImageProcess, jobs.ImageTaskHandler(a.Worker), cfg.WorkerConcurrency),
	}
}

// RunConsumers blocks until ctx is done.
func (a *App) RunConsumers(ctx context.Context) error {
	if rq, ok := a.Queue.(*queue.Redis); ok && a.Config.RecoverOnStart {
		for _, ch := range []string{model.ChannelJobStart, model.ChannelImageProcess} {
			n, err := rq.Recover(ctx, ch)
			if err != nil {
				return err
			}
			if n > 0 {
				a.Log.WithFields(logrus.Fields{"channel": ch, "requeued": n}).Warn("requeued unsettled deliveries")
			}
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range a.Consumers() {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
