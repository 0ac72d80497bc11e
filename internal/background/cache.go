// Package background resolves a weather description to a background photo,
// reusing earlier downloads so the photo API quota is spent once per
// description.
package background

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/example/weather-imagegen/api-go/internal/blob"
	"github.com/example/weather-imagegen/api-go/internal/metrics"
	"github.com/example/weather-imagegen/api-go/internal/model"
)

// Photos is the slice of the photo API the cache needs.
type Photos interface {
	SearchLarge(ctx context.Context, query string) (string, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Slug maps a description to its cache key: lower-cased, every single
// space replaced by an underscore, with a .jpg suffix. Runs of spaces are
// not collapsed, so "a  b" and "a b" are different keys.
func Slug(description string) string {
	return strings.ReplaceAll(strings.ToLower(description), " ", "_") + ".jpg"
}

// Cache keeps downloaded backgrounds in a blob container, optionally fronted
// by a small in-process LRU. Concurrent misses for one slug both fetch and
// both write; the last write wins and either copy is acceptable.
type Cache struct {
	store   blob.Store
	photos  Photos
	local   *lru.Cache[string, []byte]
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// New builds a Cache. localSize <= 0 disables the in-process LRU.
func New(store blob.Store, photos Photos, localSize int, log logrus.FieldLogger, m *metrics.Metrics) (*Cache, error) {
	c := &Cache{store: store, photos: photos, log: log, metrics: m}
	if localSize > 0 {
		l, err := lru.New[string, []byte](localSize)
		if err != nil {
			return nil, fmt.Errorf("background lru: %w", err)
		}
		c.local = l
	}
	return c, nil
}

// GetOrFetch returns the background bytes for description.
func (c *Cache) GetOrFetch(ctx context.Context, description string) ([]byte, error) {
	slug := Slug(description)
	log := c.log.WithField("slug", slug)

	if c.local != nil {
		if data, ok := c.local.Get(slug); ok {
			c.metrics.Cache(metrics.CacheLocal)
			log.Debugf("CACHE HIT for '%s' (memory)", description)
			return data, nil
		}
	}

	exists, err := c.store.Exists(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("background cache lookup %s: %w", slug, err)
	}
	if exists {
		data, err := c.store.Get(ctx, slug)
		switch {
		case err == nil:
			c.metrics.Cache(metrics.CacheHit)
			log.Infof("CACHE HIT for '%s'", description)
			c.remember(slug, data)
			return data, nil
		case errors.Is(err, model.ErrNotFound):
			// removed between Exists and Get; treat as a miss
		default:
			return nil, fmt.Errorf("background cache read %s: %w", slug, err)
		}
	}

	c.metrics.Cache(metrics.CacheMiss)
	log.Infof("CACHE MISS for '%s' downloading from photo API", description)

	url, err := c.photos.SearchLarge(ctx, description)
	if err != nil {
		return nil, err
	}
	data, err := c.photos.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := c.store.Put(ctx, slug, data, "image/jpeg"); err != nil {
		return nil, fmt.Errorf("background cache write %s: %w", slug, err)
	}
	c.remember(slug, data)
	return data, nil
}

func (c *Cache) remember(slug string, data []byte) {
	if c.local != nil {
		c.local.Add(slug, data)
	}
}
