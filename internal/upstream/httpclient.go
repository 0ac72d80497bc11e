// Package upstream talks to the weather station feed and the photo search
// API. Both are slow, rate limited and untrusted: every call goes through one
// retrying client with a hard timeout and every payload is read field by field.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/example/weather-imagegen/api-go/internal/model"
)

// maxBody caps what is read from any upstream response.
const maxBody = 32 << 20

type ClientOptions struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       logrus.FieldLogger
}

// NewClient returns the shared retrying client. 5xx, 429 and transport
// errors are retried RetryMax times with jittered backoff.
func NewClient(opts ClientOptions) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = opts.Timeout
	if c.HTTPClient.Timeout <= 0 {
		c.HTTPClient.Timeout = 15 * time.Second
	}
	if opts.RetryMax >= 0 {
		c.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		c.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		c.RetryWaitMax = opts.RetryWaitMax
	}
	c.Logger = nil
	if opts.Logger != nil {
		log := opts.Logger
		c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				log.WithFields(logrus.Fields{"host": req.URL.Host, "attempt": attempt}).Warn("retrying upstream request")
			}
		}
	}
	return c
}

// get performs a GET and returns the body of a 2xx response. Anything else,
// including exhausted retries, is model.ErrUpstreamUnavailable.
func get(ctx context.Context, c *retryablehttp.Client, url string, header http.Header) ([]byte, http.Header, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	res, err := c.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: GET %s: %v", model.ErrUpstreamUnavailable, req.URL.Host, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", model.ErrUpstreamUnavailable, req.URL.Host, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, res.Header, fmt.Errorf("%w: GET %s: status %d", model.ErrUpstreamUnavailable, req.URL.Host, res.StatusCode)
	}
	return body, res.Header, nil
}
