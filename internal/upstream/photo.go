package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/example/weather-imagegen/api-go/internal/model"
)

// PhotoClient searches a Pexels compatible API.
type PhotoClient struct {
	HTTP    *retryablehttp.Client
	BaseURL string
	APIKey  string
}

type RateLimit struct {
	Limit     string `json:"limit"`
	Remaining string `json:"remaining"`
}

func (p *PhotoClient) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", p.APIKey)
	return h
}

func (p *PhotoClient) searchURL(query string, perPage int) string {
	q := url.Values{}
	q.Set("query", query)
	q.Set("per_page", fmt.Sprint(perPage))
	return strings.TrimRight(p.BaseURL, "/") + "/search?" + q.Encode()
}

// SearchLarge returns the large-size URL of the first result for query.
// No results is model.ErrUpstreamNotFound.
func (p *PhotoClient) SearchLarge(ctx context.Context, query string) (string, error) {
	body, _, err := get(ctx, p.HTTP, p.searchURL(query, 1), p.authHeader())
	if err != nil {
		return "", fmt.Errorf("photo search %q: %w", query, err)
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("photo search %q: %w: invalid json", query, model.ErrUpstreamUnavailable)
	}
	first := gjson.GetBytes(body, "photos.0")
	if !first.Exists() {
		return "", fmt.Errorf("photo search %q: %w", query, model.ErrUpstreamNotFound)
	}
	large := first.Get("src.large")
	if large.Type != gjson.String || large.Str == "" {
		return "", fmt.Errorf("photo search %q: %w: result has no src.large", query, model.ErrUpstreamNotFound)
	}
	return large.Str, nil
}

// Download fetches the bytes behind a URL returned by SearchLarge.
func (p *PhotoClient) Download(ctx context.Context, rawURL string) ([]byte, error) {
	body, _, err := get(ctx, p.HTTP, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("photo download: %w", err)
	}
	return body, nil
}

// RateLimit issues a cheap search and reports the quota headers.
func (p *PhotoClient) RateLimit(ctx context.Context) (RateLimit, error) {
	_, header, err := get(ctx, p.HTTP, p.searchURL("cats", 1), p.authHeader())
	if err != nil {
		return RateLimit{}, fmt.Errorf("photo rate limit: %w", err)
	}
	return RateLimit{
		Limit:     header.Get("X-Ratelimit-Limit"),
		Remaining: header.Get("X-Ratelimit-Remaining"),
	}, nil
}
