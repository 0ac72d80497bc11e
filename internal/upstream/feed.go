package upstream

import (
	"context"
	"fmt"
	"math"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/example/weather-imagegen/api-go/internal/model"
)

// Station is one entry of the feed's actual.stationmeasurements list. Optional
// fields are nil when absent or of the wrong JSON type.
type Station struct {
	ID              int
	Name            string
	Temperature     *float64
	Description     *string
	DescriptionLong *string
}

// TemperatureOrZero is the measured temperature, 0.0 when unknown.
func (s Station) TemperatureOrZero() float64 {
	if s.Temperature == nil {
		return 0
	}
	return *s.Temperature
}

// DescriptionOrFallback picks weatherdescription, then
// weatherdescriptionlong, then "unknown".
func (s Station) DescriptionOrFallback() string {
	switch {
	case s.Description != nil:
		return *s.Description
	case s.DescriptionLong != nil:
		return *s.DescriptionLong
	default:
		return "unknown"
	}
}

type FeedClient struct {
	HTTP *retryablehttp.Client
	URL  string
}

// Stations fetches the feed and returns the parsed stations in feed order,
// plus the number of entries that were skipped for lacking a numeric
// stationid.
func (f *FeedClient) Stations(ctx context.Context) ([]Station, int, error) {
	body, _, err := get(ctx, f.HTTP, f.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("weather feed: %w", err)
	}
	return ParseStations(body)
}

// ParseStations reads actual.stationmeasurements out of a feed document.
func ParseStations(doc []byte) ([]Station, int, error) {
	if !gjson.ValidBytes(doc) {
		return nil, 0, fmt.Errorf("weather feed: %w: invalid json", model.ErrDecode)
	}
	list := gjson.GetBytes(doc, "actual.stationmeasurements")
	if !list.IsArray() {
		return nil, 0, fmt.Errorf("weather feed: %w: actual.stationmeasurements missing", model.ErrDecode)
	}

	var (
		out     []Station
		skipped int
	)
	list.ForEach(func(_, v gjson.Result) bool {
		id := v.Get("stationid")
		if id.Type != gjson.Number || id.Num != math.Trunc(id.Num) || id.Num > math.MaxInt32 || id.Num < math.MinInt32 {
			skipped++
			return true
		}
		s := Station{
			ID:   int(id.Int()),
			Name: v.Get("stationname").String(),
		}
		if t := v.Get("temperature"); t.Type == gjson.Number {
			f := t.Float()
			s.Temperature = &f
		}
		s.Description = optionalString(v.Get("weatherdescription"))
		s.DescriptionLong = optionalString(v.Get("weatherdescriptionlong"))
		out = append(out, s)
		return true
	})
	return out, skipped, nil
}

func optionalString(r gjson.Result) *string {
	if r.Type != gjson.String {
		return nil
	}
	s := r.Str
	return &s
}
