package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/example/weather-imagegen/api-go/internal/metrics"
	"github.com/example/weather-imagegen/api-go/internal/model"
	"github.com/example/weather-imagegen/api-go/internal/queue"
	"github.com/example/weather-imagegen/api-go/internal/upstream"
)

// StationSource yields the current station measurements and how many feed
// entries were unusable.
type StationSource interface {
	Stations(ctx context.Context) ([]upstream.Station, int, error)
}

// Orchestrator starts jobs and fans them out into one image task per station.
type Orchestrator struct {
	Queue      queue.Queue
	Feed       StationSource
	Tracker    Tracker
	StationCap int
	Log        logrus.FieldLogger
	Metrics    *metrics.Metrics
}

// Start enqueues a job-start message and returns without waiting for fan-out.
func (o *Orchestrator) Start(ctx context.Context, requestedBy *string) (model.StartResult, error) {
	jobID := model.NewJobID()
	body, err := json.Marshal(model.StartJobMessage{
		JobID:       jobID,
		CreatedAt:   time.Now().UTC(),
		RequestedBy: requestedBy,
	})
	if err != nil {
		return model.StartResult{}, err
	}
	if err := o.Queue.Send(ctx, model.ChannelJobStart, body); err != nil {
		return model.StartResult{}, fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	o.Metrics.JobStarted()
	o.Log.WithField("job_id", jobID).Info("job accepted")

	return model.StartResult{
		JobID:      jobID,
		StatusURL:  model.StatusURL(jobID),
		ResultsURL: model.ResultsURL(jobID),
	}, nil
}

// FanOut fetches the feed and enqueues one ImageTask per station, capped at
// StationCap. The status record is written only after the whole batch was
// accepted, so a failed fan-out never leaves a status with a wrong total.
func (o *Orchestrator) FanOut(ctx context.Context, msg model.StartJobMessage) (int, error) {
	log := o.Log.WithField("job_id", msg.JobID)

	stations, skipped, err := o.Feed.Stations(ctx)
	if err != nil {
		return 0, fmt.Errorf("fan-out job %s: %w", msg.JobID, err)
	}
	if skipped > 0 {
		log.WithField("skipped", skipped).Warn("feed entries without a numeric stationid were ignored")
	}
	if o.StationCap > 0 && len(stations) > o.StationCap {
		stations = stations[:o.StationCap]
	}

	tasks := lo.Map(stations, func(s upstream.Station, _ int) model.ImageTask {
		return model.ImageTask{
			JobID:       msg.JobID,
			StationID:   s.ID,
			StationName: s.Name,
			Temperature: s.TemperatureOrZero(),
			Description: s.DescriptionOrFallback(),
		}
	})
	bodies := make([][]byte, 0, len(tasks))
	for _, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			return 0, err
		}
		bodies = append(bodies, b)
	}

	log.Infof("Fan-out: sending %d messages to %s", len(bodies), model.ChannelImageProcess)
	if len(bodies) > 0 {
		if err := o.Queue.SendBatch(ctx, model.ChannelImageProcess, bodies); err != nil {
			return 0, fmt.Errorf("fan-out job %s: %w", msg.JobID, err)
		}
	}
	if err := o.Tracker.Initialize(ctx, msg.JobID, len(tasks)); err != nil {
		return 0, err
	}
	return len(tasks), nil
}
