package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/example/weather-imagegen/api-go/internal/blob"
	"github.com/example/weather-imagegen/api-go/internal/model"
)

// Tracker owns jobs/{jobId}/status.json. Progress is never stored: Compute
// recounts the artifacts every time.
type Tracker struct {
	Artifacts blob.Store
}

func (t Tracker) Initialize(ctx context.Context, jobID string, total int) error {
	data, err := json.Marshal(model.JobStatusRecord{Total: total, Done: 0})
	if err != nil {
		return err
	}
	if err := t.Artifacts.Put(ctx, model.StatusKey(jobID), data, "application/json"); err != nil {
		return fmt.Errorf("write status for job %s: %w", jobID, err)
	}
	return nil
}

// Compute returns model.ErrJobNotFound until Initialize has run for jobID.
// Completed is strict equality, so extra artifacts make it false.
func (t Tracker) Compute(ctx context.Context, jobID string) (model.JobStatus, error) {
	if !model.ValidJobID(jobID) {
		return model.JobStatus{}, fmt.Errorf("%s: %w", jobID, model.ErrJobNotFound)
	}
	raw, err := t.Artifacts.Get(ctx, model.StatusKey(jobID))
	if errors.Is(err, model.ErrNotFound) {
		return model.JobStatus{}, fmt.Errorf("%s: %w", jobID, model.ErrJobNotFound)
	}
	if err != nil {
		return model.JobStatus{}, fmt.Errorf("read status for job %s: %w", jobID, err)
	}
	var rec model.JobStatusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.JobStatus{}, fmt.Errorf("parse status for job %s: %w", jobID, err)
	}

	keys, err := t.Artifacts.List(ctx, model.ArtifactPrefix(jobID))
	if err != nil {
		return model.JobStatus{}, fmt.Errorf("list artifacts for job %s: %w", jobID, err)
	}
	done := len(keys)

	return model.JobStatus{
		JobID:      jobID,
		Total:      rec.Total,
		Done:       done,
		Percent:    Percent(done, rec.Total),
		Completed:  done == rec.Total,
		ResultsURL: model.ResultsURL(jobID),
	}, nil
}

// Percent is done/total*100 rounded half to even at one decimal; 0 when total
// is 0.
func Percent(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.RoundToEven(float64(done)/float64(total)*1000) / 10
}
