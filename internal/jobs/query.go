package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/example/weather-imagegen/api-go/internal/blob"
	"github.com/example/weather-imagegen/api-go/internal/model"
)

// Query serves the read side of a job.
type Query struct {
	Tracker   Tracker
	Artifacts blob.Store
	LinkTTL   time.Duration
}

func (q Query) Status(ctx context.Context, jobID string) (model.JobStatus, error) {
	return q.Tracker.Compute(ctx, jobID)
}

// ListImages returns a time-limited link for every artifact of jobID. An
// unknown job has no artifacts and yields an empty list.
func (q Query) ListImages(ctx context.Context, jobID string) (model.ImageList, error) {
	list := model.ImageList{JobID: jobID, Images: []string{}}
	if !model.ValidJobID(jobID) {
		return list, nil
	}
	keys, err := q.Artifacts.List(ctx, model.ArtifactPrefix(jobID))
	if err != nil {
		return model.ImageList{}, fmt.Errorf("list artifacts for job %s: %w", jobID, err)
	}
	ttl := q.LinkTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	for _, key := range keys {
		u, err := q.Artifacts.SignedURL(ctx, key, ttl)
		if err != nil {
			return model.ImageList{}, fmt.Errorf("sign %s: %w", key, err)
		}
		list.Images = append(list.Images, u)
	}
	list.Count = len(list.Images)
	return list, nil
}
