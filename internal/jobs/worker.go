package jobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/example/weather-imagegen/api-go/internal/blob"
	"github.com/example/weather-imagegen/api-go/internal/compose"
	"github.com/example/weather-imagegen/api-go/internal/model"
)

type Backgrounds interface {
	GetOrFetch(ctx context.Context, description string) ([]byte, error)
}

type Composer interface {
	Compose(background []byte, line1, line2, line3 string) ([]byte, error)
}

// Worker turns one ImageTask into {jobId}/{stationId}.png. Reprocessing a
// task rewrites the same key.
type Worker struct {
	Backgrounds Backgrounds
	Composer    Composer
	Artifacts   blob.Store
	Log         logrus.FieldLogger
}

func (w *Worker) Process(ctx context.Context, task model.ImageTask) error {
	background, err := w.Backgrounds.GetOrFetch(ctx, task.Description)
	if err != nil {
		return fmt.Errorf("background for %q: %w", task.Description, err)
	}
	img, err := w.Composer.Compose(background, task.StationName, compose.FormatTemperature(task.Temperature), task.Description)
	if err != nil {
		return fmt.Errorf("compose station %d: %w", task.StationID, err)
	}

	key := model.ArtifactKey(task.JobID, task.StationID)
	if err := w.Artifacts.Put(ctx, key, img, "image/png"); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	w.Log.WithFields(logrus.Fields{"job_id": task.JobID, "station_id": task.StationID}).
		Infof("image created: %s", key)
	return nil
}
