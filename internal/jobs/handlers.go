package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/weather-imagegen/api-go/internal/consumer"
	"github.com/example/weather-imagegen/api-go/internal/model"
	"github.com/example/weather-imagegen/api-go/internal/queue"
)

// JobStartHandler consumes job-start messages.
func JobStartHandler(o *Orchestrator) consumer.Handler {
	return func(ctx context.Context, m *queue.Message) error {
		var msg model.StartJobMessage
		if err := json.Unmarshal(m.Body, &msg); err != nil {
			return consumer.Permanent(fmt.Errorf("decode job-start message: %w", err))
		}
		if !model.ValidJobID(msg.JobID) {
			return consumer.Permanent(fmt.Errorf("job-start message has invalid job id %q", msg.JobID))
		}
		_, err := o.FanOut(ctx, msg)
		return err
	}
}

// ImageTaskHandler consumes image-process messages.
func ImageTaskHandler(w *Worker) consumer.Handler {
	return func(ctx context.Context, m *queue.Message) error {
		var task model.ImageTask
		if err := json.Unmarshal(m.Body, &task); err != nil {
			return consumer.Permanent(fmt.Errorf("decode image task: %w", err))
		}
		if !model.ValidJobID(task.JobID) {
			return consumer.Permanent(fmt.Errorf("image task has invalid job id %q", task.JobID))
		}
		return w.Process(ctx, task)
	}
}
