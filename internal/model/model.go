package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Queue channel names.
const (
	ChannelJobStart     = "job-start"
	ChannelImageProcess = "image-process"
)

// StartJobMessage is the job-start payload. It is produced by the HTTP half of
// the orchestrator and consumed by fan-out.
type StartJobMessage struct {
	JobID       string    `json:"jobId"`
	CreatedAt   time.Time `json:"createdAt"`
	RequestedBy *string   `json:"requestedBy,omitempty"`
}

// ImageTask is one station's unit of work within a job. It only ever lives
// as an image-process message body.
type ImageTask struct {
	JobID       string  `json:"jobId"`
	StationID   int     `json:"stationId"`
	StationName string  `json:"stationName"`
	Temperature float64 `json:"temperature"`
	Description string  `json:"description"`
}

// JobStatusRecord is persisted at jobs/{jobId}/status.json.
//
// Done is written as 0 and never updated; readers recount artifacts instead.
type JobStatusRecord struct {
	Total int `json:"total"`
	Done  int `json:"done"`
}

// JobStatus is the computed view served to clients.
type JobStatus struct {
	JobID      string  `json:"jobId"`
	Total      int     `json:"total"`
	Done       int     `json:"done"`
	Percent    float64 `json:"percent"`
	Completed  bool    `json:"completed"`
	ResultsURL string  `json:"resultsUrl"`
}

// ImageList is the listImages response.
type ImageList struct {
	JobID  string   `json:"jobId"`
	Count  int      `json:"count"`
	Images []string `json:"images"`
}

// StartResult is returned to the client that started a job.
type StartResult struct {
	JobID      string `json:"jobId"`
	StatusURL  string `json:"statusUrl"`
	ResultsURL string `json:"resultsUrl"`
}

// NewJobID returns a 128-bit random id as 32 lowercase hex characters.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func StatusKey(jobID string) string {
	return "jobs/" + jobID + "/status.json"
}

func ArtifactPrefix(jobID string) string {
	return jobID + "/"
}

func ArtifactKey(jobID string, stationID int) string {
	return ArtifactPrefix(jobID) + strconv.Itoa(stationID) + ".png"
}

func StatusURL(jobID string) string {
	return "/api/jobs/" + jobID + "/status"
}

func ResultsURL(jobID string) string {
	return "/api/jobs/" + jobID + "/images"
}

// ValidJobID reports whether id has the shape NewJobID produces.
func ValidJobID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
