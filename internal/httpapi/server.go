package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/example/weather-imagegen/api-go/internal/blob"
	"github.com/example/weather-imagegen/api-go/internal/metrics"
	"github.com/example/weather-imagegen/api-go/internal/model"
	"github.com/example/weather-imagegen/api-go/internal/upstream"
)

type Starter interface {
	Start(ctx context.Context, requestedBy *string) (model.StartResult, error)
}

type JobReader interface {
	Status(ctx context.Context, jobID string) (model.JobStatus, error)
	ListImages(ctx context.Context, jobID string) (model.ImageList, error)
}

type RateLimiter interface {
	RateLimit(ctx context.Context) (upstream.RateLimit, error)
}

type Server struct {
	Jobs   Starter
	Query  JobReader
	Photos RateLimiter
	// Files are the LocalFS containers whose signed links this server
	// answers, keyed by container name. Empty when blobs live in MinIO.
	Files   map[string]blob.LocalFS
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.Log, NoColor: true}))
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs/start", s.handleStartJob)
		r.Get("/jobs/{jobId}/status", s.handleJobStatus)
		r.Get("/jobs/{jobId}/images", s.handleJobImages)
		r.Get("/photos/ratelimit", s.handleRateLimit)
	})
	r.Get("/files/{container}/*", s.handleSignedFile)

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestedBy reads an optional {"requestedBy": "..."} body. Anything that
// does not parse to a string yields nil.
func requestedBy(r *http.Request) *string {
	if r.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	var body struct {
		RequestedBy *string `json:"requestedBy"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	return body.RequestedBy
}

func (s Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.Jobs.Start(r.Context(), requestedBy(r))
	if err != nil {
		s.Log.WithError(err).Error("start job")
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("start job: %w", err))
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	st, err := s.Query.Status(r.Context(), jobID)
	if errors.Is(err, model.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"jobId": jobID, "state": "not_found"})
		return
	}
	if err != nil {
		s.Log.WithError(err).WithField("job_id", jobID).Error("job status")
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s Server) handleJobImages(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	list, err := s.Query.ListImages(r.Context(), jobID)
	if err != nil {
		s.Log.WithError(err).WithField("job_id", jobID).Error("list images")
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.Photos == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("photo API is not configured"))
		return
	}
	rl, err := s.Photos.RateLimit(r.Context())
	if err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

func (s Server) handleSignedFile(w http.ResponseWriter, r *http.Request) {
	container := chi.URLParam(r, "container")
	key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")

	store, ok := s.Files[container]
	if !ok || key == "" {
		writeErr(w, http.StatusNotFound, fmt.Errorf("file not found"))
		return
	}
	q := r.URL.Query()
	if err := store.Signer.Verify(container, key, q.Get("expires"), q.Get("sig"), time.Now()); err != nil {
		writeErr(w, http.StatusForbidden, err)
		return
	}

	f, err := store.Open(key)
	if errors.Is(err, model.ErrNotFound) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("file not found"))
		return
	}
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
