package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/weather-imagegen/api-go/internal/blob"
	"github.com/example/weather-imagegen/api-go/internal/compose"
	"github.com/example/weather-imagegen/api-go/internal/consumer"
	"github.com/example/weather-imagegen/api-go/internal/logging"
	"github.com/example/weather-imagegen/api-go/internal/metrics"
	"github.com/example/weather-imagegen/api-go/internal/model"
	"github.com/example/weather-imagegen/api-go/internal/queue"
	"github.com/example/weather-imagegen/api-go/internal/upstream"
)

type fakeFeed struct {
	stations []upstream.Station
	err      error
}

func (f fakeFeed) Stations(context.Context) ([]upstream.Station, int, error) {
	return f.stations, 0, f.err
}

type fixedBackgrounds struct{ data []byte }

func (b fixedBackgrounds) GetOrFetch(context.Context, string) ([]byte, error) {
	return b.data, nil
}

type failingBatchQueue struct{ *queue.Memory }

func (failingBatchQueue) SendBatch(context.Context, string, [][]byte) error {
	return errors.New("queue unavailable")
}

func ptr[T any](v T) *T { return &v }

func station(id int, name string, temp *float64, desc, long *string) upstream.Station {
	return upstream.Station{ID: id, Name: name, Temperature: temp, Description: desc, DescriptionLong: long}
}

func threeStations() []upstream.Station {
	return []upstream.Station{
		station(6260, "De Bilt", ptr(12.34), ptr("Light rain"), nil),
		station(6240, "Schiphol", nil, nil, ptr("Mostly cloudy")),
		station(6391, "Arcen", ptr(-1.0), nil, nil),
	}
}

func background(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for i := range img.Pix {
		img.Pix[i] = 0x40
	}
	img.Set(0, 0, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

type harness struct {
	queue     *queue.Memory
	artifacts blob.LocalFS
	orch      *Orchestrator
	worker    *Worker
	query     Query
}

func newHarness(t *testing.T, feed StationSource) *harness {
	t.Helper()
	artifacts := blob.LocalFS{
		Root:      t.TempDir(),
		Container: "weather-images",
		Signer:    blob.Signer{Secret: []byte("test-secret")},
		BaseURL:   "http://localhost:8080",
	}
	composer, err := compose.New()
	require.NoError(t, err)

	q := queue.NewMemory()
	tracker := Tracker{Artifacts: artifacts}
	log := logging.Discard()
	return &harness{
		queue:     q,
		artifacts: artifacts,
		orch: &Orchestrator{
			Queue:      q,
			Feed:       feed,
			Tracker:    tracker,
			StationCap: 50,
			Log:        log,
			Metrics:    metrics.New(),
		},
		worker: &Worker{
			Backgrounds: fixedBackgrounds{data: background(t)},
			Composer:    composer,
			Artifacts:   artifacts,
			Log:         log,
		},
		query: Query{Tracker: tracker, Artifacts: artifacts, LinkTTL: time.Hour},
	}
}

func (h *harness) drain(t *testing.T, channel string, handler consumer.Handler) int {
	t.Helper()
	n := 0
	for h.queue.Len(channel) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		m, err := h.queue.Receive(ctx, channel)
		cancel()
		require.NoError(t, err)
		require.NoError(t, handler(context.Background(), m))
		require.NoError(t, h.queue.Ack(context.Background(), m))
		n++
	}
	return n
}

func TestEndToEndJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeFeed{stations: threeStations()})

	res, err := h.orch.Start(ctx, ptr("tester"))
	require.NoError(t, err)
	assert.Len(t, res.JobID, 32)
	assert.Equal(t, "/api/jobs/"+res.JobID+"/status", res.StatusURL)
	assert.Equal(t, "/api/jobs/"+res.JobID+"/images", res.ResultsURL)

	// nothing is observable before fan-out
	_, err = h.query.Status(ctx, res.JobID)
	assert.ErrorIs(t, err, model.ErrJobNotFound)

	assert.Equal(t, 1, h.drain(t, model.ChannelJobStart, JobStartHandler(h.orch)))
	assert.Equal(t, 3, h.queue.Len(model.ChannelImageProcess))

	raw, err := h.artifacts.Get(ctx, model.StatusKey(res.JobID))
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3,"done":0}`, string(raw))

	st, err := h.query.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatus{JobID: res.JobID, Total: 3, Done: 0, Percent: 0, Completed: false, ResultsURL: res.ResultsURL}, st)

	assert.Equal(t, 3, h.drain(t, model.ChannelImageProcess, ImageTaskHandler(h.worker)))

	st, err = h.query.Status(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.Done)
	assert.Equal(t, 100.0, st.Percent)
	assert.True(t, st.Completed)

	list, err := h.query.ListImages(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, res.JobID, list.JobID)
	assert.Equal(t, 3, list.Count)
	require.Len(t, list.Images, 3)
	for _, link := range list.Images {
		u, err := url.Parse(link)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(u.Path, "/files/weather-images/"+res.JobID+"/"))
		assert.NotEmpty(t, u.Query().Get("sig"))
		assert.NotEmpty(t, u.Query().Get("expires"))
	}
}

func TestFanOutBuildsTasksWithFallbacks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeFeed{stations: threeStations()})
	jobID := model.NewJobID()

	n, err := h.orch.FanOut(ctx, model.StartJobMessage{JobID: jobID})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var tasks []model.ImageTask
	for i := 0; i < 3; i++ {
		m, err := h.queue.Receive(ctx, model.ChannelImageProcess)
		require.NoError(t, err)
		var task model.ImageTask
		require.NoError(t, json.Unmarshal(m.Body, &task))
		tasks = append(tasks, task)
	}
	assert.Equal(t, []model.ImageTask{
		{JobID: jobID, StationID: 6260, StationName: "De Bilt", Temperature: 12.34, Description: "Light rain"},
		{JobID: jobID, StationID: 6240, StationName: "Schiphol", Temperature: 0, Description: "Mostly cloudy"},
		{JobID: jobID, StationID: 6391, StationName: "Arcen", Temperature: -1, Description: "unknown"},
	}, tasks)
}

func TestFanOutHonoursStationCap(t *testing.T) {
	ctx := context.Background()
	var stations []upstream.Station
	for i := 0; i < 60; i++ {
		stations = append(stations, station(i, "s", nil, nil, nil))
	}
	h := newHarness(t, fakeFeed{stations: stations})
	h.orch.StationCap = 15
	jobID := model.NewJobID()

	n, err := h.orch.FanOut(ctx, model.StartJobMessage{JobID: jobID})
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, 15, h.queue.Len(model.ChannelImageProcess))

	st, err := h.query.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 15, st.Total)
}

func TestFanOutFeedFailureLeavesNoStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeFeed{err: model.ErrUpstreamUnavailable})
	jobID := model.NewJobID()

	_, err := h.orch.FanOut(ctx, model.StartJobMessage{JobID: jobID})
	assert.ErrorIs(t, err, model.ErrUpstreamUnavailable)
	assert.Zero(t, h.queue.Len(model.ChannelImageProcess))

	_, err = h.query.Status(ctx, jobID)
	assert.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestFanOutSendFailureLeavesNoStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeFeed{stations: threeStations()})
	h.orch.Queue = failingBatchQueue{h.queue}
	jobID := model.NewJobID()

	_, err := h.orch.FanOut(ctx, model.StartJobMessage{JobID: jobID})
	require.Error(t, err)

	_, err = h.query.Status(ctx, jobID)
	assert.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestFanOutEmptyFeed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeFeed{})
	jobID := model.NewJobID()

	n, err := h.orch.FanOut(ctx, model.StartJobMessage{JobID: jobID})
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := h.query.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, st.Percent)
	assert.True(t, st.Completed)
}

func TestWorkerRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeFeed{})
	jobID := model.NewJobID()
	require.NoError(t, h.orch.Tracker.Initialize(ctx, jobID, 1))
	task := model.ImageTask{JobID: jobID, StationID: 6260, StationName: "De Bilt", Temperature: 21.256, Description: "Sunny"}

	require.NoError(t, h.worker.Process(ctx, task))
	first, err := h.artifacts.Get(ctx, model.ArtifactKey(jobID, 6260))
	require.NoError(t, err)

	require.NoError(t, h.worker.Process(ctx, task))
	second, err := h.artifacts.Get(ctx, model.ArtifactKey(jobID, 6260))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	st, err := h.query.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Done)
	assert.True(t, st.Completed)
}

func TestComputeCountsLiveArtifacts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fakeFeed{})
	jobID := model.NewJobID()
	require.NoError(t, h.orch.Tracker.Initialize(ctx, jobID, 3))

	require.NoError(t, h.artifacts.Put(ctx, model.ArtifactKey(jobID, 1), []byte("x"), "image/png"))
	st, err := h.query.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Done)
	assert.Equal(t, 33.3, st.Percent)
	assert.False(t, st.Completed)

	require.NoError(t, h.artifacts.Put(ctx, model.ArtifactKey(jobID, 2), []byte("x"), "image/png"))
	st, err = h.query.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 66.7, st.Percent)

	// more artifacts than expected is not completion
	for _, id := range []int{3, 4} {
		require.NoError(t, h.artifacts.Put(ctx, model.ArtifactKey(jobID, id), []byte("x"), "image/png"))
	}
	st, err = h.query.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Done)
	assert.False(t, st.Completed)
}

func TestStatusUnknownJob(t *testing.T) {
	h := newHarness(t, fakeFeed{})
	_, err := h.query.Status(context.Background(), model.NewJobID())
	assert.ErrorIs(t, err, model.ErrJobNotFound)

	_, err = h.query.Status(context.Background(), "../../etc")
	assert.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestListImagesUnknownJobIsEmpty(t *testing.T) {
	h := newHarness(t, fakeFeed{})
	list, err := h.query.ListImages(context.Background(), model.NewJobID())
	require.NoError(t, err)
	assert.Zero(t, list.Count)
	assert.Empty(t, list.Images)
	assert.NotNil(t, list.Images)
}

func TestHandlersRejectMalformedPayloads(t *testing.T) {
	h := newHarness(t, fakeFeed{})
	for _, tc := range []struct {
		name    string
		handler consumer.Handler
		body    string
	}{
		{"job-start not json", JobStartHandler(h.orch), "{"},
		{"job-start bad id", JobStartHandler(h.orch), `{"jobId":"nope"}`},
		{"image task not json", ImageTaskHandler(h.worker), "[]"},
		{"image task bad id", ImageTaskHandler(h.worker), `{"jobId":"","stationId":1}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.handler(context.Background(), &queue.Message{Body: []byte(tc.body)})
			require.Error(t, err)
			assert.True(t, consumer.IsPermanent(err))
		})
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, Percent(0, 0))
	assert.Equal(t, 0.0, Percent(0, 5))
	assert.Equal(t, 100.0, Percent(5, 5))
	assert.Equal(t, 33.3, Percent(1, 3))
	assert.Equal(t, 14.3, Percent(1, 7))
	assert.Equal(t, 6.2, Percent(1, 16))
	assert.Equal(t, 18.8, Percent(3, 16))
}
