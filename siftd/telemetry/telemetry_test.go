package telemetry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/adrg/xdg"
	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/siftsearch/sift/siftd/telemetry"
	"github.com/siftsearch/sift/siftsdk"
	"github.com/siftsearch/sift/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

// batchItem and batchRequest mirror the delivery wire format.
type batchItem struct {
	Type       string         `json:"type"`
	InstanceID string         `json:"instanceId"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Traits     map[string]any `json:"traits"`
	Context    map[string]any `json:"context"`
	Timestamp  *time.Time     `json:"timestamp"`
}

type batchRequest struct {
	Batch  []batchItem `json:"batch"`
	SentAt time.Time   `json:"sentAt"`
}

// startCollector runs a fake ingest backend and returns its URL along with
// the channel every received batch is delivered on.
func startCollector(t *testing.T) (*url.URL, chan batchRequest) {
	t.Helper()
	batches := make(chan batchRequest, 16)
	r := chi.NewRouter()
	r.Post("/v1/batch", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.NotEmpty(t, req.Header.Get(telemetry.VersionHeader))
		var body batchRequest
		if !assert.NoError(t, json.NewDecoder(req.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		batches <- body
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u, batches
}

type fakeStats struct{}

func (fakeStats) Stats(context.Context) (telemetry.Stats, error) {
	return telemetry.Stats{
		DatabaseSize: 4096,
		Indexes: map[string]telemetry.IndexStats{
			"movies": {NumberOfDocuments: 100},
			"books":  {NumberOfDocuments: 5},
		},
	}, nil
}

func (fakeStats) Features(context.Context) (telemetry.RuntimeFeatures, error) {
	return telemetry.RuntimeFeatures{VectorStore: true}, nil
}

func TestReporterFirstLaunch(t *testing.T) {
	// No t.Parallel: rewires the XDG base directories.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()

	ctx := testutil.Context(t, testutil.WaitShort)
	collectorURL, batches := startCollector(t)

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTicker("telemetry", "flush")
	defer trap.Close()

	reporter, err := telemetry.New(telemetry.Options{
		Logger:  slogtest.Make(t, nil).Leveled(slog.LevelDebug),
		URL:     collectorURL,
		DataDir: t.TempDir(),
		Stats:   fakeStats{},
		Clock:   mClock,
	})
	require.NoError(t, err)
	defer reporter.Close()

	// The anonymous launch goes out immediately, on its own.
	first := testutil.RequireReceive(ctx, t, batches)
	require.Len(t, first.Batch, 1)
	require.Equal(t, "track", first.Batch[0].Type)
	require.Equal(t, "Launched", first.Batch[0].Event)
	require.Equal(t, "total_launch", first.Batch[0].InstanceID)

	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	require.Equal(t, time.Hour, call.Duration)

	// The instance's own launch rides along with the first hourly flush.
	mClock.Advance(time.Hour).MustWait(ctx)
	second := testutil.RequireReceive(ctx, t, batches)
	require.Len(t, second.Batch, 2)
	require.Equal(t, "track", second.Batch[0].Type)
	require.Equal(t, "Launched", second.Batch[0].Event)
	require.Equal(t, reporter.InstanceID().String(), second.Batch[0].InstanceID)

	identify := second.Batch[1]
	require.Equal(t, "identify", identify.Type)
	require.Equal(t, reporter.InstanceID().String(), identify.InstanceID)
	stats, ok := identify.Traits["stats"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 4096, stats["database_size"])
	require.EqualValues(t, 2, stats["indexes_number"])
	require.Equal(t, []any{float64(5), float64(100)}, stats["documents_number"])
	infos, ok := identify.Traits["infos"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, infos["vector_store"])
}

func TestReporterHourlyRollup(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()

	ctx := testutil.Context(t, testutil.WaitShort)
	collectorURL, batches := startCollector(t)

	// Seed the identity so no launch events interleave with the rollups.
	dataDir := t.TempDir()
	seeded := uuid.New()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "instance-id"), []byte(seeded.String()), 0o600))

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTicker("telemetry", "flush")
	defer trap.Close()

	reporter, err := telemetry.New(telemetry.Options{
		Logger:  slogtest.Make(t, nil).Leveled(slog.LevelDebug),
		URL:     collectorURL,
		DataDir: dataDir,
		Stats:   fakeStats{},
		Clock:   mClock,
	})
	require.NoError(t, err)
	defer reporter.Close()
	require.Equal(t, seeded, reporter.InstanceID())

	trap.MustWait(ctx).MustRelease(ctx)

	succeed := func(ms int64) {
		a := telemetry.NewSearchAggregator(telemetry.SearchGET, &siftsdk.SearchRequest{Query: ptr("fox")})
		a.Succeed(&siftsdk.SearchResponse{ProcessingTimeMs: ms})
		reporter.Publish(telemetry.NewMessage(a, searchRequest(t)))
	}
	succeed(10)
	succeed(40)
	reporter.Publish(telemetry.NewMessage(
		telemetry.NewSearchAggregator(telemetry.SearchGET, &siftsdk.SearchRequest{}),
		searchRequest(t),
	))
	reporter.Publish(telemetry.NewMessage(
		telemetry.NewMultiSearchAggregator(&siftsdk.MultiSearchRequest{
			Queries: []siftsdk.SearchRequestWithIndex{{IndexUID: "movies"}},
		}),
		searchRequest(t),
	))

	mClock.Advance(time.Hour).MustWait(ctx)
	batch := testutil.RequireReceive(ctx, t, batches)
	require.Len(t, batch.Batch, 3)
	require.Equal(t, "identify", batch.Batch[0].Type)

	events := make(map[string]batchItem)
	for _, item := range batch.Batch[1:] {
		require.Equal(t, "track", item.Type)
		require.Equal(t, seeded.String(), item.InstanceID)
		require.NotNil(t, item.Timestamp)
		events[item.Event] = item
	}

	search, ok := events["Documents Searched GET"]
	require.True(t, ok)
	requests, ok := search.Properties["requests"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 3, requests["total_received"])
	require.EqualValues(t, 2, requests["total_succeeded"])
	require.EqualValues(t, 1, requests["total_failed"])
	require.Equal(t, []any{"sift-test/1.0"}, search.Properties["user-agent"])

	_, ok = events["Documents Searched by Multi-Search POST"]
	require.True(t, ok)

	// The store was drained: the next interval carries the snapshot alone.
	mClock.Advance(time.Hour).MustWait(ctx)
	batch = testutil.RequireReceive(ctx, t, batches)
	require.Len(t, batch.Batch, 1)
	require.Equal(t, "identify", batch.Batch[0].Type)
}

func TestReporterWithoutStats(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()

	ctx := testutil.Context(t, testutil.WaitShort)
	collectorURL, batches := startCollector(t)

	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "instance-id"), []byte(uuid.NewString()), 0o600))

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTicker("telemetry", "flush")
	defer trap.Close()

	reporter, err := telemetry.New(telemetry.Options{
		Logger:  slogtest.Make(t, nil).Leveled(slog.LevelDebug),
		URL:     collectorURL,
		DataDir: dataDir,
		Clock:   mClock,
	})
	require.NoError(t, err)
	defer reporter.Close()

	trap.MustWait(ctx).MustRelease(ctx)

	reporter.Publish(telemetry.NewMessage(
		telemetry.NewSimilarAggregator(telemetry.SimilarGET, &siftsdk.SimilarRequest{ID: "doc-1"}),
		searchRequest(t),
	))

	// Without a stats provider the flush carries the rollups alone.
	mClock.Advance(time.Hour).MustWait(ctx)
	batch := testutil.RequireReceive(ctx, t, batches)
	require.Len(t, batch.Batch, 1)
	require.Equal(t, "track", batch.Batch[0].Type)
	require.Equal(t, "Similar GET", batch.Batch[0].Event)
}

func TestReporterDeliveryFailure(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()

	ctx := testutil.Context(t, testutil.WaitShort)

	// The backend rejects the first batch and accepts everything after.
	batches := make(chan batchRequest, 16)
	var requests int
	r := chi.NewRouter()
	r.Post("/v1/batch", func(w http.ResponseWriter, req *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body batchRequest
		if !assert.NoError(t, json.NewDecoder(req.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		batches <- body
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	collectorURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "instance-id"), []byte(uuid.NewString()), 0o600))

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTicker("telemetry", "flush")
	defer trap.Close()

	reporter, err := telemetry.New(telemetry.Options{
		Logger:  slogtest.Make(t, nil).Leveled(slog.LevelDebug),
		URL:     collectorURL,
		DataDir: dataDir,
		Clock:   mClock,
	})
	require.NoError(t, err)
	defer reporter.Close()

	trap.MustWait(ctx).MustRelease(ctx)

	reporter.Publish(telemetry.NewMessage(
		telemetry.NewSearchAggregator(telemetry.SearchGET, &siftsdk.SearchRequest{Query: ptr("lost")}),
		searchRequest(t),
	))
	mClock.Advance(time.Hour).MustWait(ctx)

	// The rejected rollup is gone for good: the next interval's flush
	// carries only what arrived after the failure.
	reporter.Publish(telemetry.NewMessage(
		telemetry.NewSimilarAggregator(telemetry.SimilarGET, &siftsdk.SimilarRequest{ID: "doc-9"}),
		searchRequest(t),
	))
	mClock.Advance(time.Hour).MustWait(ctx)

	batch := testutil.RequireReceive(ctx, t, batches)
	require.Len(t, batch.Batch, 1)
	require.Equal(t, "Similar GET", batch.Batch[0].Event)
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := telemetry.New(telemetry.Options{})
	require.Error(t, err)
}

func TestNoopReporter(t *testing.T) {
	t.Parallel()

	reporter := telemetry.NewNoop()
	defer reporter.Close()
	reporter.Publish(telemetry.NewMessage(
		telemetry.NewSearchAggregator(telemetry.SearchPOST, &siftsdk.SearchRequest{}),
		nil,
	))
	require.Equal(t, uuid.Nil, reporter.InstanceID())
}

func searchRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "/indexes/movies/search", nil)
	require.NoError(t, err)
	req.Header.Set(telemetry.ClientHeader, "sift-test/1.0")
	return req
}

func ptr[T any](v T) *T {
	return &v
}
