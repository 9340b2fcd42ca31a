package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/xerrors"

	"github.com/siftsearch/sift/buildinfo"
)

const (
	// VersionHeader is sent with every delivery request to report the
	// sift build that produced the payload.
	VersionHeader = "X-Sift-Version"

	// maxBatchSize bounds how many records a single delivery request
	// carries. Reaching it triggers an early send.
	maxBatchSize = 100
)

// Track is one named event with its properties tree. Timestamp is when the
// underlying data was first observed; zero means "on receipt".
type Track struct {
	InstanceID string
	Event      string
	Properties Properties
	Timestamp  time.Time
}

// Identify describes the instance itself rather than an event: Traits hold
// the snapshot data, Context the producing application.
type Identify struct {
	InstanceID string
	Traits     Properties
	Context    Properties
}

// Sink delivers exported records to the telemetry backend. Every method is
// best-effort: the reporter logs failures at debug level and moves on, and
// so must any other caller.
type Sink interface {
	Track(ctx context.Context, track Track) error
	Identify(ctx context.Context, identify Identify) error
	// Flush sends whatever the sink has batched so far.
	Flush(ctx context.Context) error
}

type batchItem struct {
	Type       string     `json:"type"`
	InstanceID string     `json:"instanceId"`
	Event      string     `json:"event,omitempty"`
	Properties Properties `json:"properties,omitempty"`
	Traits     Properties `json:"traits,omitempty"`
	Context    Properties `json:"context,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

type batchRequest struct {
	Batch  []batchItem `json:"batch"`
	SentAt time.Time   `json:"sentAt"`
}

// httpSink batches records and posts them as JSON to the ingest endpoint.
// It is not safe for concurrent use; the reporter goroutine is its only
// caller once the actor loop has started.
type httpSink struct {
	client   *http.Client
	batchURL *url.URL
	pending  []batchItem
}

// newHTTPSink builds the delivery client for the given base endpoint. A
// construction failure here disables the whole telemetry subsystem.
func newHTTPSink(baseURL *url.URL) (*httpSink, error) {
	batchURL, err := baseURL.Parse("/v1/batch")
	if err != nil {
		return nil, xerrors.Errorf("parse batch url: %w", err)
	}
	return &httpSink{
		client:   &http.Client{Timeout: 10 * time.Second},
		batchURL: batchURL,
	}, nil
}

func (s *httpSink) Track(ctx context.Context, track Track) error {
	item := batchItem{
		Type:       "track",
		InstanceID: track.InstanceID,
		Event:      track.Event,
		Properties: track.Properties,
	}
	if !track.Timestamp.IsZero() {
		ts := track.Timestamp
		item.Timestamp = &ts
	}
	return s.push(ctx, item)
}

func (s *httpSink) Identify(ctx context.Context, identify Identify) error {
	return s.push(ctx, batchItem{
		Type:       "identify",
		InstanceID: identify.InstanceID,
		Traits:     identify.Traits,
		Context:    identify.Context,
	})
}

func (s *httpSink) push(ctx context.Context, item batchItem) error {
	s.pending = append(s.pending, item)
	if len(s.pending) >= maxBatchSize {
		return s.Flush(ctx)
	}
	return nil
}

func (s *httpSink) Flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	batch := s.pending
	// The batch is surrendered even when the send fails: delivery is
	// best-effort and a retained batch would only grow unboundedly.
	s.pending = nil

	data, err := json.Marshal(batchRequest{
		Batch:  batch,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return xerrors.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.batchURL.String(), bytes.NewReader(data))
	if err != nil {
		return xerrors.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(VersionHeader, buildinfo.Version())
	resp, err := s.client.Do(req)
	if err != nil {
		return xerrors.Errorf("submit batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return xerrors.Errorf("batch rejected with status %d", resp.StatusCode)
	}
	return nil
}
