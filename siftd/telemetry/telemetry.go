package telemetry

import (
	"context"
	"net/url"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/siftsearch/sift/buildinfo"
)

const (
	// anonymousInstanceID buckets every first launch under one shared
	// identity so total first-time launches can be counted in aggregate.
	anonymousInstanceID = "total_launch"

	defaultFlushInterval   = time.Hour
	defaultMailboxCapacity = 100
)

type Options struct {
	Logger slog.Logger
	// URL is the ingest endpoint telemetry is delivered to.
	URL *url.URL
	// DataDir is where the instance identity is persisted, next to the
	// database.
	DataDir string
	// Stats is consulted once per flush for the snapshot record. A nil
	// provider skips the snapshot and only the per-kind rollups are sent.
	Stats StatsProvider
	Clock quartz.Clock

	// Deployment configuration, reduced to what the snapshot reports.
	// Anything sensitive (paths, addresses, keys) arrives already reduced
	// to a boolean.
	Env              string
	CustomDataDir    bool
	CustomHTTPAddr   bool
	PayloadSizeLimit uint64
	MasterKeySet     bool
	SSLEnabled       bool
	LogLevel         string
	ConfigFileSet    bool
	// SnapshotInterval is the database snapshot schedule; zero means
	// disabled.
	SnapshotInterval time.Duration

	// FlushInterval overrides the hourly rollup period. Tests only.
	FlushInterval time.Duration
	// MailboxCapacity overrides the producer mailbox size. Tests only.
	MailboxCapacity int
}

// Reporter aggregates usage events and delivers hourly rollups to the
// telemetry backend. It is strictly best-effort: nothing it does can fail
// a request or crash the host.
type Reporter interface {
	// Publish hands an event to the aggregator. It never blocks: when the
	// mailbox is saturated the event is dropped.
	Publish(msg Message)
	// InstanceID is the durable identity records are reported under.
	InstanceID() uuid.UUID
	Close()
}

// New constructs a reporter and starts its aggregation loop. The returned
// error means the delivery client could not be built; callers should fall
// back to NewNoop and run without instrumentation.
func New(options Options) (Reporter, error) {
	if options.URL == nil {
		return nil, xerrors.New("telemetry endpoint URL is required")
	}
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.FlushInterval == 0 {
		options.FlushInterval = defaultFlushInterval
	}
	if options.MailboxCapacity == 0 {
		options.MailboxCapacity = defaultMailboxCapacity
	}
	sink, err := newHTTPSink(options.URL)
	if err != nil {
		return nil, xerrors.Errorf("create delivery sink: %w", err)
	}

	instanceID, firstRun := loadOrCreateInstanceID(options.DataDir)

	ctx, cancelFunc := context.WithCancel(context.Background())
	r := &reporter{
		ctx:        ctx,
		closeFunc:  cancelFunc,
		done:       make(chan struct{}),
		options:    options,
		logger:     options.Logger,
		clock:      options.Clock,
		sink:       sink,
		instanceID: instanceID,
		mailbox:    make(chan Message, options.MailboxCapacity),
		store:      newStore(),
		startedAt:  options.Clock.Now(),
		system:     gatherHostFacts(),
	}
	if firstRun {
		r.reportLaunch(ctx)
	}
	go r.run()
	return r, nil
}

// NewNoop creates a reporter that discards everything it is given.
func NewNoop() Reporter {
	return &noopReporter{}
}

type reporter struct {
	ctx       context.Context
	closeFunc context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	options    Options
	logger     slog.Logger
	clock      quartz.Clock
	sink       Sink
	instanceID uuid.UUID
	mailbox    chan Message

	// store is touched exclusively by the run goroutine.
	store     *store
	startedAt time.Time
	// system holds the host facts gathered once at construction.
	system Properties
}

func (r *reporter) Publish(msg Message) {
	select {
	case r.mailbox <- msg:
	default:
		// The mailbox is saturated: drop the event rather than stall the
		// request that produced it.
		r.logger.Debug(r.ctx, "telemetry mailbox full, dropping event", slog.F("kind", msg.kind))
	}
}

func (r *reporter) InstanceID() uuid.UUID {
	return r.instanceID
}

func (r *reporter) Close() {
	r.closeOnce.Do(func() {
		r.closeFunc()
		<-r.done
	})
}

// reportLaunch counts a first-time launch twice: once under the shared
// anonymous identity and once under the instance's own. The anonymous one
// is flushed immediately; the instance's rides along with the first hourly
// flush.
func (r *reporter) reportLaunch(ctx context.Context) {
	if err := r.sink.Track(ctx, Track{InstanceID: anonymousInstanceID, Event: "Launched"}); err != nil {
		r.logger.Debug(ctx, "push anonymous launch", slog.Error(err))
	}
	if err := r.sink.Flush(ctx); err != nil {
		r.logger.Debug(ctx, "flush anonymous launch", slog.Error(err))
	}
	if err := r.sink.Track(ctx, Track{InstanceID: r.instanceID.String(), Event: "Launched"}); err != nil {
		r.logger.Debug(ctx, "push instance launch", slog.Error(err))
	}
}

// run is the aggregation loop: a single goroutine owning the store,
// reacting to exactly two triggers. It only returns when the reporter is
// closed.
func (r *reporter) run() {
	defer close(r.done)
	// The first flush fires one full interval after startup, never
	// immediately.
	ticker := r.clock.NewTicker(r.options.FlushInterval, "telemetry", "flush")
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			// Fold in whatever is already queued so the flush exports
			// every event that arrived before the tick.
			r.drainMailbox()
			r.flush()
		case msg := <-r.mailbox:
			r.store.record(msg)
		}
	}
}

func (r *reporter) drainMailbox() {
	for {
		select {
		case msg := <-r.mailbox:
			r.store.record(msg)
		default:
			return
		}
	}
}

// flush pushes the snapshot record followed by every per-kind rollup, then
// forces the batch out. The store is emptied regardless of delivery
// outcome: rollups are never retried, and events arriving during the
// export belong to the next interval.
func (r *reporter) flush() {
	ctx := r.ctx
	if r.options.Stats != nil {
		identify, err := r.buildIdentify(ctx)
		if err != nil {
			r.logger.Debug(ctx, "assemble snapshot record", slog.Error(err))
		} else if err := r.sink.Identify(ctx, identify); err != nil {
			r.logger.Debug(ctx, "push snapshot record", slog.Error(err))
		}
	}
	for _, ev := range r.store.drain() {
		if err := r.sink.Track(ctx, ev.track(r.instanceID.String())); err != nil {
			r.logger.Debug(ctx, "push rollup record", slog.Error(err))
		}
	}
	if err := r.sink.Flush(ctx); err != nil {
		r.logger.Debug(ctx, "flush delivery batch", slog.Error(err))
	}
}

func (r *reporter) buildIdentify(ctx context.Context) (Identify, error) {
	var (
		stats    Stats
		features RuntimeFeatures
		eg       errgroup.Group
	)
	eg.Go(func() error {
		var err error
		stats, err = r.options.Stats.Stats(ctx)
		if err != nil {
			return xerrors.Errorf("gather instance stats: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		features, err = r.options.Stats.Features(ctx)
		if err != nil {
			return xerrors.Errorf("gather runtime features: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return Identify{}, err
	}
	return Identify{
		InstanceID: r.instanceID.String(),
		Traits:     computeTraits(r.system, r.clock.Since(r.startedAt), stats, r.infos(features)),
		Context: Properties{
			"app": Properties{"version": buildinfo.Version()},
		},
	}, nil
}

// infos mirrors the deployment configuration. Anything sensitive was
// reduced to a boolean before it reached Options.
func (r *reporter) infos(features RuntimeFeatures) Properties {
	opts := r.options
	var snapshotInterval any
	if opts.SnapshotInterval > 0 {
		snapshotInterval = uint64(opts.SnapshotInterval / time.Second)
	}
	return Properties{
		"env":                        opts.Env,
		"custom_data_dir":            opts.CustomDataDir,
		"custom_http_addr":           opts.CustomHTTPAddr,
		"http_payload_size_limit":    opts.PayloadSizeLimit,
		"master_key":                 opts.MasterKeySet,
		"ssl":                        opts.SSLEnabled,
		"log_level":                  opts.LogLevel,
		"with_configuration_file":    opts.ConfigFileSet,
		"schedule_snapshot":          snapshotInterval,
		"vector_store":               features.VectorStore,
		"metrics":                    features.Metrics,
		"contains_filter":            features.ContainsFilter,
		"edit_documents_by_function": features.EditDocumentsByFunction,
	}
}

type noopReporter struct{}

func (*noopReporter) Publish(Message) {}

func (*noopReporter) InstanceID() uuid.UUID { return uuid.Nil }

func (*noopReporter) Close() {}
