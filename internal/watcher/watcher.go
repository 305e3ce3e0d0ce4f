// Package watcher wires the camwatch pipeline together: the worker pool that
// scans targets, the rule set that identifies cameras, the background
// geolocation service, MJPEG streams and the bus every outcome is published
// on. It is the single entry point used by the CLI and the API.
package watcher

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/anstrom/camwatch/internal/background"
	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/config"
	"github.com/anstrom/camwatch/internal/db"
	"github.com/anstrom/camwatch/internal/detection"
	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/geolocation"
	"github.com/anstrom/camwatch/internal/htmltitle"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/metrics"
	"github.com/anstrom/camwatch/internal/mjpeg"
	"github.com/anstrom/camwatch/internal/scanning"
	"github.com/anstrom/camwatch/internal/workers"
)

// Producer is the bus producer name for messages the watcher emits itself.
const Producer = "watcher"

// Option configures a Watcher.
type Option func(*Watcher)

// WithFetcher replaces the HTTP fetcher used by scan jobs.
func WithFetcher(f scanning.Fetcher) Option {
	return func(w *Watcher) { w.fetcher = f }
}

// WithLocator replaces the geolocation lookup client.
func WithLocator(l geolocation.Locator) Option {
	return func(w *Watcher) { w.locator = l }
}

// WithStore persists results published on the bus.
func WithStore(s *db.Store) Option {
	return func(w *Watcher) { w.store = s }
}

// WithStreamClient sets the HTTP client used for MJPEG streams.
func WithStreamClient(c *http.Client) Option {
	return func(w *Watcher) { w.streamClient = c }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Pool        workers.Stats     `json:"pool"`
	Geolocation *background.Stats `json:"geolocation,omitempty"`
	Streams     int               `json:"streams"`
	Subscribers int               `json:"subscribers"`
	Rules       int               `json:"rules"`
}

// Watcher owns the pipeline components.
type Watcher struct {
	cfg          *config.Config
	bus          *bus.Bus
	rules        *detection.RuleSet
	classifier   htmltitle.Config
	fetcher      scanning.Fetcher
	locator      geolocation.Locator
	pool         *workers.Pool
	geo          *geolocation.Service
	store        *db.Store
	slots        *streamSlots
	streamClient *http.Client
	metrics      *metrics.Metrics
	logger       *logging.Logger

	subs         []*bus.Subscription
	streamSeq    atomic.Uint64
	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a watcher from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Watcher, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	w := &Watcher{cfg: cfg}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.Default()
	}
	if w.logger == nil {
		w.logger = logging.Default()
	}
	base := w.logger
	w.logger = base.WithComponent("watcher")

	policy := detection.CaseSensitive
	if cfg.Detection.CaseInsensitive {
		policy = detection.CaseInsensitive
	}
	w.rules = detection.NewRuleSet(policy)
	if cfg.Detection.RulesFile != "" {
		rules, err := detection.LoadFile(cfg.Detection.RulesFile)
		if err != nil {
			return nil, err
		}
		w.rules.Add(rules...)
		w.logger.Info("Loaded detection rules", "file", cfg.Detection.RulesFile, "rules", len(rules))
	}

	w.classifier = htmltitle.DefaultConfig()
	if cfg.Detection.TargetElement != "" {
		w.classifier.TargetElement = cfg.Detection.TargetElement
	}

	if w.fetcher == nil {
		w.fetcher = scanning.NewHTTPFetcher(scanning.FetcherConfig{
			Timeout:         cfg.Scanning.Timeout,
			UserAgent:       cfg.Scanning.UserAgent,
			FollowRedirects: cfg.Scanning.FollowRedirects,
			MaxRedirects:    cfg.Scanning.MaxRedirects,
			MaxBodyBytes:    cfg.Scanning.MaxBodyBytes,
		})
	}

	w.bus = bus.New(
		bus.WithMailboxLimit(cfg.Bus.MailboxLimit),
		bus.WithMetrics(w.metrics),
		bus.WithLogger(w.logger),
	)

	w.pool = workers.New(workers.Config{
		Size:            cfg.Scanning.Workers,
		QueueSize:       cfg.Scanning.QueueSize,
		ShutdownTimeout: cfg.Scanning.ShutdownTimeout,
		RateLimit:       cfg.Scanning.RateLimit,
		Burst:           cfg.Scanning.Burst,
	}, w.runScan,
		workers.WithMetrics(w.metrics),
		workers.WithLogger(w.logger),
		workers.WithPanicHandler(w.scanPanicked),
	)

	if cfg.Geolocation.Enabled {
		if w.locator == nil {
			w.locator = geolocation.NewClient(geolocation.ClientConfig{
				Endpoint:  cfg.Geolocation.Endpoint,
				Timeout:   cfg.Geolocation.Timeout,
				UserAgent: cfg.Geolocation.UserAgent,
			})
		}
		w.geo = geolocation.NewService(geolocation.ServiceConfig{
			Order:    background.ParseOrder(cfg.Geolocation.Order),
			MaxQueue: cfg.Geolocation.MaxQueue,
			Logger:   base,
		}, w.locator, geolocation.NewResolver(cfg.Geolocation.DNSServer), w.bus, w.metrics)
	}

	w.slots = newStreamSlots(cfg.Stream.MaxStreams)
	return w, nil
}

// Start launches the workers and attaches the bus subscribers.
func (w *Watcher) Start() {
	w.startOnce.Do(func() {
		w.pool.Start()

		if w.geo != nil {
			w.geo.Attach(w.bus)
			if w.cfg.Geolocation.AutoLocateCameras {
				w.subs = append(w.subs, w.bus.Subscribe(bus.ByType(bus.TypeScanResult), w.locateCamera))
			}
		}
		w.subs = append(w.subs, w.bus.Subscribe(bus.ByType(bus.TypeHTTPServerFound), w.scanFoundServer))
		if w.store != nil {
			w.store.Attach(w.bus)
		}

		w.logger.Info("Watcher started",
			"workers", w.cfg.Scanning.Workers,
			"rules", w.rules.Len(),
			"geolocation", w.geo != nil)
	})
}

// Scan validates target and queues it. It never waits for the scan.
func (w *Watcher) Scan(target string) (scanning.ScanRequest, error) {
	req, err := scanning.NewScanRequest(target)
	if err != nil {
		return scanning.ScanRequest{}, err
	}
	if err := w.pool.Submit(req); err != nil {
		return scanning.ScanRequest{}, err
	}
	return req, nil
}

// SubmitScan queues target. The outcome arrives on the bus as scan_result.
func (w *Watcher) SubmitScan(target string) error {
	_, err := w.Scan(target)
	return err
}

// EnqueueGeolocation queues a lookup for address. The outcome arrives on
// the bus as geolocation_result or error.
func (w *Watcher) EnqueueGeolocation(address string) error {
	if w.geo == nil {
		return errors.New(errors.CodeConfiguration, "geolocation is disabled")
	}
	return w.geo.Enqueue(address)
}

// LoadRuleSet appends rules to the active set. Scans already running may
// or may not see them.
func (w *Watcher) LoadRuleSet(rules []detection.Rule) {
	w.rules.Add(rules...)
	w.logger.Info("Detection rules added", "added", len(rules), "total", w.rules.Len())
}

// OpenStream reads the MJPEG stream at url until it ends, ctx is done or
// the configured limits are reached. Every block is published as
// mjpeg_frame; a failure is published as error.
func (w *Watcher) OpenStream(ctx context.Context, url string) error {
	target, err := scanning.NormalizeTarget(url)
	if err != nil {
		return err
	}

	key := strconv.FormatUint(w.streamSeq.Add(1), 10)
	if err := w.slots.acquire(ctx, key, target); err != nil {
		return err
	}
	defer w.slots.release(key)

	stream := mjpeg.NewStream(target, mjpeg.StreamConfig{
		Timeout:   w.cfg.Stream.Timeout,
		UserAgent: w.cfg.Scanning.UserAgent,
		MaxBlocks: w.cfg.Stream.MaxBlocks,
		Client:    w.streamClient,
	}, func(b mjpeg.Block) {
		w.metrics.MJPEGBlock(b.Valid)
		payload := bus.MJPEGFramePayload{
			URL:         target,
			StreamID:    b.StreamID,
			Seq:         b.Seq,
			ContentType: b.ContentType,
			Length:      len(b.Payload),
			Valid:       b.Valid,
		}
		if !b.Valid {
			payload.Error = b.Err.String()
		}
		w.bus.Emit(bus.TypeMJPEGFrame, bus.SourceStream, payload)
	})

	if err := stream.Run(ctx); err != nil {
		w.bus.Emit(bus.TypeError, bus.SourceStream, bus.ErrorPayload{
			Source:  bus.SourceStream,
			Target:  target,
			Kind:    errors.Kind(err),
			Message: err.Error(),
		})
		return err
	}
	return nil
}

// Shutdown stops accepting work, drains the pool and the geolocation queue
// and finally closes the bus so subscribers see every outcome. Scan results
// published before the pool drained still reach the auto-locate subscriber,
// so their geolocation requests are queued before the service closes.
func (w *Watcher) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() {
		w.slots.close()

		var errs []error
		if err := w.pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, sub := range w.subs {
			sub.Unsubscribe()
		}
		for _, sub := range w.subs {
			select {
			case <-sub.Done():
			case <-ctx.Done():
			}
		}
		if w.geo != nil {
			if err := w.geo.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		w.bus.Close()

		w.shutdownErr = stderrors.Join(errs...)
		w.logger.Info("Watcher stopped")
	})
	return w.shutdownErr
}

// Bus returns the message bus.
func (w *Watcher) Bus() *bus.Bus {
	return w.bus
}

// Rules returns the active rule set.
func (w *Watcher) Rules() *detection.RuleSet {
	return w.rules
}

// Streams lists the MJPEG streams currently open.
func (w *Watcher) Streams() []StreamInfo {
	return w.slots.snapshot()
}

// Store returns the result store, nil when persistence is off.
func (w *Watcher) Store() *db.Store {
	return w.store
}

// Metrics returns the collector shared by every component.
func (w *Watcher) Metrics() *metrics.Metrics {
	return w.metrics
}

// Stats reports the pipeline state.
func (w *Watcher) Stats() Stats {
	st := Stats{
		Pool:        w.pool.Stats(),
		Streams:     len(w.slots.snapshot()),
		Subscribers: w.bus.Subscribers(),
		Rules:       w.rules.Len(),
	}
	if w.geo != nil {
		gs := w.geo.Stats()
		st.Geolocation = &gs
	}
	return st
}

func (w *Watcher) runScan(ctx context.Context, req scanning.ScanRequest) {
	job := scanning.NewJob(req, w.fetcher, w.rules)
	job.Classifier = w.classifier

	result := job.Run(ctx)
	w.metrics.RecordScan(result.ErrorKind(), result.IsCamera, result.Duration)
	if result.Err != nil {
		w.logger.ErrorScan("Scan failed", result.Target, result.Err)
	} else {
		w.logger.InfoScan("Scan completed", result.Target,
			"title", result.Title,
			"is_camera", result.IsCamera,
			"duration", result.Duration)
	}

	for _, msg := range result.Messages(bus.SourceScan) {
		w.bus.Publish(msg)
	}
}

// scanPanicked still delivers the one result owed for req.
func (w *Watcher) scanPanicked(req scanning.ScanRequest, recovered any) {
	w.logger.Error("Scan handler panicked", "target", req.Target, "panic", recovered)
	result := scanning.Result{
		RequestID: req.ID,
		Target:    req.Target,
		Err:       errors.NewWithTarget(errors.CodeUnknown, "scan handler panicked", req.Target),
	}
	for _, msg := range result.Messages(bus.SourceScan) {
		w.bus.Publish(msg)
	}
}

func (w *Watcher) locateCamera(msg bus.Message) {
	p, ok := msg.Payload.(bus.ScanResultPayload)
	if !ok || !p.IsCamera {
		return
	}
	host := scanning.HostOf(p.Target)
	w.bus.Emit(bus.TypeGeolocationRequest, Producer, bus.GeolocationRequestPayload{Address: host})
}

func (w *Watcher) scanFoundServer(msg bus.Message) {
	p, ok := msg.Payload.(bus.HTTPServerFoundPayload)
	if !ok {
		return
	}
	if err := w.SubmitScan(p.URL); err != nil {
		w.logger.Warn("Could not queue discovered server", "url", p.URL, "error", err)
	}
}
