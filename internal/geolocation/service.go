package geolocation

import (
	"context"
	"time"

	"github.com/anstrom/camwatch/internal/background"
	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/metrics"
)

const producer = "geolocation"

// Locator performs a single lookup.
type Locator interface {
	Lookup(ctx context.Context, address string) (Location, error)
}

// Publisher accepts bus messages.
type Publisher interface {
	Publish(msg bus.Message) bool
}

// ServiceConfig controls Service.
type ServiceConfig struct {
	Order    background.Order
	MaxQueue int
	// Logger defaults to logging.Default().
	Logger *logging.Logger
}

// Service runs lookups in the background and publishes each outcome.
type Service struct {
	locator  Locator
	resolver *Resolver
	pub      Publisher
	worker   *background.QueueWorker[string]
	logger   *logging.Logger
	metrics  *metrics.Metrics
	sub      *bus.Subscription
}

// NewService builds a service. resolver may be nil.
func NewService(cfg ServiceConfig, locator Locator, resolver *Resolver, pub Publisher, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		locator:  locator,
		resolver: resolver,
		pub:      pub,
		logger:   logger.WithComponent("geolocation"),
		metrics:  m,
	}
	s.worker = background.New(s.locate, background.Options[string]{
		Name:     "geolocation",
		Order:    cfg.Order,
		MaxQueue: cfg.MaxQueue,
		Logger:   s.logger,
		OnDepth:  m.SetGeolocationQueue,
		OnDrop:   s.dropped,
	})
	return s
}

// Enqueue schedules a lookup and returns immediately.
func (s *Service) Enqueue(address string) error {
	if address == "" {
		return errors.New(errors.CodeValidation, "empty address")
	}
	return s.worker.Enqueue(address)
}

// Attach enqueues every geolocation_request published on b.
func (s *Service) Attach(b *bus.Bus) {
	s.sub = b.Subscribe(bus.ByType(bus.TypeGeolocationRequest), func(msg bus.Message) {
		req, ok := msg.Payload.(bus.GeolocationRequestPayload)
		if !ok {
			return
		}
		if err := s.Enqueue(req.Address); err != nil {
			s.logger.ErrorGeo("Dropped geolocation request", req.Address, err)
			s.publishError(req.Address, err)
		}
	})
}

// Stats reports the background queue.
func (s *Service) Stats() background.Stats {
	return s.worker.Stats()
}

// Close detaches from the bus and drains pending lookups. Requests already
// delivered to the subscription are enqueued before the worker closes.
func (s *Service) Close(ctx context.Context) error {
	if s.sub != nil {
		s.sub.Unsubscribe()
		select {
		case <-s.sub.Done():
		case <-ctx.Done():
		}
	}
	return s.worker.Close(ctx)
}

// dropped reports a lookup discarded because Close ran out of time.
func (s *Service) dropped(address string) {
	s.publishError(address, errors.NewWithTarget(errors.CodeCanceled, "geolocation dropped at shutdown", address))
}

func (s *Service) publishError(address string, err error) {
	s.pub.Publish(bus.NewMessage(bus.TypeError, producer, bus.ErrorPayload{
		Source:  bus.SourceGeolocation,
		Target:  address,
		Kind:    errors.Kind(err),
		Message: err.Error(),
	}))
}

func (s *Service) locate(ctx context.Context, address string) {
	start := time.Now()
	loc, err := s.lookup(ctx, address)
	s.metrics.RecordGeolocation(err == nil, time.Since(start))

	if err != nil {
		s.logger.ErrorGeo("Geolocation failed", address, err)
		s.publishError(address, err)
		return
	}

	s.logger.InfoGeo("Geolocation resolved", address, "country", loc.Country, "org", loc.Org)
	s.pub.Publish(bus.NewMessage(bus.TypeGeolocationResult, producer, bus.GeolocationResultPayload{
		Address: address,
		City:    loc.City,
		Region:  loc.Region,
		Country: loc.Country,
		Org:     loc.Org,
		Loc:     loc.Loc,
	}))
}

func (s *Service) lookup(ctx context.Context, address string) (Location, error) {
	ip := address
	if s.resolver != nil {
		resolved, err := s.resolver.Resolve(ctx, address)
		if err != nil {
			return Location{}, err
		}
		ip = resolved
	}
	return s.locator.Lookup(ctx, ip)
}
