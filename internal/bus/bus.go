// Package bus is the asynchronous publish/subscribe channel between the
// scan pipeline and its consumers.
//
// Every subscriber owns a mailbox and a goroutine. Publish appends to the
// mailboxes of matching subscribers and returns; it never waits on a handler.
// Mailboxes are FIFO, so messages from one producer reach each subscriber in
// the order they were published. Nothing is promised across producers.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/metrics"
)

// Predicate selects messages for a subscriber. It runs on the publisher's
// goroutine and must not block.
type Predicate func(Message) bool

// Handler consumes a message on the subscriber's goroutine.
type Handler func(Message)

// ByType matches messages of any of the given types.
func ByType(types ...Type) Predicate {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(m Message) bool {
		_, ok := set[m.Type]
		return ok
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithMailboxLimit bounds each subscriber mailbox. When full, the oldest
// message is dropped. Zero means unbounded.
func WithMailboxLimit(n int) Option {
	return func(b *Bus) {
		b.mailboxLimit = n
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// Bus fans messages out to subscribers.
type Bus struct {
	mu           sync.RWMutex
	subs         []*subscriber
	nextID       uint64
	closed       atomic.Bool
	mailboxLimit int
	logger       *logging.Logger
	metrics      *metrics.Metrics
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.Default().WithComponent("bus")
	}
	if b.metrics == nil {
		b.metrics = metrics.Default()
	}
	return b
}

// Subscribe registers handler for messages accepted by pred. A nil pred
// accepts everything.
func (b *Bus) Subscribe(pred Predicate, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := newSubscriber(b.nextID, pred, handler, b)
	if b.closed.Load() {
		s.stop()
	} else {
		// copy on write so Publish can iterate a snapshot without the lock
		subs := make([]*subscriber, len(b.subs), len(b.subs)+1)
		copy(subs, b.subs)
		b.subs = append(subs, s)
	}
	return &Subscription{bus: b, sub: s}
}

// Publish hands msg to every matching subscriber. It returns false once the
// bus is closed.
func (b *Bus) Publish(msg Message) bool {
	if b.closed.Load() {
		return false
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		if s.pred == nil || s.pred(msg) {
			s.enqueue(msg)
		}
	}
	b.metrics.BusPublished(string(msg.Type))
	return true
}

// Emit builds and publishes a message.
func (b *Bus) Emit(t Type, producer string, payload any) bool {
	return b.Publish(NewMessage(t, producer, payload))
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting messages, lets every subscriber drain its mailbox
// and waits for the subscriber goroutines. It must not be called from a
// handler.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	for _, s := range subs {
		<-s.done
	}
}

func (b *Bus) remove(target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s != target {
			subs = append(subs, s)
		}
	}
	b.subs = subs
}

// Subscription is a handle on a registered subscriber.
type Subscription struct {
	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// Unsubscribe removes the subscriber. Messages already in its mailbox are
// still delivered. It does not wait and is safe to call from the handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.sub)
		s.sub.stop()
	})
}

// Done is closed when the subscriber goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.sub.done
}

// Dropped returns how many messages a bounded mailbox discarded.
func (s *Subscription) Dropped() uint64 {
	return s.sub.dropped.Load()
}

type subscriber struct {
	id      uint64
	pred    Predicate
	handler Handler
	bus     *Bus

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Message
	stopping bool
	dropped  atomic.Uint64
	done     chan struct{}
}

func newSubscriber(id uint64, pred Predicate, handler Handler, b *Bus) *subscriber {
	s := &subscriber{
		id:      id,
		pred:    pred,
		handler: handler,
		bus:     b,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) enqueue(msg Message) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	if limit := s.bus.mailboxLimit; limit > 0 && len(s.queue) >= limit {
		dropped := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		s.dropped.Add(1)
		s.bus.metrics.BusDropped(string(dropped.Type))
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopping {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(msg)
	}
}

func (s *subscriber) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("Subscriber handler panicked",
				"subscriber_id", s.id,
				"message_type", msg.Type,
				"panic", r)
		}
	}()
	s.handler(msg)
}
