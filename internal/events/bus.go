package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/yieldguard/internal/retry"
)

// DefaultPersistRetry is applied to Store.Append failures.
var DefaultPersistRetry = retry.Policy{Attempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published by type.",
	}, []string{"type"})

	eventsPersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "events",
		Name:      "persist_errors_total",
		Help:      "Events that could not be written to the audit store.",
	})

	subscriberPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldguard",
		Subsystem: "events",
		Name:      "subscriber_panics_total",
		Help:      "Recovered subscriber panics by subscriber name.",
	}, []string{"subscriber"})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsPersistErrors, subscriberPanics)
}

// HandlerFunc receives published events.
type HandlerFunc func(ctx context.Context, e *Event)

type subscription struct {
	id      int
	name    string
	types   map[Type]bool
	handler HandlerFunc
}

// Bus persists events to a Store and fans them out to subscribers.
// Publish never returns an error: persistence failures are logged and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
	store  Store
	retry  retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates a bus. store may be nil.
func NewBus(store Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{store: store, retry: DefaultPersistRetry, logger: logger, now: time.Now}
}

// WithPersistRetry overrides the retry policy for store writes.
func (b *Bus) WithPersistRetry(p retry.Policy) *Bus {
	b.retry = p
	return b
}

// WithClock overrides the timestamp source.
func (b *Bus) WithClock(now func() time.Time) *Bus {
	b.now = now
	return b
}

// Subscribe registers h for the given types (all types when none are given)
// and returns a function that removes the subscription.
func (b *Bus) Subscribe(name string, h HandlerFunc, types ...Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{id: b.nextID, name: name, handler: h}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps, persists and delivers e.
func (b *Bus) Publish(ctx context.Context, e *Event) {
	if e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	eventsPublished.WithLabelValues(string(e.Type)).Inc()

	if b.store != nil {
		if err := b.retry.Do(ctx, func() error { return b.store.Append(ctx, e) }); err != nil {
			eventsPersistErrors.Inc()
			b.logger.Warn("event persist failed", "event_id", e.ID, "type", e.Type, "error", err)
		}
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		b.deliver(ctx, s, e)
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			subscriberPanics.WithLabelValues(s.name).Inc()
			b.logger.Error("event subscriber panicked", "subscriber", s.name, "type", e.Type, "panic", fmt.Sprint(r))
		}
	}()
	s.handler(ctx, e)
}
