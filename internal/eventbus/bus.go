package eventbus

import (
	"sync"

	"github.com/google/uuid"
)

// Logger is the minimal diagnostic sink the bus needs for handler
// errors.
type Logger interface {
	Printf(format string, args ...any)
}

// Handler processes a delivered event. Returned errors are logged and
// isolated; they never propagate to the emitter.
type Handler func(Event) error

type subscription struct {
	id      string
	kind    string
	handler Handler
	once    bool
	fired   bool
}

// BusOption customizes Bus construction.
type BusOption func(*Bus)

// WithLogger injects a diagnostic sink for handler errors.
func WithLogger(logger Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// Bus routes events to subscribers. Subscribers for an exact type run
// in registration order, followed by wildcard subscribers in their own
// registration order.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]*subscription
	byID    map[string]*subscription
	paused  bool
	pending []Event
	logger  Logger
}

// NewBus constructs an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs: map[string][]*subscription{},
		byID: map[string]*subscription{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers handler for events of type t (or Wildcard) and
// returns the subscription id.
func (b *Bus) Subscribe(t string, handler Handler) string {
	return b.subscribe(t, handler, false)
}

// SubscribeOnce registers handler to receive at most one event.
func (b *Bus) SubscribeOnce(t string, handler Handler) string {
	return b.subscribe(t, handler, true)
}

func (b *Bus) subscribe(t string, handler Handler, once bool) string {
	sub := &subscription{
		id:      uuid.NewString(),
		kind:    t,
		handler: handler,
		once:    once,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes the subscription with the given id, reporting
// whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	b.removeLocked(sub)
	return true
}

func (b *Bus) removeLocked(sub *subscription) {
	list := b.subs[sub.kind]
	kept := make([]*subscription, 0, len(list))
	for _, s := range list {
		if s != sub {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, sub.kind)
	} else {
		b.subs[sub.kind] = kept
	}
}

// Emit delivers event to every matching handler in order and returns
// only after all of them have run. Handler errors are logged and
// swallowed. While the bus is paused the event is queued instead.
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	if b.paused {
		b.pending = append(b.pending, event)
		b.mu.Unlock()
		return
	}
	handlers := b.claimHandlersLocked(event.Type)
	b.mu.Unlock()
	for _, h := range handlers {
		b.invoke(h, event)
	}
}

// EmitSync hands the event to every matching handler without waiting
// for them to finish; each runs on its own goroutine and late errors
// are logged.
func (b *Bus) EmitSync(event Event) {
	b.mu.Lock()
	if b.paused {
		b.pending = append(b.pending, event)
		b.mu.Unlock()
		return
	}
	handlers := b.claimHandlersLocked(event.Type)
	b.mu.Unlock()
	for _, h := range handlers {
		go b.invoke(h, event)
	}
}

// claimHandlersLocked snapshots the handlers for t plus wildcard
// handlers, consuming once-only subscriptions so they cannot fire
// twice even under concurrent emits.
func (b *Bus) claimHandlersLocked(t Type) []Handler {
	var claimed []Handler
	for _, kind := range []string{string(t), Wildcard} {
		for _, sub := range b.subs[kind] {
			if sub.fired {
				continue
			}
			if sub.once {
				sub.fired = true
				delete(b.byID, sub.id)
				defer b.removeLocked(sub)
			}
			claimed = append(claimed, sub.handler)
		}
	}
	return claimed
}

func (b *Bus) invoke(h Handler, event Event) {
	if err := h(event); err != nil && b.logger != nil {
		b.logger.Printf("eventbus: handler error for %s: %v", event.Type, err)
	}
}

// Pause queues subsequent emits in memory until Resume.
func (b *Bus) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

// Resume drains queued events in FIFO order through Emit.
func (b *Bus) Resume() {
	b.mu.Lock()
	b.paused = false
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, event := range queued {
		b.Emit(event)
	}
}

// SubscriptionCount reports the number of live subscriptions for t, or
// for all types when t is empty.
func (b *Bus) SubscriptionCount(t string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t != "" {
		return len(b.subs[t])
	}
	total := 0
	for _, list := range b.subs {
		total += len(list)
	}
	return total
}

// HasSubscribers reports whether any handler would receive an event of
// type t; with t empty it reports whether any subscription exists.
func (b *Bus) HasSubscribers(t string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == "" {
		return len(b.byID) > 0
	}
	return len(b.subs[t]) > 0 || len(b.subs[Wildcard]) > 0
}

// Clear drops every subscription and any queued events.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = map[string][]*subscription{}
	b.byID = map[string]*subscription{}
	b.pending = nil
}

var (
	defaultMu  sync.Mutex
	defaultBus *Bus
)

// Default returns the process-wide bus, creating it on first use. It
// exists for callers that do not wire their own bus.
func Default() *Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		defaultBus = NewBus()
	}
	return defaultBus
}

// ResetDefault replaces the process-wide bus with a fresh one. Tests
// call this to isolate subscription state.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultBus = NewBus()
}
