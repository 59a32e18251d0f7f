package hook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler processes a single event. A non-nil error is collected by Emit and
// returned to the emitter; it never stops dispatch to later handlers.
type Handler func(ctx context.Context, ev Event) error

// Subscription identifies a single handler registration. The zero value is
// never issued by a live bus.
type Subscription struct {
	eventType string
	id        uint64
}

type registration struct {
	id    uint64
	owner string
	once  bool
	fired atomic.Bool
	fn    Handler
}

// Bus is an in-process publish/subscribe event dispatcher. Handlers are
// invoked synchronously, in registration order, at most once per emit.
// There is no retry and no persistence. A Bus is safe for concurrent use;
// handlers may register or remove subscriptions from within a dispatch.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*registration
	nextID   uint64
	closed   bool
	logger   *slog.Logger
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]*registration),
		logger:   logger,
	}
}

// On registers a handler for an event type on behalf of owner (a plugin id,
// or a host subsystem name). Registration order is preserved per event type.
func (b *Bus) On(eventType, owner string, fn Handler) Subscription {
	return b.register(eventType, owner, fn, false)
}

// Once registers a handler that self-deregisters after its first invocation,
// whether or not that invocation returned an error.
func (b *Bus) Once(eventType, owner string, fn Handler) Subscription {
	return b.register(eventType, owner, fn, true)
}

func (b *Bus) register(eventType, owner string, fn Handler, once bool) Subscription {
	if fn == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}
	}
	b.nextID++
	reg := &registration{id: b.nextID, owner: owner, once: once, fn: fn}
	b.handlers[eventType] = append(b.handlers[eventType], reg)
	return Subscription{eventType: eventType, id: reg.id}
}

// Off removes a registration. Removing an unknown or already-removed
// subscription is a no-op: lifecycle teardown paths call Off unconditionally
// and must not fail when a Once handler already removed itself.
func (b *Bus) Off(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub.eventType, sub.id)
}

// OffOwner removes every registration made on behalf of owner, across all
// event types. It returns the number of registrations removed.
func (b *Bus) OffOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for eventType, regs := range b.handlers {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.owner == owner {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		if len(kept) == 0 {
			delete(b.handlers, eventType)
		} else {
			b.handlers[eventType] = kept
		}
	}
	return removed
}

// Emit dispatches an event to every handler registered for its type,
// sequentially, in registration order. The handler list is snapshotted up
// front so handlers may call On/Once/Off without deadlocking; registrations
// made during dispatch do not receive the current event. All handler errors
// from this dispatch are returned; a failing handler never blocks the rest.
func (b *Bus) Emit(ctx context.Context, ev Event) []error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	regs := b.handlers[ev.Type]
	snapshot := make([]*registration, len(regs))
	copy(snapshot, regs)
	b.mu.RUnlock()

	var errs []error
	var spent []*registration
	for _, reg := range snapshot {
		if reg.once && !reg.fired.CompareAndSwap(false, true) {
			continue // another emit already consumed this Once handler
		}
		if err := b.invoke(ctx, reg, ev); err != nil {
			errs = append(errs, fmt.Errorf("hook %q handler (owner %s): %w", ev.Type, reg.owner, err))
		}
		if reg.once {
			spent = append(spent, reg)
		}
	}

	if len(spent) > 0 {
		b.mu.Lock()
		for _, reg := range spent {
			b.removeLocked(ev.Type, reg.id)
		}
		b.mu.Unlock()
	}
	return errs
}

// invoke runs a single handler, converting a panic into an error so one
// misbehaving plugin cannot take down the emitter.
func (b *Bus) invoke(ctx context.Context, reg *registration, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return reg.fn(ctx, ev)
}

// HandlerCount returns the number of handlers registered for an event type.
func (b *Bus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Close discards all registrations and rejects further ones. Events emitted
// after Close are dropped. Intended for host shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]*registration)
}

// removeLocked deletes a registration by id. Caller must hold b.mu.
func (b *Bus) removeLocked(eventType string, id uint64) {
	regs := b.handlers[eventType]
	for i, reg := range regs {
		if reg.id == id {
			b.handlers[eventType] = append(regs[:i], regs[i+1:]...)
			if len(b.handlers[eventType]) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}
