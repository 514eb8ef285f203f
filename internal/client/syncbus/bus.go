package syncbus

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhy497/rs-system-sub000/internal/logging"
)

const DefaultWindow = 300 * time.Millisecond

// State is where the receiving side of the bus is.
type State int

const (
	StateIdle State = iota
	StatePublished
	StateDebouncing
	StateReloading
	StateNotifyUI
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePublished:
		return "published"
	case StateDebouncing:
		return "debouncing"
	case StateReloading:
		return "reloading"
	case StateNotifyUI:
		return "notify-ui"
	default:
		return "unknown"
	}
}

// Handler re-reads the given collections from the store, bypassing any
// cache.
type Handler func(ctx context.Context, collections []string) error

type Bus struct {
	b      Broadcaster
	origin string
	window time.Duration
	logger logging.Logger

	flushMu sync.Mutex

	mu       sync.Mutex
	state    State
	timer    *time.Timer
	pending  map[string]struct{}
	handlers map[int]Handler
	refresh  []func(collections []string)
	nextID   int
	ctx      context.Context

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type Option func(*Bus)

func WithWindow(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithOrigin fixes the identifier this process signs its messages with.
func WithOrigin(origin string) Option {
	return func(b *Bus) { b.origin = origin }
}

// New wraps b; a nil b falls back to Noop.
func New(b Broadcaster, logger logging.Logger, opts ...Option) *Bus {
	if b == nil {
		b = Noop()
	}
	bus := &Bus{
		b:        b,
		origin:   uuid.NewString(),
		window:   DefaultWindow,
		logger:   logger.With("component", "syncbus"),
		pending:  make(map[string]struct{}),
		handlers: make(map[int]Handler),
		ctx:      context.Background(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

func (bus *Bus) Origin() string { return bus.origin }

func (bus *Bus) State() State {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.state
}

// Publish announces a local write. Delivery is best effort.
func (bus *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Type == "" {
		ev.Type = EventStorageUpdated
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	ev.Origin = bus.origin

	bus.setStateIfIdle(StatePublished)
	defer bus.setStateIfIs(StatePublished, StateIdle)

	return bus.b.Broadcast(ctx, ev)
}

// Subscribe registers a reload handler and returns its removal func.
func (bus *Bus) Subscribe(h Handler) func() {
	bus.mu.Lock()
	id := bus.nextID
	bus.nextID++
	bus.handlers[id] = h
	bus.mu.Unlock()

	return func() {
		bus.mu.Lock()
		delete(bus.handlers, id)
		bus.mu.Unlock()
	}
}

// OnRefresh registers a callback run after every debounced reload.
func (bus *Bus) OnRefresh(fn func(collections []string)) {
	bus.mu.Lock()
	bus.refresh = append(bus.refresh, fn)
	bus.mu.Unlock()
}

// Start begins consuming messages until ctx is done or Close is called.
func (bus *Bus) Start(ctx context.Context) {
	bus.mu.Lock()
	bus.ctx = ctx
	bus.mu.Unlock()

	msgs := bus.b.Messages()
	bus.wg.Add(1)
	go func() {
		defer bus.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-bus.stop:
				return
			case ev, ok := <-msgs:
				if !ok {
					return
				}
				bus.receive(ev)
			}
		}
	}()
}

func (bus *Bus) Close() error {
	var err error
	bus.once.Do(func() {
		close(bus.stop)
		bus.mu.Lock()
		if bus.timer != nil {
			bus.timer.Stop()
		}
		bus.mu.Unlock()
		err = bus.b.Close()
		bus.wg.Wait()
	})
	return err
}

func (bus *Bus) receive(ev Event) {
	if ev.Origin == bus.origin || ev.Type != EventStorageUpdated {
		return
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.pending[ev.Collection] = struct{}{}
	if bus.state != StateReloading && bus.state != StateNotifyUI {
		bus.state = StateDebouncing
	}

	// Every message pushes the reload out by a full window.
	if bus.timer == nil {
		bus.timer = time.AfterFunc(bus.window, bus.flush)
		return
	}
	bus.timer.Stop()
	bus.timer.Reset(bus.window)
}

func (bus *Bus) flush() {
	select {
	case <-bus.stop:
		return
	default:
	}

	bus.flushMu.Lock()
	defer bus.flushMu.Unlock()

	bus.mu.Lock()
	if len(bus.pending) == 0 {
		bus.mu.Unlock()
		return
	}
	collections := make([]string, 0, len(bus.pending))
	for c := range bus.pending {
		collections = append(collections, c)
	}
	sort.Strings(collections)
	clear(bus.pending)

	bus.state = StateReloading
	ctx := bus.ctx
	handlers := make([]Handler, 0, len(bus.handlers))
	ids := make([]int, 0, len(bus.handlers))
	for id := range bus.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, bus.handlers[id])
	}
	refresh := slices.Clone(bus.refresh)
	bus.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, collections); err != nil {
			bus.logger.Warn(ctx, "reload after sibling write failed", "collections", collections, "error", err)
		}
	}

	bus.mu.Lock()
	bus.state = StateNotifyUI
	bus.mu.Unlock()

	for _, fn := range refresh {
		fn(collections)
	}

	bus.mu.Lock()
	if len(bus.pending) > 0 {
		bus.state = StateDebouncing
	} else {
		bus.state = StateIdle
	}
	bus.mu.Unlock()
}

func (bus *Bus) setStateIfIdle(s State) {
	bus.setStateIfIs(StateIdle, s)
}

func (bus *Bus) setStateIfIs(from, to State) {
	bus.mu.Lock()
	if bus.state == from {
		bus.state = to
	}
	bus.mu.Unlock()
}
