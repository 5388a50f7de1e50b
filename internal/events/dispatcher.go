package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shotline/internal/domain"
	"shotline/internal/repo"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatch        = 100
)

// Handler consumes one event. Returning an error keeps the subscriber's
// cursor in place, so the event is delivered again: handlers must tolerate
// duplicates.
type Handler func(ctx context.Context, evt domain.Event) error

// Filter is a predicate on event type. The zero value matches nothing;
// NewFilter("") and NewFilter("*") match everything.
type Filter struct {
	all bool
	set map[string]struct{}
}

func NewFilter(spec string) Filter {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "*" {
		return Filter{all: true}
	}
	set := make(map[string]struct{})
	for _, part := range strings.Split(spec, ",") {
		key := strings.TrimSpace(part)
		if key == "" {
			continue
		}
		if key == "*" {
			return Filter{all: true}
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return Filter{all: true}
	}
	return Filter{set: set}
}

func (f Filter) Match(evtType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evtType]
	return ok
}

type DispatcherConfig struct {
	PollInterval time.Duration
	Batch        int
}

type subscriber struct {
	id      string
	name    string
	filter  Filter
	handler Handler
	cursor  int64
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// Dispatcher delivers events from the append-only log to registered
// subscribers. Each subscriber runs its own goroutine with its own cursor,
// so delivery order per subscriber follows the log (per-task FIFO) and a
// slow or failing subscriber never stalls the others, let alone the
// transaction that appended the event.
type Dispatcher struct {
	repo  repo.Repo
	log   *slog.Logger
	poll  time.Duration
	batch int

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*subscriber
	wg   sync.WaitGroup
}

func NewDispatcher(r repo.Repo, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		repo:   r,
		log:    logger,
		poll:   cfg.PollInterval,
		batch:  cfg.Batch,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscriber),
	}
}

// Subscribe registers a handler for events matching filter and returns the
// subscription ID. Delivery starts at the current end of the log: a new
// subscriber sees events published after it subscribed.
func (d *Dispatcher) Subscribe(name string, filter Filter, h Handler) string {
	cursor, err := d.repo.LatestEventID(d.ctx)
	if err != nil {
		d.log.Error("dispatch: init cursor", "subscriber", name, "error", err)
		cursor = 0
	}
	s := &subscriber{
		id:      uuid.NewString(),
		name:    name,
		filter:  filter,
		handler: h,
		cursor:  cursor,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.mu.Lock()
	d.subs[s.id] = s
	d.mu.Unlock()
	d.wg.Add(1)
	go d.run(s)
	return s.id
}

// Unsubscribe stops the subscription and waits for its in-flight delivery
// to finish. Unknown IDs are a no-op.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	s, ok := d.subs[id]
	if ok {
		delete(d.subs, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	close(s.stop)
	<-s.done
}

// Notify wakes every subscriber. Called after a commit; never blocks.
func (d *Dispatcher) Notify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Close stops all subscribers and waits for them.
func (d *Dispatcher) Close() {
	d.cancel()
	d.mu.Lock()
	for id, s := range d.subs {
		close(s.stop)
		delete(d.subs, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(s *subscriber) {
	defer d.wg.Done()
	defer close(s.done)
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		d.drain(s)
		select {
		case <-s.stop:
			return
		case <-d.ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// drain delivers pending events until the log is exhausted or the handler
// fails. On failure the cursor stays put and the batch is retried on the
// next wake: at-least-once, in log order.
func (d *Dispatcher) drain(s *subscriber) {
	for {
		batch, err := d.repo.EventsAfter(d.ctx, d.batch, s.cursor)
		if err != nil {
			if d.ctx.Err() == nil {
				d.log.Error("dispatch: fetch events", "subscriber", s.name, "error", err)
			}
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, evt := range batch {
			if !s.filter.Match(evt.Type) {
				s.cursor = evt.ID
				continue
			}
			if err := s.handler(d.ctx, evt); err != nil {
				d.log.Warn("dispatch: deliver failed", "subscriber", s.name, "event", evt.ID, "type", evt.Type, "error", err)
				return
			}
			s.cursor = evt.ID
		}
		if len(batch) < d.batch {
			return
		}
	}
}
