package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agentflow/internal/archive"
	"agentflow/internal/domain"
	"agentflow/internal/history"
	"agentflow/internal/metrics"
	"agentflow/internal/queue"
	"agentflow/internal/routing"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrTerminal = errors.New("task already finished")
	ErrInvalid  = errors.New("invalid task")
	ErrClosed   = errors.New("dispatcher closed")
)

// Handler is the capability every agent backend provides.
type Handler interface {
	Process(ctx context.Context, query, taskType string, params map[string]string) (domain.Response, error)
}

type HandlerFunc func(ctx context.Context, query, taskType string, params map[string]string) (domain.Response, error)

func (f HandlerFunc) Process(ctx context.Context, query, taskType string, params map[string]string) (domain.Response, error) {
	return f(ctx, query, taskType, params)
}

type SubmitRequest struct {
	Type              string            `json:"type"`
	Payload           map[string]string `json:"payload"`
	Priority          domain.Priority   `json:"priority"`
	HandlerPreference string            `json:"handler_preference"`
	ScheduledAt       time.Time         `json:"scheduled_at"`
	MaxAttempts       int               `json:"max_attempts"`
}

type Options struct {
	Concurrency    int
	PollInterval   time.Duration
	ErrorBackoff   time.Duration
	HandlerTimeout time.Duration // zero disables
	HistorySize    int
	MaxAttempts    int
	Validator      func(SubmitRequest) error
	Router         *routing.Router
	Archive        archive.Archive
	Metrics        *metrics.Recorder
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.Router == nil {
		o.Router = routing.Default()
	}
}

type Filter struct {
	Status  domain.Status
	Handler domain.HandlerID
}

type run struct {
	item      *domain.WorkItem
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
}

type counters struct {
	total, completed, failed, cancelled, defaultRouted int
	durSum                                             time.Duration
	durN                                               int
}

// Dispatcher owns the queue, the active set and the completed history.
// A single mutex covers all three, so an item is always visible in exactly one.
type Dispatcher struct {
	opts     Options
	handlers map[domain.HandlerID]Handler

	mu            sync.Mutex
	queue         *queue.Queue
	active        map[string]*run
	history       *history.Store
	seq           uint64
	dispatchSeq   uint64
	stats         counters
	started       bool
	closed        bool
	archiveClosed bool

	subMu      sync.Mutex
	subs       map[chan domain.Snapshot]struct{}
	subsClosed bool

	wake    chan struct{}
	evicted chan domain.Record
	runs    sync.WaitGroup
	onStep  func() // test hooks
	onClaim func()
}

func New(handlers map[domain.HandlerID]Handler, opts Options) (*Dispatcher, error) {
	opts.defaults()
	d := &Dispatcher{
		opts:     opts,
		handlers: handlers,
		queue:    queue.New(),
		active:   make(map[string]*run),
		subs:     make(map[chan domain.Snapshot]struct{}),
		wake:     make(chan struct{}, 1),
		evicted:  make(chan domain.Record, 256),
	}
	h, err := history.New(opts.HistorySize, d.onEvict)
	if err != nil {
		return nil, err
	}
	d.history = h
	return d, nil
}

// onEvict runs under d.mu, from history.Put.
func (d *Dispatcher) onEvict(rec domain.Record) {
	if d.opts.Archive == nil || d.archiveClosed {
		return
	}
	select {
	case d.evicted <- rec:
	default:
		d.opts.Metrics.ArchiveError()
		log.Warn().Str("task_id", rec.Item.ID).Msg("archive backlog full, dropping evicted record")
	}
}

func (d *Dispatcher) Capacity() int { return d.opts.Concurrency }

// Route reports where an item with this type and preference would go.
func (d *Dispatcher) Route(taskType, preference string) routing.Decision {
	return d.opts.Router.Route(taskType, preference)
}

// Submit validates, routes and enqueues a work item. It never waits for execution.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (domain.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.WorkItem{}, err
	}
	if d.opts.Validator != nil {
		if err := d.opts.Validator(req); err != nil {
			return domain.WorkItem{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	dec := d.opts.Router.Route(req.Type, req.HandlerPreference)
	now := time.Now()
	it := &domain.WorkItem{
		ID:                "task_" + uuid.NewString(),
		Type:              req.Type,
		Priority:          req.Priority,
		Status:            domain.StatusPending,
		ScheduledAt:       req.ScheduledAt,
		HandlerPreference: req.HandlerPreference,
		Handler:           dec.Handler,
		DefaultRouted:     dec.Defaulted,
		MaxAttempts:       req.MaxAttempts,
		CreatedAt:         now,
	}
	if len(req.Payload) > 0 {
		it.Payload = make(map[string]string, len(req.Payload))
		for k, v := range req.Payload {
			it.Payload[k] = v
		}
	}
	if it.Priority == 0 {
		it.Priority = domain.PriorityNormal
	}
	if it.ScheduledAt.IsZero() {
		it.ScheduledAt = now
	}
	if it.MaxAttempts <= 0 {
		it.MaxAttempts = d.opts.MaxAttempts
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.WorkItem{}, ErrClosed
	}
	d.seq++
	it.Seq = d.seq
	d.queue.Push(it, now)
	d.stats.total++
	if dec.Defaulted {
		d.stats.defaultRouted++
	}
	out := it.Clone()
	d.mu.Unlock()

	ev := log.Debug()
	if dec.Defaulted || dec.IgnoredPreference != "" {
		ev = log.Warn().Str("ignored_preference", dec.IgnoredPreference).Bool("default_routed", dec.Defaulted)
	}
	ev.Str("task_id", out.ID).Str("type", out.Type).Str("handler", string(out.Handler)).
		Stringer("priority", out.Priority).Time("scheduled_at", out.ScheduledAt).Msg("task submitted")

	d.opts.Metrics.Submitted(out.Handler, dec.Defaulted)
	d.signal()
	d.publish()
	return out, nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Status looks an item up in the active set, the history, the queue and
// finally the archive.
func (d *Dispatcher) Status(ctx context.Context, id string) (domain.WorkItem, error) {
	d.mu.Lock()
	if r, ok := d.active[id]; ok {
		it := r.item.Clone()
		d.mu.Unlock()
		return it, nil
	}
	if rec, ok := d.history.Get(id); ok {
		d.mu.Unlock()
		return rec.Item.Clone(), nil
	}
	if it, ok := d.queue.Get(id); ok {
		out := it.Clone()
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()

	rec, err := d.fromArchive(ctx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return rec.Item, nil
}

// Result returns the outcome of a finished item; ErrNotFound until then.
func (d *Dispatcher) Result(ctx context.Context, id string) (domain.Result, error) {
	d.mu.Lock()
	rec, ok := d.history.Get(id)
	d.mu.Unlock()
	if ok {
		return rec.Result, nil
	}
	rec, err := d.fromArchive(ctx, id)
	if err != nil {
		return domain.Result{}, err
	}
	return rec.Result, nil
}

func (d *Dispatcher) fromArchive(ctx context.Context, id string) (domain.Record, error) {
	if d.opts.Archive == nil {
		return domain.Record{}, ErrNotFound
	}
	rec, err := d.opts.Archive.Get(ctx, id)
	if errors.Is(err, archive.ErrNotFound) {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("archive lookup %s: %w", id, err)
	}
	return rec, nil
}

// Cancel removes a queued item, or cancels the context of a running one.
// A running item stays CANCELLED even if its handler later succeeds.
func (d *Dispatcher) Cancel(id string) (domain.WorkItem, error) {
	d.mu.Lock()
	if r, ok := d.active[id]; ok {
		if !r.cancelled {
			r.cancelled = true
			r.item.Status = domain.StatusCancelled
			r.cancel()
		}
		out := r.item.Clone()
		d.mu.Unlock()
		log.Info().Str("task_id", id).Msg("running task cancelled")
		d.publish()
		return out, nil
	}
	if it, ok := d.queue.Remove(id); ok {
		now := time.Now()
		it.Status = domain.StatusCancelled
		it.CompletedAt = &now
		d.history.Put(domain.Record{Item: it.Clone(), Result: domain.Result{
			TaskID:    it.ID,
			Handler:   it.Handler,
			Status:    domain.StatusCancelled,
			Message:   "cancelled before start",
			StartedAt: now,
			EndedAt:   now,
		}})
		d.stats.cancelled++
		out := it.Clone()
		d.mu.Unlock()
		log.Info().Str("task_id", id).Msg("queued task cancelled")
		d.opts.Metrics.Finished(out.Handler, domain.StatusCancelled, 0)
		d.publish()
		return out, nil
	}
	if rec, ok := d.history.Get(id); ok {
		d.mu.Unlock()
		return rec.Item.Clone(), ErrTerminal
	}
	d.mu.Unlock()
	return domain.WorkItem{}, ErrNotFound
}

// Tasks lists queued, active and retained finished items in submission order.
func (d *Dispatcher) Tasks(f Filter) []domain.WorkItem {
	match := func(it *domain.WorkItem) bool {
		return (f.Status == "" || it.Status == f.Status) && (f.Handler == "" || it.Handler == f.Handler)
	}
	var out []domain.WorkItem
	d.mu.Lock()
	for _, it := range d.queue.Items() {
		if match(it) {
			out = append(out, it.Clone())
		}
	}
	for _, r := range d.active {
		if match(r.item) {
			out = append(out, r.item.Clone())
		}
	}
	for _, rec := range d.history.Records() {
		if match(&rec.Item) {
			out = append(out, rec.Item.Clone())
		}
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (d *Dispatcher) Stats() domain.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statsLocked()
}

func (d *Dispatcher) statsLocked() domain.Stats {
	s := domain.Stats{
		Total:         d.stats.total,
		Completed:     d.stats.completed,
		Failed:        d.stats.failed,
		Cancelled:     d.stats.cancelled,
		Active:        len(d.active),
		Queued:        d.queue.Len(),
		DefaultRouted: d.stats.defaultRouted,
	}
	if d.stats.durN > 0 {
		s.AverageDuration = d.stats.durSum / time.Duration(d.stats.durN)
	}
	return s
}

func (d *Dispatcher) QueueStatus() domain.QueueStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueStatusLocked()
}

func (d *Dispatcher) queueStatusLocked() domain.QueueStatus {
	return domain.QueueStatus{
		Ready:    d.queue.Ready(),
		Delayed:  d.queue.Delayed(),
		Active:   len(d.active),
		Capacity: d.opts.Concurrency,
	}
}

func (d *Dispatcher) Snapshot() domain.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return domain.Snapshot{Stats: d.statsLocked(), Queue: d.queueStatusLocked(), At: time.Now()}
}

// Subscribe streams a snapshot after every mutation until ctx is done or the
// dispatcher stops. A slow reader only ever sees the latest snapshot.
func (d *Dispatcher) Subscribe(ctx context.Context) <-chan domain.Snapshot {
	ch := make(chan domain.Snapshot, 1)
	ch <- d.Snapshot()

	d.subMu.Lock()
	if d.subsClosed {
		d.subMu.Unlock()
		close(ch)
		return ch
	}
	d.subs[ch] = struct{}{}
	d.subMu.Unlock()
	go func() {
		<-ctx.Done()
		d.unsubscribe(ch)
	}()
	return ch
}

func (d *Dispatcher) unsubscribe(ch chan domain.Snapshot) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if _, ok := d.subs[ch]; ok {
		delete(d.subs, ch)
		close(ch)
	}
}

func (d *Dispatcher) publish() {
	snap := d.Snapshot()
	d.opts.Metrics.Queue(snap.Queue)

	d.subMu.Lock()
	defer d.subMu.Unlock()
	for ch := range d.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// replace the stale snapshot
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (d *Dispatcher) closeSubscribers() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subsClosed = true
	for ch := range d.subs {
		delete(d.subs, ch)
		close(ch)
	}
}
