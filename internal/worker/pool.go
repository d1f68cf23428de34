package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"agentflow/internal/domain"
)

// Run drives the dispatch loop until ctx is done; only the first call runs.
// In-flight items are cancelled on the way out and Run returns once they
// and the archive backlog have drained. Item contexts hang off a base owned
// by the dispatcher, so only Cancel, the handler timeout or shutdown end them.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		log.Warn().Msg("dispatcher already running")
		return
	}
	d.started = true
	d.mu.Unlock()

	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	archived := make(chan struct{})
	go d.archiveLoop(archived)

	t := time.NewTicker(d.opts.PollInterval)
	defer t.Stop()

	log.Info().Int("concurrency", d.opts.Concurrency).Dur("poll", d.opts.PollInterval).Msg("dispatcher started")
	for {
		next, err := d.step(base)
		if err != nil {
			d.opts.Metrics.LoopError()
			log.Error().Err(err).Dur("backoff", d.opts.ErrorBackoff).Msg("dispatch step failed")
			select {
			case <-ctx.Done():
				d.shutdown(archived)
				return
			case <-time.After(d.opts.ErrorBackoff):
			}
			continue
		}

		var due <-chan time.Time
		var timer *time.Timer
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			due = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			d.shutdown(archived)
			return
		case <-t.C:
		case <-d.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// step moves ready items into the active set while capacity allows and
// returns the next time a delayed item becomes due.
func (d *Dispatcher) step(base context.Context) (next time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch step panic: %v", r)
		}
	}()
	if d.onStep != nil {
		d.onStep()
	}

	launch, next := d.claim(base, time.Now())
	for _, r := range launch {
		log.Debug().Str("task_id", r.item.ID).Str("handler", string(r.item.Handler)).Msg("task dispatched")
		d.runs.Add(1)
		go d.execute(r)
	}
	if len(launch) > 0 {
		d.publish()
	}
	return next, nil
}

// claim promotes due items and marks as many ready items RUNNING as the
// free slots allow.
func (d *Dispatcher) claim(base context.Context, now time.Time) ([]*run, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onClaim != nil {
		d.onClaim()
	}

	var launch []*run
	d.queue.Promote(now)
	for len(d.active) < d.opts.Concurrency {
		it, ok := d.queue.PopReady(now)
		if !ok {
			break
		}
		started := now
		it.Status = domain.StatusRunning
		it.StartedAt = &started
		it.Attempt++
		d.dispatchSeq++
		it.DispatchSeq = d.dispatchSeq

		r := &run{item: it}
		if d.opts.HandlerTimeout > 0 {
			r.ctx, r.cancel = context.WithTimeout(base, d.opts.HandlerTimeout)
		} else {
			r.ctx, r.cancel = context.WithCancel(base)
		}
		d.active[it.ID] = r
		launch = append(launch, r)
	}
	next, _ := d.queue.NextDue()
	return launch, next
}

type outcome struct {
	resp domain.Response
	err  error
}

// execute waits for the handler or for the item context, whichever comes
// first, so a handler that ignores cancellation still frees its slot.
func (d *Dispatcher) execute(r *run) {
	defer d.runs.Done()
	defer r.cancel()

	// Type, Payload and Handler are never written after submission.
	it := r.item
	query, params := splitPayload(it.Payload)
	done := make(chan outcome, 1)

	h, ok := d.handlers[it.Handler]
	if !ok {
		done <- outcome{err: fmt.Errorf("no handler registered for %q", it.Handler)}
	} else {
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					done <- outcome{err: fmt.Errorf("handler panic: %v", rec)}
				}
			}()
			resp, err := h.Process(r.ctx, query, it.Type, params)
			done <- outcome{resp: resp, err: err}
		}()
	}

	var out outcome
	select {
	case out = <-done:
	case <-r.ctx.Done():
		out.err = r.ctx.Err()
	}
	d.finish(r, out)
}

func splitPayload(p map[string]string) (string, map[string]string) {
	params := make(map[string]string, len(p))
	for k, v := range p {
		if k != "query" {
			params[k] = v
		}
	}
	return p["query"], params
}

func (d *Dispatcher) finish(r *run, out outcome) {
	end := time.Now()

	d.mu.Lock()
	it := r.item
	delete(d.active, it.ID)
	res := domain.Result{
		TaskID:    it.ID,
		Handler:   it.Handler,
		StartedAt: *it.StartedAt,
		EndedAt:   end,
		Duration:  end.Sub(*it.StartedAt),
	}
	switch {
	case r.cancelled:
		res.Status = domain.StatusCancelled
		res.Message = "cancelled"
	case out.err == nil && out.resp.Error == "":
		res.Status = domain.StatusCompleted
		res.Success = true
		res.Message = out.resp.Content
		res.Confidence = out.resp.Confidence
	default:
		res.Status = domain.StatusFailed
		res.Message = failureMessage(out, d.opts.HandlerTimeout)
		res.Confidence = out.resp.Confidence
		if it.Attempt < it.MaxAttempts && !d.closed {
			delay := backoffExp(it.Attempt)
			it.Status = domain.StatusPending
			it.StartedAt = nil
			it.ScheduledAt = end.Add(delay)
			d.queue.Push(it, end)
			d.mu.Unlock()

			log.Warn().Str("task_id", it.ID).Int("attempt", it.Attempt).Dur("retry_in", delay).
				Str("error", res.Message).Msg("task attempt failed, retrying")
			d.opts.Metrics.Retried()
			d.signal()
			d.publish()
			return
		}
	}

	it.Status = res.Status
	it.CompletedAt = &end
	d.history.Put(domain.Record{Item: it.Clone(), Result: res})
	switch res.Status {
	case domain.StatusCompleted:
		d.stats.completed++
	case domain.StatusFailed:
		d.stats.failed++
	case domain.StatusCancelled:
		d.stats.cancelled++
	}
	if res.Status != domain.StatusCancelled {
		d.stats.durSum += res.Duration
		d.stats.durN++
	}
	d.mu.Unlock()

	ev := log.Info()
	if res.Status == domain.StatusFailed {
		ev = log.Warn().Str("error", res.Message)
	}
	ev.Str("task_id", it.ID).Str("handler", string(res.Handler)).Str("status", string(res.Status)).
		Dur("duration", res.Duration).Msg("task finished")
	d.opts.Metrics.Finished(res.Handler, res.Status, res.Duration)
	d.signal()
	d.publish()
}

func failureMessage(out outcome, timeout time.Duration) string {
	switch {
	case errors.Is(out.err, context.DeadlineExceeded):
		return fmt.Sprintf("handler timed out after %s", timeout)
	case out.err != nil:
		return out.err.Error()
	default:
		return out.resp.Error
	}
}

func (d *Dispatcher) shutdown(archived <-chan struct{}) {
	d.mu.Lock()
	d.closed = true
	for _, r := range d.active {
		if !r.cancelled {
			r.cancelled = true
			r.item.Status = domain.StatusCancelled
		}
		r.cancel()
	}
	pending := d.queue.Len()
	d.mu.Unlock()

	d.runs.Wait()

	d.mu.Lock()
	d.archiveClosed = true
	close(d.evicted)
	d.mu.Unlock()
	<-archived

	d.publish()
	d.closeSubscribers()
	log.Info().Int("pending_dropped", pending).Msg("dispatcher stopped")
}

func (d *Dispatcher) archiveLoop(done chan<- struct{}) {
	defer close(done)
	for rec := range d.evicted {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.opts.Archive.Put(ctx, rec); err != nil {
			d.opts.Metrics.ArchiveError()
			log.Error().Err(err).Str("task_id", rec.Item.ID).Msg("archive evicted record")
		}
		cancel()
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
