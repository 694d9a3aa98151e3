package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/graceline/safety/internal/metrics"
)

// maxAttempts is the first try plus one retry.
const maxAttempts = 2

// Dispatcher sends a job over one channel.
type Dispatcher interface {
	Channel() Channel
	Dispatch(ctx context.Context, job Job) (Ack, error)
}

// Runner executes jobs in the background, one goroutine per job. Each
// attempt is bounded by a timeout; a failed attempt is retried once after
// retryDelay. Callers never wait on delivery.
type Runner struct {
	mu          sync.RWMutex
	dispatchers map[Channel]Dispatcher
	timeout     time.Duration
	retryDelay  time.Duration
	inflight    sync.WaitGroup
}

// NewRunner creates a Runner for the given dispatchers. A dispatcher
// registered later for the same channel replaces the earlier one.
func NewRunner(timeout, retryDelay time.Duration, dispatchers ...Dispatcher) *Runner {
	r := &Runner{
		dispatchers: make(map[Channel]Dispatcher, len(dispatchers)),
		timeout:     timeout,
		retryDelay:  retryDelay,
	}
	for _, d := range dispatchers {
		r.dispatchers[d.Channel()] = d
	}
	return r
}

// Register adds or replaces the dispatcher for d's channel. It exists for
// dispatchers that themselves depend on the runner.
func (r *Runner) Register(d Dispatcher) {
	r.mu.Lock()
	r.dispatchers[d.Channel()] = d
	r.mu.Unlock()
}

// Run starts all jobs concurrently and returns immediately. done, if not
// nil, receives every result once the last job has finished; results are in
// the same order as jobs.
func (r *Runner) Run(jobs []Job, done func([]Result)) {
	if len(jobs) == 0 {
		if done != nil {
			done(nil)
		}
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()

		results := make([]Result, len(jobs))
		var g errgroup.Group
		for i, job := range jobs {
			g.Go(func() error {
				results[i] = r.dispatch(job)
				return nil
			})
		}
		_ = g.Wait()

		if done != nil {
			done(results)
		}
	}()
}

// Wait blocks until every job started by Run has finished. Used on shutdown.
func (r *Runner) Wait() {
	r.inflight.Wait()
}

func (r *Runner) dispatch(job Job) (res Result) {
	start := time.Now()
	res.Job = job
	defer func() {
		res.Duration = time.Since(start)
		metrics.DispatchDuration.WithLabelValues(string(job.Channel)).Observe(res.Duration.Seconds())
	}()

	r.mu.RLock()
	d, ok := r.dispatchers[job.Channel]
	r.mu.RUnlock()
	if !ok {
		res.Err = &DispatchError{Channel: job.Channel, Err: ErrNoDispatcher}
		log.Printf("[dispatch] job=%s channel=%s: no dispatcher registered", job.ID, job.Channel)
		metrics.DispatchTotal.WithLabelValues(string(job.Channel), "failed").Inc()
		return res
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		ack, err := r.attempt(d, job)
		if err == nil {
			res.Ack = ack
			outcome := "ok"
			if attempt > 1 {
				outcome = "retried_ok"
			}
			metrics.DispatchTotal.WithLabelValues(string(job.Channel), outcome).Inc()
			return res
		}
		lastErr = err
		log.Printf("[dispatch] job=%s channel=%s attempt=%d failed: %v", job.ID, job.Channel, attempt, err)

		if attempt < maxAttempts && r.retryDelay > 0 {
			time.Sleep(r.retryDelay)
		}
	}

	res.Err = &DispatchError{Channel: job.Channel, Attempts: res.Attempts, Err: lastErr}
	log.Printf("[dispatch] job=%s channel=%s subject=%s record=%s GAVE UP: %v",
		job.ID, job.Channel, job.SubjectID, job.RecordID(), lastErr)
	metrics.DispatchTotal.WithLabelValues(string(job.Channel), "failed").Inc()
	return res
}

// attempt runs one dispatch call bounded by the runner timeout. A dispatcher
// that ignores its context is abandoned at the deadline; a panicking
// dispatcher counts as a failed attempt.
func (r *Runner) attempt(d Dispatcher, job Job) (Ack, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	type outcome struct {
		ack Ack
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("dispatcher panic: %v", p)}
			}
		}()
		ack, err := d.Dispatch(ctx, job)
		ch <- outcome{ack: ack, err: err}
	}()

	select {
	case o := <-ch:
		return o.ack, o.err
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("timed out after %s: %w", r.timeout, ctx.Err())
	}
}
