// Package dispatch implements the rate-limited dispatcher every remote
// platform call must pass through: a fixed worker pool draining three
// strict-priority FIFO queues under a global and a per-tenant token bucket,
// with retry/backoff on transient failures.
package dispatch

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
)

// Priority orders jobs under contention. Lower values drain first.
type Priority int

const (
	// Interactive (P0) is user-initiated work: re-verify buttons, status
	// commands. Dequeued ahead of everything else.
	Interactive Priority = iota

	// Event (P1) is join/leave-triggered checks and restrictions.
	Event

	// Bulk (P2) is batch warming and background sweeps; throttled and
	// rejected outright once the backlog threshold is crossed.
	Bulk
)

func (p Priority) String() string {
	switch p {
	case Interactive:
		return "p0"
	case Event:
		return "p1"
	default:
		return "p2"
	}
}

var (
	// ErrCancelled is delivered to a caller whose job was cancelled while
	// still queued.
	ErrCancelled = stderrors.New("dispatch: job cancelled before dispatch")

	// ErrStopped is returned by Submit after the dispatcher shut down, and
	// delivered to jobs interrupted by shutdown.
	ErrStopped = stderrors.New("dispatch: dispatcher stopped")
)

// Operation is one unit of remote work. The context carries the per-call
// timeout; the operation must return a classified error on failure.
type Operation func(ctx context.Context) (interface{}, error)

// Result is the terminal outcome of a job.
type Result struct {
	Value    interface{}
	Err      error
	Attempts int
}

// job states for the cancellation handshake.
const (
	stateQueued int32 = iota
	stateRunning
	stateCancelled
)

type job struct {
	op         Operation
	chatID     int64
	priority   Priority
	enqueuedAt time.Time
	state      atomic.Int32
	done       chan Result
}

// Pending is a handle to a submitted job.
type Pending struct {
	j *job
}

// Await blocks until the job reaches a terminal result or the caller's
// context expires. An abandoned job still runs to completion; its result
// benefits the tenant-wide cache even with nobody waiting.
func (p *Pending) Await(ctx context.Context) (interface{}, error) {
	select {
	case res := <-p.j.done:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel marks a still-queued job so workers skip it. Returns false when
// the job has already been picked up; dispatched work is never aborted.
func (p *Pending) Cancel() bool {
	return p.j.state.CompareAndSwap(stateQueued, stateCancelled)
}

// Config holds dispatcher tuning knobs. Zero values fall back to safe
// defaults in New.
type Config struct {
	Workers          int
	GlobalRPS        int
	TenantPerMinute  int
	BacklogThreshold int
	MaxAttempts      int
	BackoffBase      time.Duration
	CallTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.GlobalRPS <= 0 {
		c.GlobalRPS = 25
	}
	if c.TenantPerMinute <= 0 {
		c.TenantPerMinute = 18
	}
	if c.BacklogThreshold <= 0 {
		c.BacklogThreshold = 500
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// Dispatcher is the priority-queued, rate-limited gateway for remote calls.
type Dispatcher struct {
	cfg    Config
	policy Policy

	mu     sync.Mutex
	cond   *sync.Cond
	queues [3][]*job
	depth  int
	closed bool

	global  *TokenBucket
	tenants sync.Map // chatID -> *TokenBucket

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	metrics *metrics.Metrics
	logger  logger.Logger
}

// New creates a dispatcher. Call Start to launch the worker pool.
func New(cfg Config, m *metrics.Metrics, log logger.Logger) *Dispatcher {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:     cfg,
		policy:  Policy{MaxAttempts: cfg.MaxAttempts, Base: cfg.BackoffBase},
		global:  NewTokenBucket(cfg.GlobalRPS, time.Second, cfg.GlobalRPS),
		baseCtx: ctx,
		cancel:  cancel,
		metrics: m,
		logger:  log.WithFields(map[string]interface{}{"component": "dispatcher"}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("dispatcher started", map[string]interface{}{
		"workers":         d.cfg.Workers,
		"globalRps":       d.cfg.GlobalRPS,
		"tenantPerMinute": d.cfg.TenantPerMinute,
	})
}

// Stop drains the queues and waits for workers. If ctx expires first, the
// remaining sleeps and in-flight calls are aborted.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Submit enqueues a remote operation under the given tenant (chat) scope
// and priority. Bulk jobs are rejected synchronously once the total
// backlog reaches the configured threshold; interactive and event jobs are
// always accepted.
func (d *Dispatcher) Submit(chatID int64, prio Priority, op Operation) (*Pending, error) {
	j := &job{
		op:         op,
		chatID:     chatID,
		priority:   prio,
		enqueuedAt: time.Now(),
		done:       make(chan Result, 1),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	if prio == Bulk && d.depth >= d.cfg.BacklogThreshold {
		depth := d.depth
		d.mu.Unlock()
		d.metrics.JobsRejected.Inc()
		return nil, errors.NewQueueOverflowError(depth, d.cfg.BacklogThreshold)
	}
	d.queues[prio] = append(d.queues[prio], j)
	d.depth++
	d.metrics.QueueDepth.WithLabelValues(prio.String()).Inc()
	d.mu.Unlock()

	d.cond.Signal()
	return &Pending{j: j}, nil
}

// Depth returns the total number of queued jobs.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth
}

// dequeue blocks until a job is available, always draining the highest
// non-empty priority first. Returns nil when the dispatcher is closed and
// the queues are empty.
func (d *Dispatcher) dequeue() *job {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		for p := Interactive; p <= Bulk; p++ {
			if len(d.queues[p]) > 0 {
				j := d.queues[p][0]
				d.queues[p] = d.queues[p][1:]
				d.depth--
				d.metrics.QueueDepth.WithLabelValues(p.String()).Dec()
				return j
			}
		}
		if d.closed {
			return nil
		}
		d.cond.Wait()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		j := d.dequeue()
		if j == nil {
			return
		}

		if !j.state.CompareAndSwap(stateQueued, stateRunning) {
			// Cancelled while queued.
			j.done <- Result{Err: ErrCancelled}
			continue
		}

		d.run(j)
	}
}

// run executes a job to its terminal result: token-bucket pacing, the call
// itself, and the retry loop. The tenant ceiling is applied after the
// global one and wins when they conflict: the job waits out the tenant
// budget even when global budget is available.
func (d *Dispatcher) run(j *job) {
	bucket := d.tenantBucket(j.chatID)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if !d.pause(d.global.Reserve()) || !d.pause(bucket.Reserve()) {
			d.deliver(j, Result{Err: ErrStopped, Attempts: attempt - 1}, "stopped")
			return
		}

		callCtx, cancelCall := context.WithTimeout(d.baseCtx, d.cfg.CallTimeout)
		value, err := j.op(callCtx)
		cancelCall()

		if err == nil {
			d.deliver(j, Result{Value: value, Attempts: attempt}, "success")
			return
		}
		lastErr = err

		decision := d.policy.Decide(attempt, err)
		if !decision.Retry {
			if errors.IsRetryable(err) {
				// Retry budget exhausted on a transient failure.
				lastErr = errors.NewRetriesExhaustedError(attempt, err)
			}
			d.deliver(j, Result{Err: lastErr, Attempts: attempt}, "failure")
			return
		}

		d.metrics.JobRetries.Inc()
		d.logger.Warn("remote call failed, retrying", map[string]interface{}{
			"chatId":   j.chatID,
			"priority": j.priority.String(),
			"attempt":  attempt,
			"delay":    decision.Delay.String(),
			"error":    err.Error(),
		})

		if !d.pause(decision.Delay) {
			d.deliver(j, Result{Err: ErrStopped, Attempts: attempt}, "stopped")
			return
		}
	}
}

func (d *Dispatcher) deliver(j *job, res Result, status string) {
	d.metrics.JobsCompleted.WithLabelValues(j.priority.String(), status).Inc()
	j.done <- res
}

// pause sleeps for the given duration, returning false if the dispatcher
// shuts down first.
func (d *Dispatcher) pause(wait time.Duration) bool {
	if wait <= 0 {
		return d.baseCtx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.baseCtx.Done():
		return false
	}
}

func (d *Dispatcher) tenantBucket(chatID int64) *TokenBucket {
	if b, ok := d.tenants.Load(chatID); ok {
		return b.(*TokenBucket)
	}
	b, _ := d.tenants.LoadOrStore(chatID, NewTokenBucket(d.cfg.TenantPerMinute, time.Minute, d.cfg.TenantPerMinute))
	return b.(*TokenBucket)
}
