// Package periodic runs background tasks on independent tickers.
package periodic

import (
	"context"
	"log/slog"
	"time"

	"efgs-sync/internal/platform/metrics"
)

// Ticker abstracts time.Ticker for tests.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type defaultTicker struct {
	*time.Ticker
}

func (t *defaultTicker) Chan() <-chan time.Time {
	return t.C
}

func NewTicker(d time.Duration) Ticker {
	return &defaultTicker{Ticker: time.NewTicker(d)}
}

// Task is one unit of periodic work.
type Task interface {
	Name() string
	// Run executes the task once and should return within the context's timeout.
	Run(ctx context.Context) error
}

// Runner runs a task periodically. Runs never overlap.
type Runner struct {
	task         Task
	ticker       Ticker
	timeout      time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	runOnStart   bool
	stop         chan struct{}
	loopFinished chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	trigger      chan struct{}
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithRunOnStart executes the task immediately instead of waiting for the
// first tick.
func WithRunOnStart() Option {
	return func(r *Runner) {
		r.runOnStart = true
	}
}

// Start creates and starts a Runner. The timeout bounds each run and may be
// longer than the tick period, in which case a slow run is followed by an
// immediate one.
func Start(task Task, ticker Ticker, timeout time.Duration, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		task:         task,
		ticker:       ticker,
		timeout:      timeout,
		stop:         make(chan struct{}),
		loopFinished: make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		trigger:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.runLoop()
	return r
}

// Stop stops the periodic execution, waiting for a running task to finish.
func (r *Runner) Stop() {
	r.ticker.Stop()
	close(r.stop)
	<-r.loopFinished
}

// Kill is like Stop but also cancels the context of the running task.
func (r *Runner) Kill() {
	r.ticker.Stop()
	close(r.stop)
	r.cancel()
	<-r.loopFinished
}

// TriggerRun asks for an immediate run without changing the tick schedule.
// It blocks until the run starts or the runner is stopped.
func (r *Runner) TriggerRun() {
	select {
	case <-r.stop:
	case r.trigger <- struct{}{}:
	}
}

func (r *Runner) runLoop() {
	defer close(r.loopFinished)
	defer r.cancel()
	if r.runOnStart {
		r.onTick()
	}
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.Chan():
			r.onTick()
		case <-r.trigger:
			r.onTick()
		}
	}
}

func (r *Runner) onTick() {
	// Evaluate stop first so a kill racing a tick never starts a run.
	select {
	case <-r.stop:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	name := r.task.Name()
	start := time.Now()
	err := r.safeRun(ctx)
	r.metrics.ObserveTaskRun(name, time.Since(start), err)
	if err != nil && r.logger != nil {
		r.logger.ErrorContext(ctx, "periodic task failed",
			"task", name,
			"duration", time.Since(start),
			"error", err,
		)
	}
}

func (r *Runner) safeRun(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Task: r.task.Name(), Value: p}
		}
	}()
	return r.task.Run(ctx)
}
