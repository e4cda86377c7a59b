// Package scheduler runs the background side of dispatch: the worker pool that
// delivers queued messages and the periodic reconciliation jobs
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull    = errors.New("dispatch queue is full")
	ErrQueueStopped = errors.New("dispatch queue is stopped")
)

var (
	dispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Number of dispatch jobs waiting for a worker",
		},
	)

	dispatchJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_total",
			Help: "Dispatch jobs processed by workers partitioned by result",
		},
		[]string{"result"},
	)

	dispatchQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_queue_wait_seconds",
			Help:    "Time a job waited in the queue before a worker picked it up",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Deliverer performs the provider side of a queued send
type Deliverer interface {
	Deliver(ctx context.Context, job businessflow.DispatchJob) error
}

// DispatchWorker is an in-process bounded queue drained by a fixed pool of workers
type DispatchWorker struct {
	jobs       chan businessflow.DispatchJob
	workers    int
	jobTimeout time.Duration
	logger     zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// NewDispatchWorker creates a worker pool sized from cfg. Jobs are accepted as soon
// as the worker exists and run once Start is called.
func NewDispatchWorker(cfg config.DispatchConfig, logger zerolog.Logger) *DispatchWorker {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}
	return &DispatchWorker{
		jobs:       make(chan businessflow.DispatchJob, size),
		workers:    workers,
		jobTimeout: cfg.JobTimeout,
		logger:     logger.With().Str("component", "dispatch_worker").Logger(),
	}
}

// Enqueue hands job to the pool without blocking
func (w *DispatchWorker) Enqueue(job businessflow.DispatchJob) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrQueueStopped
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	select {
	case w.jobs <- job:
		dispatchQueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of jobs waiting for a worker
func (w *DispatchWorker) Len() int {
	return len(w.jobs)
}

// Start launches the workers. They run until Stop is called or parent is cancelled.
func (w *DispatchWorker) Start(parent context.Context, handler Deliverer) {
	ctx, cancel := context.WithCancel(parent)
	g, gCtx := errgroup.WithContext(ctx)

	w.mu.Lock()
	w.group = g
	w.cancel = cancel
	w.mu.Unlock()

	for i := 0; i < w.workers; i++ {
		workerID := i
		g.Go(func() error {
			w.run(gCtx, workerID, handler)
			return nil
		})
	}
	w.logger.Info().Int("workers", w.workers).Int("capacity", cap(w.jobs)).Msg("Dispatch workers started")
}

func (w *DispatchWorker) run(ctx context.Context, workerID int, handler Deliverer) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.jobs:
			if !ok {
				return
			}
			dispatchQueueDepth.Dec()
			w.process(ctx, workerID, handler, job)
		}
	}
}

func (w *DispatchWorker) process(ctx context.Context, workerID int, handler Deliverer, job businessflow.DispatchJob) {
	if !job.EnqueuedAt.IsZero() {
		dispatchQueueWait.Observe(time.Since(job.EnqueuedAt).Seconds())
	}

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			dispatchJobsTotal.WithLabelValues("panic").Inc()
			w.logger.Error().
				Interface("panic", r).
				Int("worker", workerID).
				Uint("message_id", job.MessageID).
				Msg("Dispatch job panicked")
		}
	}()

	if err := handler.Deliver(jobCtx, job); err != nil {
		dispatchJobsTotal.WithLabelValues("failed").Inc()
		w.logger.Warn().
			Err(err).
			Int("worker", workerID).
			Uint("message_id", job.MessageID).
			Msg("Dispatch job finished without a successful send")
		return
	}
	dispatchJobsTotal.WithLabelValues("ok").Inc()
}

// Stop refuses new jobs, lets the workers drain what is already queued and waits for them
func (w *DispatchWorker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.jobs)
	group := w.group
	cancel := w.cancel
	w.mu.Unlock()

	if group == nil {
		return
	}
	_ = group.Wait()
	cancel()
	w.logger.Info().Msg("Dispatch workers stopped")
}

// Shutdown stops the pool like Stop but gives up waiting when ctx ends. Jobs still
// queued at that point are left pending for the stale sweep.
func (w *DispatchWorker) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.mu.RLock()
		cancel := w.cancel
		w.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		<-done
		return ctx.Err()
	}
}
