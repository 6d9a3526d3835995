// Package dispatch drives the asynchronous pipeline behind the webhook ACK:
// three bounded worker pools carry a task through shaping, matching, and run
// execution. Backpressure is expressed by the bounded channels; the front
// door blocks at most the enqueue budget and then drops.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LutendoLukhele/cortex/pkg/config"
	"github.com/LutendoLukhele/cortex/pkg/matcher"
	"github.com/LutendoLukhele/cortex/pkg/metrics"
	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/runtime"
	"github.com/LutendoLukhele/cortex/pkg/shaper"
)

// matchTask carries a shaped event to the matcher pool together with the
// soft deadline inherited from its webhook task.
type matchTask struct {
	event    *models.Event
	deadline time.Time
}

// pool is one stage's worker group with its own stop signal, so shutdown can
// stop stages in pipeline order and let each drain its queue fully.
type pool struct {
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPool() *pool { return &pool{stopCh: make(chan struct{})} }

func (p *pool) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Dispatcher owns the three worker pools. Shaper workers are CPU-light,
// matcher workers are LLM-bound, runtime workers are I/O-bound and form the
// largest pool.
type Dispatcher struct {
	shaper  *shaper.Shaper
	matcher *matcher.Matcher
	runner  *runtime.Runner
	metrics *metrics.Metrics
	logger  *slog.Logger

	pools    config.PoolsConfig
	deadline time.Duration

	shaperCh chan shaper.Task
	matchCh  chan matchTask
	runCh    chan *models.Run

	shaperPool  *pool
	matcherPool *pool
	runtimePool *pool

	started bool
}

// New creates a Dispatcher with bounded queues sized by pools.QueueDepth.
func New(sh *shaper.Shaper, m *matcher.Matcher, r *runtime.Runner, pools config.PoolsConfig, deadline time.Duration, met *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if sh == nil || m == nil || r == nil {
		panic("dispatch.New: pipeline stages must not be nil")
	}
	if met == nil {
		met = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		shaper:      sh,
		matcher:     m,
		runner:      r,
		metrics:     met,
		logger:      logger.With("component", "dispatcher"),
		pools:       pools,
		deadline:    deadline,
		shaperCh:    make(chan shaper.Task, pools.QueueDepth),
		matchCh:     make(chan matchTask, pools.QueueDepth),
		runCh:       make(chan *models.Run, pools.QueueDepth),
		shaperPool:  newPool(),
		matcherPool: newPool(),
		runtimePool: newPool(),
	}
}

// Start spawns the worker goroutines. Safe to call once; subsequent calls
// are no-ops.
func (d *Dispatcher) Start() {
	if d.started {
		d.logger.Warn("dispatcher already started, ignoring duplicate Start call")
		return
	}
	d.started = true

	d.logger.Info("starting worker pools",
		"shaper_workers", d.pools.ShaperWorkers,
		"matcher_workers", d.pools.MatcherWorkers,
		"runtime_workers", d.pools.RuntimeWorkers,
		"queue_depth", d.pools.QueueDepth)

	for i := 0; i < d.pools.ShaperWorkers; i++ {
		d.shaperPool.wg.Add(1)
		go d.shaperWorker()
	}
	for i := 0; i < d.pools.MatcherWorkers; i++ {
		d.matcherPool.wg.Add(1)
		go d.matcherWorker()
	}
	for i := 0; i < d.pools.RuntimeWorkers; i++ {
		d.runtimePool.wg.Add(1)
		go d.runtimeWorker()
	}
}

// Stop shuts the pipeline down in order: intake stops first, then each stage
// drains its queue before the next stage stops. Accepted work finishes.
func (d *Dispatcher) Stop() {
	d.shaperPool.stop()
	d.matcherPool.stop()
	d.runtimePool.stop()
	d.logger.Info("worker pools stopped")
}

// EnqueueSync offers a webhook task to the shaper pool, blocking up to the
// enqueue budget. Returns false when the task was dropped; the caller still
// ACKs the webhook.
func (d *Dispatcher) EnqueueSync(task shaper.Task) bool {
	select {
	case <-d.shaperPool.stopCh:
		d.drop("shaper")
		return false
	default:
	}

	timer := time.NewTimer(d.pools.EnqueueBudget)
	defer timer.Stop()
	select {
	case d.shaperCh <- task:
		d.metrics.QueueDepth.WithLabelValues("shaper").Set(float64(len(d.shaperCh)))
		return true
	case <-timer.C:
		d.drop("shaper")
		return false
	case <-d.shaperPool.stopCh:
		d.drop("shaper")
		return false
	}
}

// EnqueueRun offers an existing pending run to the runtime pool. Used by the
// rerun operation; blocks until accepted or ctx expires.
func (d *Dispatcher) EnqueueRun(ctx context.Context, run *models.Run) error {
	select {
	case d.runCh <- run:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.runtimePool.stopCh:
		return context.Canceled
	}
}

func (d *Dispatcher) shaperWorker() {
	defer d.shaperPool.wg.Done()
	for {
		select {
		case task := <-d.shaperCh:
			d.shape(task)
		case <-d.shaperPool.stopCh:
			// Drain what the front door already accepted.
			for {
				select {
				case task := <-d.shaperCh:
					d.shape(task)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) shape(task shaper.Task) {
	started := time.Now()
	deadline := started.Add(d.deadline)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	events, err := d.shaper.Shape(ctx, task)
	if err != nil {
		d.logger.Error("shaping failed",
			"user_id", task.UserID, "provider", task.Provider, "model", task.Model, "error", err)
		return
	}
	d.metrics.EventsShaped.Add(float64(len(events)))

	// The matcher pool outlives this one during shutdown, so a blocking
	// send is safe while draining.
	for _, ev := range events {
		select {
		case d.matchCh <- matchTask{event: ev, deadline: deadline}:
		case <-d.matcherPool.stopCh:
			d.drop("matcher")
			return
		}
	}
	d.metrics.ShapeMatchLatency.Observe(time.Since(started).Seconds())
}

func (d *Dispatcher) matcherWorker() {
	defer d.matcherPool.wg.Done()
	for {
		select {
		case task := <-d.matchCh:
			d.match(task)
		case <-d.matcherPool.stopCh:
			for {
				select {
				case task := <-d.matchCh:
					d.match(task)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) match(task matchTask) {
	ctx, cancel := context.WithDeadline(context.Background(), task.deadline)
	defer cancel()

	runs, err := d.matcher.Match(ctx, task.event)
	if err != nil {
		d.logger.Error("matching failed", "event_id", task.event.ID, "error", err)
		return
	}
	d.metrics.RunsCreated.Add(float64(len(runs)))

	for _, run := range runs {
		select {
		case d.runCh <- run:
		case <-d.runtimePool.stopCh:
			// The run stays pending; startup recovery surfaces it.
			d.logger.Warn("shutdown before run execution", "run_id", run.ID)
			return
		}
	}
}

func (d *Dispatcher) runtimeWorker() {
	defer d.runtimePool.wg.Done()
	for {
		select {
		case run := <-d.runCh:
			d.execute(run)
		case <-d.runtimePool.stopCh:
			for {
				select {
				case run := <-d.runCh:
					d.execute(run)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) execute(run *models.Run) {
	started := time.Now()
	status, err := d.runner.Execute(context.Background(), run)
	if err != nil {
		d.logger.Error("run execution failed", "run_id", run.ID, "error", err)
		return
	}
	d.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	d.metrics.RunLatency.Observe(time.Since(started).Seconds())
}

func (d *Dispatcher) drop(pool string) {
	d.metrics.TasksDropped.WithLabelValues(pool).Inc()
	d.logger.Warn("task dropped, pool full", "pool", pool)
}
