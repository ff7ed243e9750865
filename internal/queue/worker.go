package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pytake/orchestrator/internal/apperrors"
	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/metrics"
)

// HandlerFunc is the business logic registered against a handler name
// (§4.2). UpdateProgress lets the handler stream progress/delta events
// through to the broker before it returns.
type HandlerFunc func(ctx context.Context, job *Job, updateProgress func(interface{})) (map[string]interface{}, error)

// HandlerLookup resolves a handler name to its current implementation. The
// registry (internal/registry) is the concrete provider; the worker pool
// only depends on this narrow interface so handler hot-reload never touches
// in-flight dequeues.
type HandlerLookup interface {
	Lookup(name string) (HandlerFunc, bool)
}

// FlowUpdate is what the worker pool hands to OnFlowTerminal when a job
// carrying a flowId reaches a terminal state — deliberately untyped
// against the flow package (which imports queue) to avoid a cycle;
// cmd/api adapts this into the flow coordinator's JobUpdate shape.
type FlowUpdate struct {
	Status      string
	Result      map[string]interface{}
	Error       string
	HandlerName string
	QueueName   string
}

// Pool runs a bounded number of goroutines per queue, each pulling jobs off
// the broker, invoking the resolved handler, and reporting the outcome
// back. Concurrency and poll timing follow §4.3/§5.
type Pool struct {
	broker   Broker
	handlers HandlerLookup
	log      *logger.Logger

	concurrency map[string]int
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopCh      chan struct{}

	// OnFlowTerminal is invoked after a flow-tagged job reaches completed
	// or failed, implementing §4.5's "workers invoke the coordinator's
	// updateProgress" contract without the worker pool depending on the
	// flow package directly.
	OnFlowTerminal func(ctx context.Context, flowID, jobID string, update FlowUpdate)
}

func NewPool(broker Broker, handlers HandlerLookup, concurrency map[string]int, log *logger.Logger) *Pool {
	return &Pool{
		broker:      broker,
		handlers:    handlers,
		log:         log,
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the configured number of workers for every queue and a
// single stuck-job reaper per queue. It returns immediately; call Stop to
// drain.
func (p *Pool) Start(ctx context.Context) {
	for queueName, n := range p.concurrency {
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.runWorker(ctx, queueName, i)
		}
		p.wg.Add(1)
		go p.runReaper(ctx, queueName)
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, queueName string, index int) {
	defer p.wg.Done()
	log := p.log.With("queue", queueName, "worker", index)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.broker.dequeue(ctx, queueName, 2)
		if err != nil {
			if apperrors.Is(err, apperrors.CodeBrokerUnavailable) {
				log.Warn("broker unavailable, backing off", "error", err)
				time.Sleep(time.Second)
			}
			continue
		}
		if job == nil {
			continue
		}

		p.process(ctx, job, log)
	}
}

func (p *Pool) process(ctx context.Context, job *Job, log *logger.Logger) {
	job.Attempt++
	if err := p.broker.markActive(ctx, job); err != nil {
		log.Error("failed to mark job active", "job", job.ID, "error", err)
		return
	}

	handler, ok := p.handlers.Lookup(job.HandlerName)
	if !ok {
		reason := fmt.Sprintf("no handler registered for %q", job.HandlerName)
		p.broker.markFailed(ctx, job, reason, false)
		p.notifyFlow(ctx, job, "failed", nil, reason)
		return
	}

	updateProgress := func(progress interface{}) {
		p.broker.publishProgress(ctx, job, progress)
	}

	start := time.Now()
	result, err := p.invoke(ctx, handler, job, updateProgress, log)
	metrics.HandlerDuration.WithLabelValues(job.Queue, job.HandlerName).Observe(time.Since(start).Seconds())

	if err != nil {
		retry := job.Attempt < job.Options.Attempts
		p.broker.markFailed(ctx, job, err.Error(), retry)
		if !retry {
			metrics.JobsProcessed.WithLabelValues(job.Queue, "failed").Inc()
			p.notifyFlow(ctx, job, "failed", nil, err.Error())
		}
		return
	}

	p.broker.markCompleted(ctx, job, result)
	metrics.JobsProcessed.WithLabelValues(job.Queue, "completed").Inc()
	p.notifyFlow(ctx, job, "completed", result, "")
}

func (p *Pool) notifyFlow(ctx context.Context, job *Job, status string, result map[string]interface{}, errMsg string) {
	flowID := job.FlowID()
	if flowID == "" || p.OnFlowTerminal == nil {
		return
	}
	p.OnFlowTerminal(ctx, flowID, job.ID, FlowUpdate{
		Status:      status,
		Result:      result,
		Error:       errMsg,
		HandlerName: job.HandlerName,
		QueueName:   job.Queue,
	})
}

// invoke runs the handler with panic recovery, grounded on the teacher's
// worker goroutine: a handler panic must fail the job, never crash the
// pool.
func (p *Pool) invoke(ctx context.Context, handler HandlerFunc, job *Job, updateProgress func(interface{}), log *logger.Logger) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "job", job.ID, "handler", job.HandlerName, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job, updateProgress)
}

// runReaper periodically sweeps for jobs stuck in active past their
// deadline (worker crash between markActive and completion/failure).
func (p *Pool) runReaper(ctx context.Context, queueName string) {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			stuck, err := p.broker.recoverStuck(ctx, queueName)
			if err != nil {
				continue
			}
			for _, job := range stuck {
				p.log.Warn("recovered stuck job", "queue", queueName, "job", job.ID)
			}
		}
	}
}
