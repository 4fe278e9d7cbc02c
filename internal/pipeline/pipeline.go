package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"faceforge/internal/logging"
	"faceforge/internal/tasks"
)

// JobKind enumerates the work the pipeline executes.
type JobKind string

const (
	JobPreprocess JobKind = "preprocess"
	JobSwap       JobKind = "swap"
)

// Job represents a single queued unit of work.
type Job struct {
	ID         string
	Kind       JobKind
	TemplateID string
	TaskID     string
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// cancelFlagTTL bounds how long an unobserved cancel flag is kept.
// Flags are normally removed when the task's swap job finishes; a flag
// set for a task that is already terminal has no job to clear it.
const cancelFlagTTL = time.Hour

// Pipeline dispatches jobs across a worker pool. Sibling jobs run
// concurrently with no ordering guarantee; each job is sequential
// inside. It also carries the cooperative cancellation signals for
// swap tasks, checked by the executor at its checkpoints.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	canceled  map[string]time.Time
}

// New creates a Pipeline with the given concurrency, binds the
// preprocessor and executor to it, and starts the workers.
func New(ctx context.Context, workers, queueDepth int, logger *slog.Logger, pre *tasks.Preprocessor, exec *tasks.Executor) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < workers {
		queueDepth = workers * 2
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:      logger,
		jobs:     make(chan Job, queueDepth),
		cancel:   cancel,
		subs:     make(map[int]chan Result),
		canceled: make(map[string]time.Time),
	}

	p.startOnce.Do(func() {
		p.processor = newRouter(logger, pre, exec)
		pre.Bind(p)
		exec.Bind(p)
		for i := 0; i < workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue without blocking.
func (p *Pipeline) Submit(job Job) error {
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueuePreprocess queues a preprocessing run for a template.
func (p *Pipeline) EnqueuePreprocess(templateID string) error {
	return p.Submit(Job{ID: templateID, Kind: JobPreprocess, TemplateID: templateID})
}

// EnqueueSwap queues execution of a swap task.
func (p *Pipeline) EnqueueSwap(taskID string) error {
	return p.Submit(Job{ID: taskID, Kind: JobSwap, TaskID: taskID})
}

// CancelSwap flags a swap task for cooperative cancellation. Returns
// immediately; the caller polls task state to observe termination.
// Flags older than cancelFlagTTL are pruned here so requests against
// tasks with no in-flight job cannot accumulate.
func (p *Pipeline) CancelSwap(taskID string) {
	now := time.Now()
	p.mu.Lock()
	for id, at := range p.canceled {
		if now.Sub(at) > cancelFlagTTL {
			delete(p.canceled, id)
		}
	}
	p.canceled[taskID] = now
	p.mu.Unlock()
}

// SwapCanceled reports whether cancellation was requested for taskID.
func (p *Pipeline) SwapCanceled(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.canceled[taskID]
	return ok
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()

			logging.LogTaskStart(p.log, string(job.Kind), job.ID)
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			if res.Error != nil {
				logging.LogTaskError(p.log, string(job.Kind), job.ID, duration, res.Error)
			} else {
				logging.LogTaskComplete(p.log, string(job.Kind), job.ID, duration)
			}

			if job.Kind == JobSwap {
				p.mu.Lock()
				delete(p.canceled, job.TaskID)
				p.mu.Unlock()
			}

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an
// unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
