package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"nvis/internal/logging"
	"nvis/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobDiff  JobType = "diff"
	JobScore JobType = "score"
)

// ErrStopped is returned by Submit once the pipeline has been stopped.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single processing request.
type Job struct {
	ID      string
	Type    JobType
	Inputs  []string
	Output  string
	Options map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	ctx       context.Context
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline with the given concurrency, routing diff and score
// jobs to the blur tools.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store) *Pipeline {
	return NewWithProcessor(ctx, concurrency, logger, store, newRouter(logger))
}

// NewWithProcessor creates a Pipeline backed by a custom Processor.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		ctx:       ctx,
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit queues a job, blocking while the queue is full until ctx is done.
func (p *Pipeline) Submit(ctx context.Context, job Job) error {
	if err := p.ctx.Err(); err != nil {
		return ErrStopped
	}
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			Kind:        string(job.Type),
			Status:      "queued",
			Inputs:      job.Inputs,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued run", "id", job.ID, "error", err)
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	case p.jobs <- job:
		return nil
	}
}

// Stop cancels in-flight jobs, waits for workers to exit and closes all
// subscriber channels.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
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
		case job := <-p.jobs:
			p.run(ctx, id, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, worker int, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.Inputs, job.Output, job.Options)
	p.log.Debug("worker picked job", "worker", worker, "id", job.ID)

	if err := p.store.RecordRunStart(job.ID); err != nil {
		p.log.Warn("failed to record run start", "id", job.ID, "error", err)
	}
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"inputs":  job.Inputs,
			"output":  job.Output,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if err := p.store.RecordRunResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
		p.log.Warn("failed to record run result", "id", job.ID, "error", err)
	}

	p.broadcast(res)
}

// defaultSubscriberBuffer is used when Subscribe is given no buffer size.
const defaultSubscriberBuffer = 16

// Subscribe returns a channel for receiving job results and an unsubscribe
// function. Results that do not fit in the buffer are dropped, so callers
// waiting on n jobs should ask for at least n.
func (p *Pipeline) Subscribe(buffer int) (<-chan Result, func()) {
	if buffer < 1 {
		buffer = defaultSubscriberBuffer
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, buffer)
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

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
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
