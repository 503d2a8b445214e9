package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"platesolver/internal/errors"
	"platesolver/internal/extract"
	"platesolver/internal/logging"
	"platesolver/internal/observability"
	"platesolver/internal/solver"
	"platesolver/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobSolve   JobType = "solve"
	JobExtract JobType = "extract"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// Params carries the solve inputs that are not in the input file.
type Params struct {
	ScaleHint float64          `json:"scale_hint,omitempty"`
	Pointing  *solver.Pointing `json:"pointing,omitempty"`
	// Width and Height give the frame size of star-list inputs.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
	// Stars replaces reading InputPath when set.
	Stars []extract.Star `json:"-"`
}

// Job represents a single processing request.
type Job struct {
	ID        string  `json:"id"`
	Type      JobType `json:"type"`
	InputPath string  `json:"input_path,omitempty"`
	// Output is where the job writes its artifact; empty derives a sidecar
	// path from InputPath, and in-memory inputs write nothing.
	Output string `json:"output,omitempty"`
	Params Params `json:"params"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
	// Solve is set for solve jobs, solved or not.
	Solve *solver.Result
}

// MarshalJSON renders the error as its message and failure reason.
func (r Result) MarshalJSON() ([]byte, error) {
	view := struct {
		Job      Job              `json:"job"`
		Status   string           `json:"status"`
		Reason   string           `json:"reason,omitempty"`
		Error    string           `json:"error,omitempty"`
		Meta     map[string]any   `json:"meta,omitempty"`
		Solution *solver.Solution `json:"solution,omitempty"`
	}{Job: r.Job, Status: r.Status(), Meta: r.Meta}
	if r.Error != nil {
		view.Reason = errors.Reason(r.Error)
		view.Error = r.Error.Error()
	}
	if r.Solve != nil {
		view.Solution = r.Solve.Solution
	}
	return json.Marshal(view)
}

// Status is the stored job status: completed, unsolved for ordinary
// negative outcomes, failed for usage faults.
func (r Result) Status() string {
	switch {
	case r.Error == nil:
		return "completed"
	case errors.IsUsageFault(r.Error):
		return "failed"
	default:
		return "unsolved"
	}
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
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	metrics   *observability.SolverCollector

	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// Options sizes the worker pool.
type Options struct {
	Concurrency int
	QueueSize   int
	Metrics     *observability.SolverCollector
}

// New creates a Pipeline running proc on opts.Concurrency workers.
func New(ctx context.Context, opts Options, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.Concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, opts.QueueSize),
		cancel:    cancel,
		store:     store,
		metrics:   opts.Metrics,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < opts.Concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("pipeline stopped")
	}

	p.recordQueued(job)
	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "rejected", "queue_full", nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Do runs job on the calling goroutine, bypassing the queue, and returns
// its result. It is recorded and broadcast like a queued job.
func (p *Pipeline) Do(ctx context.Context, job Job) Result {
	p.recordQueued(job)
	return p.run(ctx, job)
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store == nil {
		return
	}
	paramsJSON, _ := json.Marshal(job.Params)
	if err := p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      "queued",
		InputPath:   job.InputPath,
		OptionsJSON: string(paramsJSON),
	}); err != nil {
		p.log.Warn("record queued job", "job", job.ID, "error", err)
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

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
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, map[string]any{
		"output":     job.Output,
		"scale_hint": job.Params.ScaleHint,
		"pointing":   job.Params.Pointing,
	})
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	if p.metrics != nil {
		p.metrics.JobsInFlight.Inc()
		defer p.metrics.JobsInFlight.Dec()
	}

	res := p.processor.Process(ctx, job)
	duration := time.Since(start)

	if res.Error != nil {
		logging.LogJobFailure(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		reason := ""
		if res.Error != nil {
			reason = errors.Reason(res.Error)
		}
		if err := p.store.RecordJobResult(job.ID, res.Status(), reason, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("record job result", "job", job.ID, "error", err)
		}
	}
	if p.metrics != nil && job.Type == JobSolve {
		matched := 0
		if res.Solve != nil && res.Solve.Solution != nil {
			matched = res.Solve.Solution.Confidence.Matches
		}
		p.metrics.ObserveSolve(duration, matched, res.Error)
	}

	p.broadcast(res)
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
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
