package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"fingerauth/internal/config"
	"fingerauth/internal/enroll"
	"fingerauth/internal/logging"
	"fingerauth/internal/scan"
	"fingerauth/internal/storage"
)

var (
	// ErrQueueFull is returned by Submit when no worker slot is free.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned once the pipeline has shut down.
	ErrStopped = errors.New("pipeline stopped")
)

// JobType enumerates supported job categories.
type JobType string

const (
	JobVerify   JobType = "verify"
	JobIdentify JobType = "identify"
	JobMatchDir JobType = "match-dir"
	JobEnroll   JobType = "enroll"
)

// Job represents a single request.
//
// Verify compares InputPath (or Probe) with Options["reference"] (a path),
// Reference, or the stored template named by Options["template"]. Identify
// compares InputPath (or Probe) against every stored template. MatchDir
// compares all images under InputPath. Enroll runs a live enrollment for
// Options["subject"].
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input_path,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	Probe     *scan.Grid     `json:"-"`
	Reference *scan.Grid     `json:"-"`
}

func (j Job) option(key string) string {
	v, _ := j.Options[key].(string)
	return v
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// MarshalJSON renders the error as a string.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Job   Job            `json:"job"`
		Error string         `json:"error,omitempty"`
		Meta  map[string]any `json:"meta,omitempty"`
	}{r.Job, errString(r.Error), r.Meta})
}

// Progress is an enrollment step reported while an enroll job runs.
type Progress struct {
	JobID string       `json:"job_id"`
	Event enroll.Event `json:"event"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	ctx       context.Context
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	closing   sync.RWMutex
	stopped   bool
	store     *storage.Store
	results   *hub[Result]
	progress  *hub[Progress]
}

// New creates a Pipeline sized from cfg. enroller may be nil when no sensor
// is attached; enroll jobs then fail.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store, enroller Enroller) (*Pipeline, error) {
	r, err := newRouter(logger, store, cfg, enroller)
	if err != nil {
		return nil, err
	}
	p := newPipeline(ctx, cfg.Processing.ParallelJobs, cfg.Processing.QueueSize, logger, store)
	r.progress = p.progress.broadcast
	p.start(r, cfg.Processing.ParallelJobs)
	return p, nil
}

func newPipeline(ctx context.Context, concurrency, queue int, logger *slog.Logger, store *storage.Store) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queue < concurrency*2 {
		queue = concurrency * 2
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pipeline{
		ctx:      ctx,
		log:      logger,
		jobs:     make(chan Job, queue),
		cancel:   cancel,
		store:    store,
		results:  newHub[Result](logger, "result"),
		progress: newHub[Progress](logger, "progress"),
	}
}

func (p *Pipeline) start(proc Processor, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(p.ctx, i)
		}
	})
}

// Submit adds a job to the processing queue. A job the queue cannot take
// is recorded as rejected.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		ref := job.option("reference")
		if ref == "" {
			ref = job.option("template")
		}
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			Reference:   ref,
			OptionsJSON: string(optsJSON),
		})
	}

	err := p.enqueue(job)
	if err != nil && p.store != nil {
		_ = p.store.RecordJobResult(job.ID, "rejected", nil, err.Error())
	}
	return err
}

func (p *Pipeline) enqueue(job Job) error {
	p.closing.RLock()
	defer p.closing.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.closing.Lock()
		p.stopped = true
		close(p.jobs)
		p.closing.Unlock()
		p.wg.Wait()
		p.results.close()
		p.progress.close()
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
			logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.option("reference"), job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			status := "completed"
			if res.Error != nil {
				status = "failed"
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"worker":  id,
					"input":   job.InputPath,
					"options": job.Options,
				})
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
			}

			p.results.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	return p.results.subscribe()
}

// SubscribeProgress streams enrollment progress from enroll jobs.
func (p *Pipeline) SubscribeProgress() (<-chan Progress, func()) {
	return p.progress.subscribe()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// hub fans values out to subscribers without blocking the publisher.
type hub[T any] struct {
	log    *slog.Logger
	kind   string
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func newHub[T any](log *slog.Logger, kind string) *hub[T] {
	return &hub[T]{log: log, kind: kind, subs: make(map[int]chan T)}
}

func (h *hub[T]) subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan T, 16)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

func (h *hub[T]) broadcast(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			h.log.Warn("subscriber channel full", "kind", h.kind, "subscriber", id)
		}
	}
}

func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// Client is the part of a Pipeline front ends submit through.
type Client interface {
	Submit(job Job) error
	Subscribe() (<-chan Result, func())
}

// Await submits job and blocks until its result arrives or ctx ends.
func Await(ctx context.Context, c Client, job Job) (Result, error) {
	ch, unsub := c.Subscribe()
	defer unsub()
	if err := c.Submit(job); err != nil {
		return Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case res, ok := <-ch:
			if !ok {
				return Result{}, ErrStopped
			}
			if res.Job.ID == job.ID {
				return res, nil
			}
		}
	}
}
