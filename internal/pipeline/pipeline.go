package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"tilemontage/internal/config"
	"tilemontage/internal/logging"
	"tilemontage/internal/montage"
	"tilemontage/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobGenerate  JobType = "generate"
	JobPreflight JobType = "preflight"
)

// Job represents a single montage request over a tile directory.
type Job struct {
	ID             string         `json:"id"`
	Type           JobType        `json:"type"`
	InputPath      string         `json:"input_path"`
	Config         montage.Config `json:"config"`
	Engine         string         `json:"engine"`
	AllowGaps      bool           `json:"allow_gaps"`
	UseImageMagick bool           `json:"use_imagemagick"`
	// Origins are written to the named tiles after loading.
	Origins map[string][2]float64 `json:"origins,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Code  montage.Code
	Meta  map[string]any
}

// Event is what subscribers receive: progress while a job runs, then
// exactly one result.
type Event struct {
	JobID    string            `json:"job_id"`
	Progress *montage.Progress `json:"progress,omitempty"`
	Result   *Result           `json:"-"`
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
	mu        sync.Mutex
	subs      map[int]*subscriber
	nextSubID int
	running   map[string]context.CancelFunc
}

// New creates a new Pipeline with the given concurrency using the montage
// router as processor.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, defaults *config.Montage) *Pipeline {
	p := newPipeline(ctx, logger, store)
	p.start(ctx, concurrency, newRouter(logger, store, defaults, p.emitProgress))
	return p
}

// NewWithProcessor creates a Pipeline around a custom processor.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	p := newPipeline(ctx, logger, store)
	p.start(ctx, concurrency, proc)
	return p
}

func newPipeline(ctx context.Context, logger *slog.Logger, store *storage.Store) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		log:     logger,
		store:   store,
		subs:    make(map[int]*subscriber),
		running: make(map[string]context.CancelFunc),
	}
}

func (p *Pipeline) start(ctx context.Context, concurrency int, proc Processor) {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.jobs = make(chan Job, concurrency*2)
	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Config)
		_ = p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			Status:      storage.StatusQueued,
			InputPath:   job.InputPath,
			Rows:        job.Config.Rows,
			Cols:        job.Config.Cols,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return errors.New("job queue is full")
	}
}

// Cancel stops a running job. It reports whether the job was running.
func (p *Pipeline) Cancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.running[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, s := range p.subs {
			s.finish()
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

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
		cancel()
	}()

	logging.LogRunStart(p.log, job.ID, job.InputPath, job.Config.Rows, job.Config.Cols, map[string]any{
		"type":    job.Type,
		"engine":  job.Engine,
		"overlap": job.Config.OverlapPercent,
		"manual":  job.Config.ManualOverlap,
	})
	if p.store != nil {
		_ = p.store.RecordRunStart(job.ID)
	}

	res := p.processor.Process(jobCtx, job)
	res.Code = montage.CodeOf(res.Error)
	duration := time.Since(start)

	status := storage.StatusDone
	if res.Error != nil {
		status = storage.StatusFailed
		if res.Code == montage.CodeCancelled {
			status = storage.StatusCancelled
		}
		logging.LogRunError(p.log, job.ID, duration, res.Code.String(), res.Error, map[string]any{
			"input": job.InputPath,
			"type":  job.Type,
		})
	} else {
		committed, _ := res.Meta["committed"].(int)
		logging.LogRunComplete(p.log, job.ID, duration, committed, res.Meta)
	}
	if p.store != nil {
		out := storage.RunOutcome{
			Status:    status,
			ErrorCode: int(res.Code),
			Error:     errString(res.Error),
		}
		out.PixelFormat, _ = res.Meta["format"].(string)
		out.Committed, _ = res.Meta["committed"].(int)
		out.Skipped, _ = res.Meta["skipped"].(int)
		_ = p.store.RecordRunResult(job.ID, out)
	}

	p.broadcast(Event{JobID: job.ID, Result: &res})
}

// Subscribe returns a channel for receiving job events and an unsubscribe
// function. Results are delivered even to a subscriber that falls behind;
// its progress events are coalesced and then dropped. Stop delivers what
// is queued before the channel closes.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	s := newSubscriber()
	p.subs[id] = s
	unsub := func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
		s.cancel()
	}
	return s.out, unsub
}

func (p *Pipeline) emitProgress(jobID string, prog montage.Progress) {
	p.broadcast(Event{JobID: jobID, Progress: &prog})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.subs {
		if !s.push(ev) {
			p.log.Debug("progress event dropped", "subscriber", id, "job", ev.JobID)
		}
	}
}
