package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"

	"visionaid/config"
	"visionaid/pipeline"
)

var (
	// ErrQueueFull is returned by Submit when no more jobs can be buffered.
	ErrQueueFull = errors.New("task queue is full")
	// ErrShuttingDown is returned by Submit once the worker loop has stopped.
	ErrShuttingDown = errors.New("task manager is shutting down")
)

// ProgressAccepted is recorded when a worker picks the job up.
const ProgressAccepted = 10

type Converter interface {
	ConvertUpload(ctx context.Context, up pipeline.Upload, opts pipeline.Options, progress pipeline.Progress) pipeline.Result
}

type job struct {
	id     string
	upload pipeline.Upload
	opts   pipeline.Options
}

// Manager schedules conversions in the background and records their
// progress in a Store.
type Manager struct {
	store          Store
	converter      Converter
	logger         *zap.Logger
	taskQueue      chan job
	concurrencySem chan struct{}
	maxConcurrency int

	// mu orders enqueues against the shutdown drain.
	mu      sync.Mutex
	stopped bool
}

func NewManager(cfg *config.Config, store Store, conv Converter, logger *zap.Logger) (*Manager, error) {
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1, got %d", cfg.MaxConcurrency)
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:          store,
		converter:      conv,
		logger:         logger,
		taskQueue:      make(chan job, queueSize),
		concurrencySem: make(chan struct{}, cfg.MaxConcurrency),
		maxConcurrency: cfg.MaxConcurrency,
	}, nil
}

// Start launches the worker loop. Runs already in flight when ctx ends are
// allowed to finish; queued jobs are not started and their tasks fail.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("task manager started", zap.Int("max_concurrency", m.maxConcurrency))
	go m.workerLoop(ctx)
}

// workerLoop pulls jobs from the queue and runs them
func (m *Manager) workerLoop(ctx context.Context) {
	runCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			m.shutdown(nil)
			return
		case j := <-m.taskQueue:
			// Wait for a free processing slot
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				m.shutdown([]job{j})
				return
			}
			go func(j job) {
				defer func() { <-m.concurrencySem }()
				m.process(runCtx, j)
			}(j)
		}
	}
}

// shutdown stops accepting jobs and fails every job that never started.
func (m *Manager) shutdown(held []job) {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

drain:
	for {
		select {
		case j := <-m.taskQueue:
			held = append(held, j)
		default:
			break drain
		}
	}
	m.logger.Info("worker loop shutting down", zap.Int("abandoned", len(held)))
	for _, j := range held {
		m.update(m.logger.With(zap.String("task_id", j.id)), j.id,
			FinishPatch(pipeline.Failed(pipeline.KindInternal, ErrShuttingDown.Error(), "")))
	}
}

// process executes one job. It is the only writer of its task.
func (m *Manager) process(ctx context.Context, j job) {
	log := m.logger.With(zap.String("task_id", j.id))
	log.Info("processing task")

	m.update(log, j.id, Patch{Status: statusPtr(StatusRunning), Progress: intPtr(ProgressAccepted)})

	result := m.runConverter(ctx, log, j)

	m.update(log, j.id, FinishPatch(result))
	if result.OK() {
		log.Info("task completed successfully", zap.String("audio", result.Success.AudioFilename))
	} else {
		log.Warn("task failed", zap.String("kind", string(result.Failure.Kind)), zap.String("error", result.Failure.Reason))
	}
}

func (m *Manager) runConverter(ctx context.Context, log *zap.Logger, j job) (result pipeline.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("conversion panicked", zap.Any("panic", r))
			result = pipeline.Recovered(r)
		}
	}()
	return m.converter.ConvertUpload(ctx, j.upload, j.opts, func(p int) {
		m.update(log, j.id, ProgressPatch(p))
	})
}

func (m *Manager) update(log *zap.Logger, id string, p Patch) {
	if _, err := m.store.Update(context.Background(), id, p); err != nil {
		log.Error("failed to update task", zap.Error(err))
	}
}

// Submit validates the upload, records a pending task and queues it. Invalid
// images are rejected with a *pipeline.InputError before any task exists.
// After shutdown starts no task is created and ErrShuttingDown is returned.
func (m *Manager) Submit(ctx context.Context, up pipeline.Upload, opts pipeline.Options) (string, error) {
	if _, err := pipeline.ValidateImage(up.Data, up.Filename); err != nil {
		return "", err
	}
	if m.isStopped() {
		return "", ErrShuttingDown
	}

	id := fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
	if _, err := m.store.Create(ctx, id); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	if err := m.enqueue(job{id: id, upload: up, opts: opts}); err != nil {
		m.update(m.logger.With(zap.String("task_id", id)), id,
			FinishPatch(pipeline.Failed(pipeline.KindInternal, err.Error(), "")))
		return id, err
	}

	m.logger.Info("task submitted to queue", zap.String("task_id", id), zap.String("voice", opts.Voice))
	return id, nil
}

func (m *Manager) enqueue(j job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrShuttingDown
	}
	select {
	case m.taskQueue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Get returns the task or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (Task, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]Task, error) {
	return m.store.List(ctx)
}

// EvictBefore drops terminal tasks completed before cutoff.
func (m *Manager) EvictBefore(ctx context.Context, cutoff time.Time) {
	n, err := m.store.Evict(ctx, cutoff)
	if err != nil {
		m.logger.Warn("task eviction failed", zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Info("evicted finished tasks", zap.Int("count", n))
	}
}

func statusPtr(s Status) *Status { return &s }

func intPtr(i int) *int { return &i }
