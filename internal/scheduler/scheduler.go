package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/metrics"
)

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 50
	DefaultWorkers      = 4
	DefaultRetryBase    = 5 * time.Second
	DefaultRetryCap     = 5 * time.Minute
)

// Backend stores pending jobs. A (queue, key) pair holds at most one pending
// job.
type Backend interface {
	// Put stores job, replacing any pending job with the same key.
	Put(ctx context.Context, job *Job) error
	// Requeue stores job only if no pending job with the same key exists.
	Requeue(ctx context.Context, job *Job) (bool, error)
	Remove(ctx context.Context, queue, key string) (bool, error)
	// Claim removes and returns up to limit jobs due at now. Jobs returned
	// with a non-nil error were claimed and must still be processed.
	Claim(ctx context.Context, queue string, now time.Time, limit int) ([]*Job, error)
	Complete(ctx context.Context, job *Job) error
	Fail(ctx context.Context, job *Job) error
	Pending(ctx context.Context, queue string) ([]Job, error)
	Failed(ctx context.Context, queue string) ([]Job, error)
}

type Params struct {
	Backend      Backend
	Clock        clock.Clock
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	MaxAttempts  int
	// Backoff returns a fresh backoff for a failed job. It is advanced once per
	// previous attempt to pick the retry delay.
	Backoff func() retry.Backoff
}

type Scheduler struct {
	backend      Backend
	clock        clock.Clock
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	backoff      func() retry.Backoff

	handlers   map[string]Handler
	queueNames map[string]struct{}
	mu         sync.RWMutex

	workersSem chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
	cancel     context.CancelFunc
}

func New(params Params) *Scheduler {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.PollInterval <= 0 {
		params.PollInterval = DefaultPollInterval
	}
	if params.BatchSize <= 0 {
		params.BatchSize = DefaultBatchSize
	}
	if params.Workers <= 0 {
		params.Workers = DefaultWorkers
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = DefaultMaxAttempts
	}
	if params.Backoff == nil {
		params.Backoff = func() retry.Backoff {
			return retry.WithCappedDuration(DefaultRetryCap, retry.NewExponential(DefaultRetryBase))
		}
	}

	return &Scheduler{
		backend:      params.Backend,
		clock:        params.Clock,
		logger:       params.Logger.With().Str("component", "scheduler").Logger(),
		metrics:      params.Metrics,
		pollInterval: params.PollInterval,
		batchSize:    params.BatchSize,
		maxAttempts:  params.MaxAttempts,
		backoff:      params.Backoff,
		handlers:     make(map[string]Handler),
		queueNames:   make(map[string]struct{}),
		workersSem:   make(chan struct{}, params.Workers),
	}
}

func handlerKey(queue, name string) string {
	return queue + "/" + name
}

func (s *Scheduler) Register(queue, name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handlerKey(queue, name)] = h
	s.queueNames[queue] = struct{}{}
}

func (s *Scheduler) handler(queue, name string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[handlerKey(queue, name)]
	return h, ok
}

func (s *Scheduler) queues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.queueNames))
	for q := range s.queueNames {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) newJob(queue, name string, payload any, opts Options) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s payload: %w", queue, name, err)
	}
	id := uuid.New().String()
	key := opts.Key
	if key == "" {
		key = id
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	return &Job{
		ID:               id,
		Queue:            queue,
		Name:             name,
		Key:              key,
		Payload:          data,
		RunAt:            opts.RunAt,
		MaxAttempts:      maxAttempts,
		RemoveOnComplete: opts.RemoveOnComplete,
	}, nil
}

// Schedule stores a delayed job. When the wake time is not in the future, or
// Immediate is set, any pending job with the same key is dropped and the
// handler runs inline; its error is returned to the caller.
func (s *Scheduler) Schedule(ctx context.Context, queue, name string, payload any, opts Options) error {
	now := s.clock.Now().UTC()
	if opts.RunAt.IsZero() {
		opts.RunAt = now.Add(opts.Delay)
	}

	job, err := s.newJob(queue, name, payload, opts)
	if err != nil {
		return err
	}

	if opts.Immediate || !job.RunAt.After(now) {
		if _, err := s.backend.Remove(ctx, queue, job.Key); err != nil {
			return fmt.Errorf("drop pending job %s: %w", job.Key, err)
		}
		s.logger.Debug().Str("queue", queue).Str("key", job.Key).Msg("Running job inline")
		return s.run(ctx, job)
	}

	if err := s.backend.Put(ctx, job); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Key, err)
	}
	s.metrics.IncJob(queue, "scheduled")
	s.logger.Info().
		Str("queue", queue).
		Str("name", name).
		Str("key", job.Key).
		Time("runAt", job.RunAt).
		Msg("Job scheduled")
	return nil
}

// Enqueue stores a job for asynchronous delivery as soon as a worker polls.
func (s *Scheduler) Enqueue(ctx context.Context, queue, name string, payload any, opts Options) error {
	opts.RunAt = s.clock.Now().UTC().Add(opts.Delay)
	job, err := s.newJob(queue, name, payload, opts)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, job); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.Key, err)
	}
	s.metrics.IncJob(queue, "enqueued")
	return nil
}

func (s *Scheduler) Remove(ctx context.Context, queue, key string) (bool, error) {
	removed, err := s.backend.Remove(ctx, queue, key)
	if err != nil {
		return false, err
	}
	if removed {
		s.metrics.IncJob(queue, "removed")
	}
	return removed, nil
}

func (s *Scheduler) Pending(ctx context.Context, queue string) ([]Job, error) {
	return s.backend.Pending(ctx, queue)
}

func (s *Scheduler) Failed(ctx context.Context, queue string) ([]Job, error) {
	return s.backend.Failed(ctx, queue)
}

func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Add(1)
		go s.loop(ctx)
		s.logger.Info().Dur("pollInterval", s.pollInterval).Msg("Scheduler started")
	})
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.logger.Info().Msg("Scheduler stopped")
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Failed to poll due jobs")
			}
		}
	}
}

// RunDue claims every due job of every registered queue and runs them on the
// worker pool. It returns once the claimed jobs have finished.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	var (
		wg    sync.WaitGroup
		total int
		errs  []error
	)
	for _, queue := range s.queues() {
		// Claim may return jobs alongside an error; those jobs are no longer
		// stored anywhere else.
		jobs, err := s.backend.Claim(ctx, queue, now, s.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("claim %s: %w", queue, err))
		}
		for _, job := range jobs {
			total++
			wg.Add(1)
			s.workersSem <- struct{}{}
			go func(job *Job) {
				defer func() {
					<-s.workersSem
					wg.Done()
				}()
				s.process(ctx, job)
			}(job)
		}
	}
	wg.Wait()
	return total, errors.Join(errs...)
}

func (s *Scheduler) run(ctx context.Context, job *Job) error {
	h, ok := s.handler(job.Queue, job.Name)
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for %s/%s", job.Queue, job.Name))
	}
	return h(ctx, job)
}

func (s *Scheduler) process(ctx context.Context, job *Job) {
	logger := s.logger.With().
		Str("queue", job.Queue).
		Str("name", job.Name).
		Str("key", job.Key).
		Int("attempt", job.Attempts+1).
		Logger()

	err := s.run(ctx, job)
	if err == nil {
		if err := s.backend.Complete(ctx, job); err != nil {
			logger.Error().Err(err).Msg("Failed to record job completion")
		}
		s.metrics.IncJob(job.Queue, "completed")
		logger.Debug().Msg("Job completed")
		return
	}

	job.Attempts++
	job.LastError = err.Error()

	if isPermanent(err) || job.Attempts >= job.MaxAttempts {
		if ferr := s.backend.Fail(ctx, job); ferr != nil {
			logger.Error().Err(ferr).Msg("Failed to record job failure")
		}
		s.metrics.IncJob(job.Queue, "failed")
		logger.Error().Err(err).Msg("Job failed permanently")
		return
	}

	job.RunAt = s.clock.Now().UTC().Add(s.retryDelay(job.Attempts))
	requeued, rerr := s.backend.Requeue(ctx, job)
	if rerr != nil {
		logger.Error().Err(rerr).Msg("Failed to requeue job")
		return
	}
	if !requeued {
		logger.Info().Msg("Job superseded while running, retry dropped")
		return
	}
	s.metrics.IncJob(job.Queue, "retried")
	logger.Warn().Err(err).Time("retryAt", job.RunAt).Msg("Job failed, retrying")
}

func (s *Scheduler) retryDelay(attempts int) time.Duration {
	b := s.backoff()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
