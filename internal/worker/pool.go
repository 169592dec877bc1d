package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mtr002/taskmanager/internal/interfaces"
	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/logger"
	"github.com/mtr002/taskmanager/internal/metrics"
)

// Executor runs one decoded job payload.
type Executor interface {
	Run(ctx context.Context, p jobs.Payload, rep jobs.Reporter) (jobs.Result, error)
}

// StatusPublisher receives a snapshot after every state write. Publishing
// is best-effort.
type StatusPublisher interface {
	PublishJobStatus(j *interfaces.Job) error
}

type Config struct {
	Concurrency       int
	Queues            []string
	PollTimeout       time.Duration
	HeartbeatInterval time.Duration
	RetryBackoff      time.Duration
	PromoteInterval   time.Duration
}

const (
	finalWriteTimeout = 5 * time.Second
	// releaseTimeout bounds how long a worker keeps retrying to put back an
	// id it dequeued but could not claim.
	releaseTimeout = time.Minute
)

// Pool runs Concurrency named workers. Each worker pulls one job at a time
// from its queues and is listed in the worker registry while alive.
type Pool struct {
	store     interfaces.JobStore
	registry  interfaces.WorkerRegistry
	executor  Executor
	publisher StatusPublisher
	cfg       Config

	hostname string
	pid      int
	now      func() time.Time

	// ctx stops pulling; runCtx aborts running jobs.
	ctx       context.Context
	cancel    context.CancelFunc
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	bgWG      sync.WaitGroup
	names     []string
	started   time.Time
}

type Option func(*Pool)

func WithPublisher(pub StatusPublisher) Option {
	return func(p *Pool) { p.publisher = pub }
}

func WithIdentity(hostname string, pid int) Option {
	return func(p *Pool) {
		p.hostname = hostname
		p.pid = pid
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a worker pool. Zero config values fall back to defaults.
func NewPool(store interfaces.JobStore, registry interfaces.WorkerRegistry, executor Executor, cfg Config, opts ...Option) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = jobs.Queues()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	p := &Pool{
		store:    store,
		registry: registry,
		executor: executor,
		cfg:      cfg,
		hostname: hostname,
		pid:      os.Getpid(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.names = make([]string, cfg.Concurrency)
	for i := range p.names {
		p.names[i] = fmt.Sprintf("%s-%d-%d", p.hostname, p.pid, i)
	}
	return p
}

// Names returns the registry names of this pool's workers.
func (p *Pool) Names() []string {
	return append([]string(nil), p.names...)
}

// Start registers the workers and begins processing jobs.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.runCtx, p.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.started = p.now().UTC()

	logger.Logger.Info().
		Int("worker_count", p.cfg.Concurrency).
		Strs("queues", p.cfg.Queues).
		Msg("Starting worker pool")

	for _, name := range p.names {
		if err := p.register(p.ctx, name); err != nil {
			logger.WithWorker(name).Error().Err(err).Msg("Failed to register worker")
		}
	}
	metrics.ActiveWorkers.Set(float64(len(p.names)))

	for _, name := range p.names {
		p.wg.Add(1)
		go p.worker(name)
	}

	p.bgWG.Add(2)
	go p.promoteLoop()
	go p.heartbeatLoop()
}

// Stop stops pulling new jobs and waits for running ones to finish. When
// ctx expires first, running jobs are cancelled and retried later.
func (p *Pool) Stop(ctx context.Context) error {
	logger.Logger.Info().Msg("Stopping worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("worker pool stop: %w", ctx.Err())
		p.runCancel()
		<-done
	}
	p.runCancel()
	p.bgWG.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()
	for _, name := range p.names {
		if derr := p.registry.DeregisterWorker(cleanupCtx, name); derr != nil {
			logger.WithWorker(name).Warn().Err(derr).Msg("Failed to deregister worker")
		}
	}

	metrics.ActiveWorkers.Set(0)
	logger.Logger.Info().Msg("Worker pool stopped")
	return err
}

func (p *Pool) register(ctx context.Context, name string) error {
	now := p.now().UTC()
	return p.registry.RegisterWorker(ctx, &interfaces.WorkerInfo{
		Name:       name,
		Hostname:   p.hostname,
		PID:        p.pid,
		Status:     "online",
		Queues:     p.cfg.Queues,
		Registered: p.registeredTypes(),
		StartedAt:  p.started,
		LastSeen:   now,
	}, p.registryTTL())
}

func (p *Pool) registryTTL() time.Duration {
	return 3 * p.cfg.HeartbeatInterval
}

// registeredTypes lists the job types routed to one of the pool's queues.
func (p *Pool) registeredTypes() []string {
	served := make(map[string]bool, len(p.cfg.Queues))
	for _, q := range p.cfg.Queues {
		served[q] = true
	}
	var types []string
	for _, t := range jobs.Types() {
		if served[jobs.QueueFor(t)] {
			types = append(types, string(t))
		}
	}
	return types
}

// worker is the main worker goroutine that blocks on the queues for jobs.
func (p *Pool) worker(name string) {
	defer p.wg.Done()

	log := logger.WithWorker(name)
	log.Info().Msg("Worker started")

	for {
		if p.ctx.Err() != nil {
			log.Info().Msg("Worker shutting down")
			return
		}

		id, err := p.store.Dequeue(p.ctx, p.cfg.Queues, p.cfg.PollTimeout)
		if err != nil {
			if p.ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("Error dequeuing job")
			pause(p.ctx, time.Second)
			continue
		}
		if id == "" {
			continue
		}

		p.processJob(name, id)
	}
}

// processJob runs a single job and records how it ended.
func (p *Pool) processJob(name, id string) {
	ctx := p.runCtx
	log := logger.WithJobID(id).With().Str("worker", name).Logger()

	job, err := p.store.Claim(ctx, id, name)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotClaimable) || errors.Is(err, interfaces.ErrJobNotFound) {
			log.Debug().Err(err).Msg("Skipping job that is no longer pending")
			return
		}
		log.Error().Err(err).Msg("Failed to claim job")
		p.release(name, id)
		return
	}
	p.publish(job)

	if err := p.registry.SetWorkerActive(ctx, name, job); err != nil {
		log.Warn().Err(err).Msg("Failed to record active job")
	}
	defer func() {
		cctx, cancel := finalContext(ctx)
		defer cancel()
		if err := p.registry.ClearWorkerActive(cctx, name, job.Type); err != nil {
			log.Warn().Err(err).Msg("Failed to clear active job")
		}
	}()

	log.Info().
		Str("type", job.Type).
		Int("attempt", job.Retries+1).
		Int("max_retries", job.MaxRetries).
		Msg("Processing job")

	payload, err := jobs.DecodePayload(job.Type, job.Payload)
	if err != nil {
		p.fail(ctx, job, err)
		return
	}

	rep := &reporter{pool: p, job: job}
	start := time.Now()
	result, runErr := p.executor.Run(ctx, payload, rep)
	metrics.JobProcessingDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	switch {
	case runErr == nil:
		p.complete(ctx, job, rep.last, result)
	case errors.Is(runErr, jobs.ErrRevoked):
		p.revoked(ctx, job)
	case jobs.IsFatal(runErr) || job.Retries >= job.MaxRetries:
		p.fail(ctx, job, runErr)
	default:
		p.retry(ctx, job, runErr)
	}
}

func (p *Pool) complete(ctx context.Context, job *interfaces.Job, last interfaces.Progress, result jobs.Result) {
	ctx, cancel := finalContext(ctx)
	defer cancel()
	log := logger.WithJobID(job.ID)

	final := interfaces.Progress{Current: 1, Total: 1}
	if last.Total > 0 {
		final.Current, final.Total = last.Total, last.Total
	}
	var raw []byte
	if result != nil {
		final.Status = result.StatusLine()
		var err error
		if raw, err = json.Marshal(result); err != nil {
			p.fail(ctx, job, fmt.Errorf("failed to encode result: %w", err))
			return
		}
	}

	if err := p.store.Complete(ctx, job.ID, final, raw); err != nil {
		log.Error().Err(err).Msg("Failed to update job as completed")
		return
	}

	metrics.JobsCompletedTotal.WithLabelValues(job.Type).Inc()
	job.State = interfaces.StateSuccess
	job.Current, job.Total, job.Status = final.Current, final.Total, final.Status
	job.Result = raw
	p.publish(job)
	log.Info().Str("type", job.Type).Msg("Job completed successfully")
}

func (p *Pool) fail(ctx context.Context, job *interfaces.Job, cause error) {
	ctx, cancel := finalContext(ctx)
	defer cancel()
	log := logger.WithJobID(job.ID)

	msg := errorMessage(cause)
	if err := p.store.Fail(ctx, job.ID, msg); err != nil {
		log.Error().Err(err).Msg("Failed to update failed job")
		return
	}

	metrics.JobsFailedTotal.WithLabelValues(job.Type).Inc()
	job.State = interfaces.StateFailure
	job.Status = "Task failed"
	job.Error = msg
	p.publish(job)
	log.Info().Int("retries", job.Retries).Str("error", msg).Msg("Job permanently failed")
}

func (p *Pool) retry(ctx context.Context, job *interfaces.Job, cause error) {
	ctx, cancel := finalContext(ctx)
	defer cancel()
	log := logger.WithJobID(job.ID)

	retries := job.Retries + 1
	at := p.now().Add(p.cfg.RetryBackoff)
	msg := errorMessage(cause)
	if err := p.store.ScheduleRetry(ctx, job.ID, retries, msg, at); err != nil {
		log.Error().Err(err).Msg("Failed to schedule retry")
		return
	}

	metrics.JobsRetriedTotal.WithLabelValues(job.Type).Inc()
	job.State = interfaces.StatePending
	job.Retries = retries
	job.Error = msg
	p.publish(job)
	log.Info().
		Int("retries", retries).
		Int("max_retries", job.MaxRetries).
		Time("retry_at", at).
		Str("error", msg).
		Msg("Job failed, will retry")
}

func (p *Pool) revoked(ctx context.Context, job *interfaces.Job) {
	ctx, cancel := finalContext(ctx)
	defer cancel()
	log := logger.WithJobID(job.ID)

	if err := p.store.MarkRevoked(ctx, job.ID); err != nil {
		log.Error().Err(err).Msg("Failed to mark job revoked")
		return
	}

	metrics.JobsRevokedTotal.WithLabelValues(job.Type).Inc()
	job.State = interfaces.StateRevoked
	job.Status = "Task revoked"
	p.publish(job)
	log.Info().Msg("Running job stopped after revocation")
}

// release returns an id the worker dequeued but could not claim, so the job
// is not stranded as PENDING outside every queue.
func (p *Pool) release(name, id string) {
	ctx, cancel := context.WithTimeout(p.runCtx, releaseTimeout)
	defer cancel()
	log := logger.WithJobID(id).With().Str("worker", name).Logger()

	backoff := retry.WithCappedDuration(5*time.Second, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := p.store.Release(ctx, id, name)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, interfaces.ErrJobNotFound):
			return err
		default:
			return retry.RetryableError(err)
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to return unclaimed job to its queue")
		return
	}
	log.Info().Msg("Returned unclaimed job to its queue")
}

// promoteLoop moves retries whose backoff elapsed back onto their queues.
func (p *Pool) promoteLoop() {
	defer p.bgWG.Done()

	ticker := time.NewTicker(p.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.PromoteDueRetries(p.ctx, p.now())
			if err != nil {
				if p.ctx.Err() == nil {
					logger.Logger.Error().Err(err).Msg("Error promoting due retries")
				}
				continue
			}
			if n > 0 {
				logger.Logger.Debug().Int("promoted", n).Msg("Promoted due retries")
			}
		}
	}
}

// heartbeatLoop keeps registry records alive and refreshes the queue
// depth gauge.
func (p *Pool) heartbeatLoop() {
	defer p.bgWG.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.heartbeat()
		}
	}
}

func (p *Pool) heartbeat() {
	for _, name := range p.names {
		err := p.registry.HeartbeatWorker(p.ctx, name, p.registryTTL())
		if errors.Is(err, interfaces.ErrWorkerNotFound) {
			err = p.register(p.ctx, name)
		}
		if err != nil && p.ctx.Err() == nil {
			logger.WithWorker(name).Warn().Err(err).Msg("Worker heartbeat failed")
		}
	}

	lengths, err := p.store.QueueLengths(p.ctx, p.cfg.Queues)
	if err != nil {
		return
	}
	for q, n := range lengths {
		metrics.QueueDepth.WithLabelValues(q).Set(float64(n))
	}
}

func (p *Pool) publish(j *interfaces.Job) {
	if p.publisher == nil {
		return
	}
	snapshot := *j
	snapshot.UpdatedAt = p.now().UTC()
	if err := p.publisher.PublishJobStatus(&snapshot); err != nil {
		logger.WithJobID(j.ID).Debug().Err(err).Msg("Failed to publish job status")
	}
}

// reporter turns job progress into store writes and surfaces revocation.
type reporter struct {
	pool *Pool
	job  *interfaces.Job
	last interfaces.Progress
}

func (r *reporter) Report(ctx context.Context, current, total int, status string) error {
	r.last = interfaces.Progress{Current: current, Total: total, Status: status}

	revoked, err := r.pool.store.UpdateProgress(ctx, r.job.ID, r.last)
	if err != nil {
		return jobs.Retryable(fmt.Errorf("record progress: %w", err))
	}

	r.job.State = interfaces.StateProgress
	r.job.Current, r.job.Total, r.job.Status = current, total, status
	r.pool.publish(r.job)

	if revoked {
		return jobs.ErrRevoked
	}
	return nil
}

// finalContext keeps terminal writes alive after the run context was
// cancelled.
func finalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
}

func errorMessage(err error) string {
	var retryable *jobs.RetryableError
	if errors.As(err, &retryable) {
		return retryable.Err.Error()
	}
	return err.Error()
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
