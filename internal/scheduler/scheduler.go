// Package scheduler submits periodic jobs. Every worker process runs one;
// a store lock makes sure each period enqueues at most one job.
//
// "@every" schedules tick relative to each process's start, so their lock
// is keyed by the epoch-aligned period the tick falls in and held for the
// whole period. Wall-clock schedules tick at the same instant everywhere
// and lock the tick's minute for the lock TTL.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/mtr002/taskmanager/internal/interfaces"
	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/logger"
)

// DefaultLockTTL bounds how long a fired wall-clock tick blocks the other
// processes.
const DefaultLockTTL = 10 * time.Minute

// Submitter enqueues a job.
type Submitter interface {
	Submit(ctx context.Context, p jobs.Payload) (string, error)
}

// cronParser supports standard 5-field cron and descriptors like "@every 24h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type Scheduler struct {
	cron      *cronlib.Cron
	submitter Submitter
	locker    interfaces.Locker
	lockTTL   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]cronlib.EntryID
}

type Option func(*Scheduler)

func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithClock overrides the time used to pick the lock window.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(submitter Submitter, locker interfaces.Locker, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:      cronlib.New(cronlib.WithParser(cronParser)),
		submitter: submitter,
		locker:    locker,
		lockTTL:   DefaultLockTTL,
		now:       time.Now,
		entries:   make(map[string]cronlib.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a named entry that submits p on every tick of spec.
func (s *Scheduler) Add(name, spec string, p jobs.Payload) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	id := s.cron.Schedule(sched, cronlib.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, _, err := s.fire(ctx, name, sched, p); err != nil {
			logger.Logger.Error().Err(err).Str("entry", name).Msg("Scheduled job failed to submit")
		}
	}))

	s.mu.Lock()
	s.entries[name] = id
	s.mu.Unlock()

	logger.Logger.Info().Str("entry", name).Str("schedule", spec).Msg("Scheduled job registered")
	return nil
}

// Next returns when the named entry fires next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running submission to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// lockWindow names the lock for the tick at now and how long to hold it.
func (s *Scheduler) lockWindow(name string, sched cronlib.Schedule, now time.Time) (string, time.Duration) {
	if every, ok := sched.(cronlib.ConstantDelaySchedule); ok && every.Delay > 0 {
		period := now.UnixNano() / int64(every.Delay)
		return fmt.Sprintf("schedule:%s:%d", name, period), every.Delay
	}
	tick := now.UTC().Truncate(time.Minute)
	return fmt.Sprintf("schedule:%s:%d", name, tick.Unix()), s.lockTTL
}

// fire submits p unless another process already took this window.
func (s *Scheduler) fire(ctx context.Context, name string, sched cronlib.Schedule, p jobs.Payload) (string, bool, error) {
	key, ttl := s.lockWindow(name, sched, s.now())
	ok, err := s.locker.AcquireLock(ctx, key, ttl)
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock for %s: %w", name, err)
	}
	if !ok {
		logger.Logger.Debug().Str("entry", name).Str("lock", key).Msg("Scheduled job already fired elsewhere")
		return "", false, nil
	}

	id, err := s.submitter.Submit(ctx, p)
	if err != nil {
		return "", false, err
	}
	logger.WithJobID(id).Info().Str("entry", name).Msg("Scheduled job submitted")
	return id, true, nil
}
