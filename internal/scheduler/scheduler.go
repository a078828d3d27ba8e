package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/lock"
	"github.com/segyhp/settlement-engine/internal/metrics"
	"github.com/segyhp/settlement-engine/internal/service"
)

// Job is one periodic unit of settlement work
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Settlement is the work the scheduler drives
type Settlement interface {
	GenerateDuePayments(ctx context.Context) (int, error)
	ProcessRetries(ctx context.Context) (int, error)
	ScanOverdue(ctx context.Context) (*service.ScanResult, error)
	PollStuck(ctx context.Context) (int, error)
	RelayOutbox(ctx context.Context) (int, error)
	PurgeIdempotency(ctx context.Context) (int64, error)
	SendReminders(ctx context.Context) (int, error)
}

// Jobs lists the settlement jobs with their configured cron specs. An empty spec disables a job.
func Jobs(cfg config.SchedulerConfig, s Settlement) []Job {
	all := []Job{
		{Name: "due-payments", Spec: cfg.DuePaymentsCron, Run: count(s.GenerateDuePayments)},
		{Name: "retries", Spec: cfg.RetryCron, Run: count(s.ProcessRetries)},
		{Name: "overdue-scan", Spec: cfg.OverdueCron, Run: func(ctx context.Context) error {
			_, err := s.ScanOverdue(ctx)
			return err
		}},
		{Name: "stuck-poll", Spec: cfg.ReconcileCron, Run: count(s.PollStuck)},
		{Name: "outbox-relay", Spec: cfg.OutboxCron, Run: count(s.RelayOutbox)},
		{Name: "idempotency-purge", Spec: cfg.PurgeCron, Run: func(ctx context.Context) error {
			_, err := s.PurgeIdempotency(ctx)
			return err
		}},
		{Name: "reminders", Spec: cfg.ReminderCron, Run: count(s.SendReminders)},
	}

	jobs := make([]Job, 0, len(all))
	for _, job := range all {
		if job.Spec != "" {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func count(fn func(context.Context) (int, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}

// Scheduler runs jobs on cron. A run overlapping the previous one in this
// process is skipped, and with a locker only the replica holding a job's lease runs it.
type Scheduler struct {
	cron     *cron.Cron
	locker   *lock.Locker
	leaseTTL time.Duration
	logger   logrus.FieldLogger
	metrics  *metrics.Recorder
}

// New creates a scheduler. locker may be nil, in which case every replica runs every job.
func New(loc *time.Location, locker *lock.Locker, leaseTTL time.Duration, logger logrus.FieldLogger, rec *metrics.Recorder) *Scheduler {
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker:   locker,
		leaseTTL: leaseTTL,
		logger:   logger,
		metrics:  rec,
	}
}

// Add schedules job
func (s *Scheduler) Add(job Job) error {
	_, err := s.cron.AddFunc(job.Spec, func() {
		_ = s.RunOnce(context.Background(), job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
	}
	s.logger.WithFields(logrus.Fields{"job": job.Name, "spec": job.Spec}).Info("job scheduled")
	return nil
}

// RunOnce runs job under its lease. Losing the lease race is not an error.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) error {
	log := s.logger.WithField("job", job.Name)

	ctx, cancel := context.WithTimeout(ctx, s.leaseTTL)
	defer cancel()

	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, job.Name, s.leaseTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			s.metrics.JobSkipped(job.Name)
			log.Debug("lease held elsewhere, skipping run")
			return nil
		}
		if err != nil {
			s.metrics.JobRun(job.Name, err, 0)
			log.WithError(err).Error("failed to acquire lease")
			return err
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				log.WithError(err).Warn("failed to release lease")
			}
		}()
	}

	start := time.Now()
	err := job.Run(ctx)
	duration := time.Since(start)
	s.metrics.JobRun(job.Name, err, duration)

	if err != nil {
		log.WithError(err).WithField("duration", duration.String()).Error("job failed")
		return err
	}
	log.WithField("duration", duration.String()).Info("job finished")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
