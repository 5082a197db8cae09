package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	backupdomain "github.com/datahosting/pinbill/internal/backup/domain"
	bandwidthdomain "github.com/datahosting/pinbill/internal/bandwidth/domain"
	"github.com/datahosting/pinbill/internal/clock"
	lifecycledomain "github.com/datahosting/pinbill/internal/lifecycle/domain"
	obsmetrics "github.com/datahosting/pinbill/internal/observability/metrics"
	pindomain "github.com/datahosting/pinbill/internal/pin/domain"
)

var (
	ErrInvalidConfig  = errors.New("scheduler dependencies missing")
	ErrAlreadyRunning = errors.New("scheduler run already in progress")
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	PinSvc       pindomain.Service
	BackupSvc    backupdomain.Service
	BandwidthSvc bandwidthdomain.Service
	LifecycleSvc lifecycledomain.Orchestrator
	Config       Config `optional:"true"`
}

// Scheduler drives the periodic billing batch. One invocation runs the
// jobs in a fixed order; each job commits its own changes so a crash
// mid-sequence leaves finished jobs durable.
type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	clock        clock.Clock
	pinSvc       pindomain.Service
	backupSvc    backupdomain.Service
	bandwidthSvc bandwidthdomain.Service
	lifecycleSvc lifecycledomain.Orchestrator

	running atomic.Bool
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.PinSvc == nil || p.BackupSvc == nil || p.BandwidthSvc == nil || p.LifecycleSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		clock:        p.Clock,
		pinSvc:       p.PinSvc,
		backupSvc:    p.BackupSvc,
		bandwidthSvc: p.BandwidthSvc,
		lifecycleSvc: p.LifecycleSvc,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one full billing pass. Re-entrant invocation while
// a pass is still running is refused rather than interleaved.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	var err error
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"expire_pins", func(ctx context.Context) error {
			n, jobErr := s.pinSvc.ExpireDueTerms(ctx)
			s.observeBatch("expire_pins", n)
			return jobErr
		}},
		{"expire_backups", func(ctx context.Context) error {
			n, jobErr := s.backupSvc.ExpireDue(ctx)
			s.observeBatch("expire_backups", n)
			return jobErr
		}},
		{"grace_orchestration", func(ctx context.Context) error {
			result, jobErr := s.lifecycleSvc.RunOnce(ctx)
			s.observeBatch("grace_orchestration", result.EnteredGrace+result.Recovered+result.EntitiesDeleted)
			return jobErr
		}},
		{"bandwidth_reset", func(ctx context.Context) error {
			n, jobErr := s.bandwidthSvc.ResetDueCycles(ctx)
			s.observeBatch("bandwidth_reset", n)
			return jobErr
		}},
		{"legacy_backup_billing", func(ctx context.Context) error {
			n, jobErr := s.backupSvc.BillLegacyStorage(ctx)
			s.observeBatch("legacy_backup_billing", n)
			return jobErr
		}},
		{"cluster_billing", func(ctx context.Context) error {
			result, jobErr := s.backupSvc.BillAll(ctx)
			s.observeBatch("cluster_billing", result.BackupsBilled)
			if result.Failed > 0 {
				for i := 0; i < result.Failed; i++ {
					obsmetrics.Scheduler().IncEntitySkipped("cluster_billing")
				}
			}
			return jobErr
		}},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) observeBatch(job string, n int) {
	if n > 0 {
		obsmetrics.Scheduler().AddBatchProcessed(job, n)
	}
}
