package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	JobPollStatuses    = "poll-provider-statuses"
	JobSweepStale      = "sweep-stale-pending"
	JobRefreshBalances = "refresh-provider-balances"

	slowJobThreshold = 30 * time.Second
)

// Reconciler is the part of the status reconciler driven on a schedule
type Reconciler interface {
	PollOnce(ctx context.Context) businessflow.PollStats
	SweepStale(ctx context.Context) (int, error)
	RefreshProviderBalances(ctx context.Context) []dto.ProviderBalanceItem
}

// StatusScheduler runs the reconciliation jobs: provider polling, the stale pending
// sweep and the provider balance refresh
type StatusScheduler struct {
	scheduler  gocron.Scheduler
	reconciler Reconciler
	cfg        config.ReconcilerConfig
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStatusScheduler registers the reconciliation jobs. Nothing runs until Start.
func NewStatusScheduler(reconciler Reconciler, cfg config.ReconcilerConfig, clock clockwork.Clock, logger zerolog.Logger) (*StatusScheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger = logger.With().Str("component", "status_scheduler").Logger()

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithClock(clock),
		gocron.WithLogger(&gocronLogger{logger: logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ss := &StatusScheduler{
		scheduler:  s,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{JobPollStatuses, cfg.PollInterval, ss.pollStatuses},
		{JobSweepStale, cfg.SweepInterval, ss.sweepStale},
		{JobRefreshBalances, cfg.BalanceInterval, ss.refreshBalances},
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			logger.Info().Str("job_name", j.name).Msg("Job disabled by zero interval")
			continue
		}
		if err := ss.addJob(j.name, j.interval, j.run); err != nil {
			_ = s.Shutdown()
			cancel()
			return nil, err
		}
	}
	return ss, nil
}

func (s *StatusScheduler) addJob(name string, interval time.Duration, run func(context.Context)) error {
	task := func() {
		start := time.Now()
		run(s.ctx)
		if d := time.Since(start); d > slowJobThreshold {
			s.logger.Warn().Str("job_name", name).Dur("duration", d).Msg("Slow scheduled job execution")
		}
	}

	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.logger.Info().
		Str("job_name", name).
		Str("job_id", job.ID().String()).
		Dur("interval", interval).
		Msg("Job scheduled")
	return nil
}

// Start begins running the registered jobs
func (s *StatusScheduler) Start() {
	s.scheduler.Start()
	s.logger.Info().Int("jobs", len(s.scheduler.Jobs())).Msg("Status scheduler started")
}

// Stop cancels in-flight jobs and waits for them to return
func (s *StatusScheduler) Stop() error {
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	s.logger.Info().Msg("Status scheduler stopped")
	return nil
}

func (s *StatusScheduler) pollStatuses(ctx context.Context) {
	stats := s.reconciler.PollOnce(ctx)
	if stats.Checked == 0 {
		return
	}
	event := s.logger.Info()
	if stats.BudgetExhausted {
		event = s.logger.Warn()
	}
	event.
		Int("checked", stats.Checked).
		Int("updated", stats.Updated).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Bool("budget_exhausted", stats.BudgetExhausted).
		Msg("Provider status poll finished")
}

func (s *StatusScheduler) sweepStale(ctx context.Context) {
	if _, err := s.reconciler.SweepStale(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Stale pending sweep failed")
	}
}

func (s *StatusScheduler) refreshBalances(ctx context.Context) {
	items := s.reconciler.RefreshProviderBalances(ctx)
	for _, item := range items {
		if !item.Available {
			continue
		}
		s.logger.Debug().
			Str("channel", item.Channel).
			Float64("balance", item.Balance).
			Str("currency", item.Currency).
			Msg("Provider balance refreshed")
	}
}

// gocronLogger forwards scheduler library logs to zerolog
type gocronLogger struct {
	logger zerolog.Logger
}

func (l *gocronLogger) Debug(msg string, args ...any) {
	l.logger.Debug().Fields(pairs(args)).Msg(msg)
}

func (l *gocronLogger) Info(msg string, args ...any) {
	l.logger.Info().Fields(pairs(args)).Msg(msg)
}

func (l *gocronLogger) Warn(msg string, args ...any) {
	l.logger.Warn().Fields(pairs(args)).Msg(msg)
}

func (l *gocronLogger) Error(msg string, args ...any) {
	l.logger.Error().Fields(pairs(args)).Msg(msg)
}

func pairs(args []any) map[string]any {
	fields := make(map[string]any, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fields["value"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}
