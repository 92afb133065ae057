package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/config"
)

// ErrBatchInProgress is returned by ManualTrigger when a batch execution is
// already running.
var ErrBatchInProgress = errors.New("a batch execution is already in progress")

// Cron subset accepted by the scheduler. Full cron semantics (day-of-week,
// lists, ranges) are out of scope; the interval forms below cover every
// deployment so far.
var (
	cronEveryNMinutes = regexp.MustCompile(`^\*/(\d{1,2}) \* \* \* \*$`)
	cronEveryNHours   = regexp.MustCompile(`^0 \*/(\d{1,2}) \* \* \*$`)
	cronDaily         = regexp.MustCompile(`^0 0 \* \* \*$`)
)

// ParseCronInterval translates a restricted cron expression into a tick
// interval. Supported forms: "*/N * * * *" (every N minutes),
// "0 */N * * *" (every N hours), "0 0 * * *" (daily).
func ParseCronInterval(expr string) (time.Duration, error) {
	if m := cronEveryNMinutes.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > 59 {
			return 0, fmt.Errorf("cron minutes out of range: %q", expr)
		}
		return time.Duration(n) * time.Minute, nil
	}
	if m := cronEveryNHours.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > 23 {
			return 0, fmt.Errorf("cron hours out of range: %q", expr)
		}
		return time.Duration(n) * time.Hour, nil
	}
	if cronDaily.MatchString(expr) {
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported cron expression: %q", expr)
}

// SchedulerStatus is a snapshot of the scheduler for the status endpoint.
type SchedulerStatus struct {
	Enabled    bool         `json:"enabled"`
	Running    bool         `json:"running"`
	Expression string       `json:"expression,omitempty"`
	Interval   string       `json:"interval,omitempty"`
	LastRunAt  *time.Time   `json:"last_run_at,omitempty"`
	LastReport *BatchReport `json:"last_report,omitempty"`
}

// Scheduler drives periodic batch execution of all active rules. It is a
// process-wide singleton: Initialize is called once at startup, and Start is
// a no-op when called again on a running scheduler.
type Scheduler struct {
	engine RuleEngine
	cfg    config.FollowupConfig
	logger *zap.Logger

	interval time.Duration

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	lastRunAt  *time.Time
	lastReport *BatchReport

	// tickMu serializes batch executions; a tick that fires while the
	// previous one is still running is skipped, not queued.
	tickMu sync.Mutex
}

// NewScheduler creates the scheduler. Initialize must succeed before Start.
func NewScheduler(engine RuleEngine, cfg *config.Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		cfg:    cfg.Followup,
		logger: logger.Named("followup-scheduler"),
	}
}

// Initialize parses the configured cron expression. It is idempotent and
// must be called before Start.
func (s *Scheduler) Initialize() error {
	interval, err := ParseCronInterval(s.cfg.CronExpression)
	if err != nil {
		return err
	}
	s.interval = interval
	return nil
}

// Start launches the tick loop, unless cron execution is disabled or the
// scheduler is already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.CronEnabled {
		s.logger.Info("Follow-up cron disabled; rules run only via manual trigger")
		return
	}
	if s.running {
		return
	}
	if s.interval <= 0 {
		s.logger.Error("Scheduler started before Initialize; refusing to run")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx)

	s.logger.Info("Follow-up scheduler started",
		zap.String("expression", s.cfg.CronExpression),
		zap.Duration("interval", s.interval))
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Follow-up scheduler stopped")
}

// ManualTrigger runs one batch immediately, regardless of CronEnabled. It
// shares the tick guard with the cron loop, so a manual run concurrent with
// a tick reports the overlap instead of doubling up.
func (s *Scheduler) ManualTrigger(ctx context.Context) (*BatchReport, error) {
	if !s.tickMu.TryLock() {
		return nil, ErrBatchInProgress
	}
	defer s.tickMu.Unlock()
	return s.execute(ctx)
}

// Status returns a snapshot for the status endpoint.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SchedulerStatus{
		Enabled:    s.cfg.CronEnabled,
		Running:    s.running,
		Expression: s.cfg.CronExpression,
		LastRunAt:  s.lastRunAt,
		LastReport: s.lastReport,
	}
	if s.interval > 0 {
		status.Interval = s.interval.String()
	}
	return status
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	// First batch runs at startup; a restarted process should not sit idle
	// for a full interval before catching up.
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		// The previous tick is still running; the at-most-once ledger makes
		// an overlap harmless, but skipping avoids piling load on tenant
		// databases.
		s.logger.Warn("Skipping tick: previous batch still running")
		return
	}
	defer s.tickMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Batch execution panicked", zap.Any("panic", r))
		}
	}()

	if _, err := s.execute(ctx); err != nil {
		s.logger.Error("Batch execution failed", zap.Error(err))
	}
}

func (s *Scheduler) execute(ctx context.Context) (*BatchReport, error) {
	report, err := s.engine.ExecuteAllActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := report.FinishedAt
	s.lastRunAt = &now
	s.lastReport = report
	s.mu.Unlock()
	return report, nil
}
