package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/config"
)

type stubRuleEngine struct {
	mu        sync.Mutex
	batches   int
	batchErr  error
	started   chan struct{} // closed when a batch begins, if set
	block     chan struct{} // when set, ExecuteAllActiveRules waits on it
	startOnce sync.Once
}

func (s *stubRuleEngine) RunRule(_ context.Context, _, _ uuid.UUID, _ RunOptions) (*RunReport, error) {
	return &RunReport{}, nil
}

func (s *stubRuleEngine) ExecuteAllActiveRules(_ context.Context) (*BatchReport, error) {
	if s.started != nil {
		s.startOnce.Do(func() { close(s.started) })
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.batches++
	s.mu.Unlock()
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	now := time.Now().UTC()
	return &BatchReport{StartedAt: now, FinishedAt: now, RulesRun: 2, Sent: 5}, nil
}

func (s *stubRuleEngine) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

func schedulerConfig(expr string, enabled bool) *config.Config {
	return &config.Config{
		Followup: config.FollowupConfig{
			CronEnabled:    enabled,
			CronExpression: expr,
		},
	}
}

func TestParseCronInterval(t *testing.T) {
	tests := []struct {
		expr     string
		expected time.Duration
		wantErr  bool
	}{
		{expr: "*/1 * * * *", expected: time.Minute},
		{expr: "*/15 * * * *", expected: 15 * time.Minute},
		{expr: "*/59 * * * *", expected: 59 * time.Minute},
		{expr: "0 */1 * * *", expected: time.Hour},
		{expr: "0 */3 * * *", expected: 3 * time.Hour},
		{expr: "0 */23 * * *", expected: 23 * time.Hour},
		{expr: "0 0 * * *", expected: 24 * time.Hour},
		{expr: "*/0 * * * *", wantErr: true},
		{expr: "*/60 * * * *", wantErr: true},
		{expr: "0 */0 * * *", wantErr: true},
		{expr: "0 */24 * * *", wantErr: true},
		{expr: "0 0 1 * *", wantErr: true},
		{expr: "30 * * * *", wantErr: true},
		{expr: "* * * * *", wantErr: true},
		{expr: "", wantErr: true},
		{expr: "every 3 hours", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			interval, err := ParseCronInterval(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, interval)
		})
	}
}

func TestScheduler_Initialize(t *testing.T) {
	s := NewScheduler(&stubRuleEngine{}, schedulerConfig("0 */3 * * *", true), zap.NewNop())
	require.NoError(t, s.Initialize())

	bad := NewScheduler(&stubRuleEngine{}, schedulerConfig("nope", true), zap.NewNop())
	assert.Error(t, bad.Initialize())
}

func TestScheduler_StartDisabled(t *testing.T) {
	s := NewScheduler(&stubRuleEngine{}, schedulerConfig("0 */3 * * *", false), zap.NewNop())
	require.NoError(t, s.Initialize())

	s.Start()
	assert.False(t, s.Status().Running)
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(&stubRuleEngine{}, schedulerConfig("0 */3 * * *", true), zap.NewNop())
	require.NoError(t, s.Initialize())

	s.Start()
	assert.True(t, s.Status().Running)

	// Second Start on a running scheduler is a no-op.
	s.Start()
	assert.True(t, s.Status().Running)

	s.Stop()
	assert.False(t, s.Status().Running)

	// Stop on a stopped scheduler is a no-op.
	s.Stop()
}

func TestScheduler_StartRunsFirstBatchImmediately(t *testing.T) {
	engine := &stubRuleEngine{started: make(chan struct{})}
	s := NewScheduler(engine, schedulerConfig("0 */3 * * *", true), zap.NewNop())
	require.NoError(t, s.Initialize())

	s.Start()
	defer s.Stop()

	// The first batch fires on startup, not an interval later.
	select {
	case <-engine.started:
	case <-time.After(2 * time.Second):
		t.Fatal("no batch started after Start")
	}

	s.Stop()
	assert.Equal(t, 1, engine.batchCount())
	require.NotNil(t, s.Status().LastRunAt)
}

func TestScheduler_ManualTrigger(t *testing.T) {
	engine := &stubRuleEngine{}
	// Cron disabled: manual triggers still work.
	s := NewScheduler(engine, schedulerConfig("0 */3 * * *", false), zap.NewNop())
	require.NoError(t, s.Initialize())

	report, err := s.ManualTrigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.RulesRun)
	assert.Equal(t, 5, report.Sent)
	assert.Equal(t, 1, engine.batchCount())

	status := s.Status()
	require.NotNil(t, status.LastRunAt)
	assert.Equal(t, report, status.LastReport)
}

func TestScheduler_ManualTriggerPropagatesError(t *testing.T) {
	engine := &stubRuleEngine{batchErr: errors.New("listing failed")}
	s := NewScheduler(engine, schedulerConfig("0 */3 * * *", false), zap.NewNop())
	require.NoError(t, s.Initialize())

	_, err := s.ManualTrigger(context.Background())
	assert.Error(t, err)
	assert.Nil(t, s.Status().LastRunAt)
}

func TestScheduler_ManualTriggerRejectsOverlap(t *testing.T) {
	engine := &stubRuleEngine{
		started: make(chan struct{}),
		block:   make(chan struct{}),
	}
	s := NewScheduler(engine, schedulerConfig("0 */3 * * *", false), zap.NewNop())
	require.NoError(t, s.Initialize())

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, err := s.ManualTrigger(context.Background())
		assert.NoError(t, err)
	}()

	// Wait for the first trigger to take the batch guard, then the second
	// must be rejected instead of queued.
	<-engine.started
	_, err := s.ManualTrigger(context.Background())
	assert.ErrorIs(t, err, ErrBatchInProgress)

	close(engine.block)
	<-firstDone
	assert.Equal(t, 1, engine.batchCount())

	// Guard released: the next trigger runs.
	engine.block = nil
	_, err = s.ManualTrigger(context.Background())
	assert.NoError(t, err)
}

func TestScheduler_StatusSnapshot(t *testing.T) {
	s := NewScheduler(&stubRuleEngine{}, schedulerConfig("*/5 * * * *", true), zap.NewNop())
	require.NoError(t, s.Initialize())

	status := s.Status()
	assert.True(t, status.Enabled)
	assert.False(t, status.Running)
	assert.Equal(t, "*/5 * * * *", status.Expression)
	assert.Equal(t, "5m0s", status.Interval)
	assert.Nil(t, status.LastRunAt)
	assert.Nil(t, status.LastReport)
}
