package usage

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// QuotaConfig configures a QuotaMeter.
type QuotaConfig struct {
	// StepsPerSession is the step allowance per session between resets. Zero or less is unlimited.
	StepsPerSession int
	// ResetSchedule is a cron expression or descriptor such as "@daily". Empty disables resets.
	ResetSchedule string
	Logger        zerolog.Logger
}

// QuotaMeter enforces a per-session step allowance that is cleared on a cron schedule.
type QuotaMeter struct {
	limit  int
	logger zerolog.Logger

	mu   sync.Mutex
	used map[string]int

	scheduler *cron.Cron
}

// NewQuotaMeter creates a QuotaMeter. Call Start to begin scheduled resets.
func NewQuotaMeter(cfg QuotaConfig) (*QuotaMeter, error) {
	q := &QuotaMeter{
		limit:  cfg.StepsPerSession,
		logger: cfg.Logger.With().Str("component", "quota-meter").Logger(),
		used:   make(map[string]int),
	}

	if cfg.ResetSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		q.scheduler = cron.New(cron.WithParser(parser))
		if _, err := q.scheduler.AddFunc(cfg.ResetSchedule, q.Reset); err != nil {
			return nil, fmt.Errorf("invalid reset schedule %q: %w", cfg.ResetSchedule, err)
		}
	}
	return q, nil
}

// Start begins scheduled resets.
func (q *QuotaMeter) Start() {
	if q.scheduler != nil {
		q.scheduler.Start()
	}
}

// Stop halts scheduled resets and waits for a running reset to finish.
func (q *QuotaMeter) Stop() {
	if q.scheduler != nil {
		<-q.scheduler.Stop().Done()
	}
}

// Authorize implements Meter.
func (q *QuotaMeter) Authorize(_ context.Context, sessionID string) (bool, error) {
	if q.limit <= 0 {
		return true, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[sessionID] < q.limit, nil
}

// Record implements Meter. A cost with no steps counts as one.
func (q *QuotaMeter) Record(_ context.Context, sessionID string, cost Cost) error {
	steps := cost.Steps
	if steps <= 0 {
		steps = 1
	}
	q.mu.Lock()
	q.used[sessionID] += steps
	q.mu.Unlock()
	return nil
}

// Used returns the steps recorded for sessionID since the last reset.
func (q *QuotaMeter) Used(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[sessionID]
}

// Forget drops a finished session's counter.
func (q *QuotaMeter) Forget(sessionID string) {
	q.mu.Lock()
	delete(q.used, sessionID)
	q.mu.Unlock()
}

// Reset clears every counter.
func (q *QuotaMeter) Reset() {
	q.mu.Lock()
	n := len(q.used)
	q.used = make(map[string]int)
	q.mu.Unlock()

	q.logger.Info().Int("sessions", n).Msg("Usage quotas reset")
}
