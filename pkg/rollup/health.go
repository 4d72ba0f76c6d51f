package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// maxHealthErrorRate is the check threshold for the error rate health check
const maxHealthErrorRate = 0.5

type snapshotStore interface {
	Create(ctx context.Context, snapshot *models.IntegrationHealthSnapshot) error
}

// ScoreWeights controls how much each health component contributes to the
// final score. Weights should sum to 1.
type ScoreWeights struct {
	ErrorRate float64
	Latency   float64
	Checks    float64
}

// HealthScorer turns a window of executions into a 0-100 health score. The
// score is monotonic: a higher error rate or latency never raises it.
type HealthScorer struct {
	Weights        ScoreWeights
	LatencyCeiling time.Duration
}

// Evaluate computes a snapshot's fields from the window's executions. An
// empty window scores a perfect 100.
func (s HealthScorer) Evaluate(executions []models.ToolExecution) (score, errorRate, avgResponseMs float64, checksPassed, checksTotal int, details map[string]any) {
	var failed, authFailures int
	var durationSum float64
	var durationCount int

	for _, execution := range executions {
		if execution.Status == models.ExecutionStatusFailed {
			failed++
			if execution.ErrorKind != nil && *execution.ErrorKind == models.ErrorKindAuthentication {
				authFailures++
			}
		}
		if execution.DurationMs != nil {
			durationSum += float64(*execution.DurationMs)
			durationCount++
		}
	}

	if len(executions) > 0 {
		errorRate = float64(failed) / float64(len(executions))
	}
	if durationCount > 0 {
		avgResponseMs = durationSum / float64(durationCount)
	}

	ceilingMs := float64(s.LatencyCeiling.Milliseconds())
	latencyRatio := 0.0
	if ceilingMs > 0 {
		latencyRatio = avgResponseMs / ceilingMs
		if latencyRatio > 1 {
			latencyRatio = 1
		}
	}

	checks := []struct {
		name   string
		passed bool
	}{
		{"error_rate_acceptable", errorRate <= maxHealthErrorRate},
		{"latency_below_ceiling", avgResponseMs <= ceilingMs},
		{"credentials_valid", authFailures == 0},
	}
	checkDetails := make(map[string]any, len(checks))
	for _, check := range checks {
		if check.passed {
			checksPassed++
		}
		checkDetails[check.name] = check.passed
	}
	checksTotal = len(checks)

	checkRatio := float64(checksPassed) / float64(checksTotal)
	score = 100 * (s.Weights.ErrorRate*(1-errorRate) +
		s.Weights.Latency*(1-latencyRatio) +
		s.Weights.Checks*checkRatio)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	details = map[string]any{
		"sample_size": len(executions),
		"checks":      checkDetails,
	}
	return score, errorRate, avgResponseMs, checksPassed, checksTotal, details
}

// HealthWorker periodically snapshots every integration's health from its
// recent executions. Snapshots are append-only history.
type HealthWorker struct {
	integrations integrationLister
	executions   executionLister
	snapshots    snapshotStore
	scorer       HealthScorer
	locks        locker
	logger       ectologger.Logger
	interval     time.Duration
	lookback     time.Duration
}

// NewHealthWorker creates a new health snapshot worker
func NewHealthWorker(
	integrations integrationLister,
	executions executionLister,
	snapshots snapshotStore,
	scorer HealthScorer,
	locks locker,
	logger ectologger.Logger,
	interval, lookback time.Duration,
) *HealthWorker {
	return &HealthWorker{
		integrations: integrations,
		executions:   executions,
		snapshots:    snapshots,
		scorer:       scorer,
		locks:        locks,
		logger:       logger,
		interval:     interval,
		lookback:     lookback,
	}
}

// Run takes snapshots on a fixed interval until the context is cancelled
func (w *HealthWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Infof("health snapshot worker started, interval %s", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("health snapshot worker stopped")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.WithContext(ctx).WithError(err).Error("health snapshot run failed")
			}
		}
	}
}

// RunOnce snapshots every integration once
func (w *HealthWorker) RunOnce(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "HealthWorker.RunOnce")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RollupDuration.WithLabelValues("health").Observe(time.Since(start).Seconds())
	}()

	run := func() error {
		integrations, err := w.integrations.ListAllActive(ctx)
		if err != nil {
			return err
		}

		var failed int
		now := time.Now().UTC()
		for _, integration := range integrations {
			if err := w.snapshot(ctx, integration, now); err != nil {
				failed++
				w.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"integration_id": integration.ID,
				}).Error("failed to snapshot integration health")
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d health snapshots failed", failed)
		}
		return nil
	}

	var err error
	if w.locks == nil {
		err = run()
	} else {
		// snapshots are append-only; the lock avoids duplicate history when
		// several instances tick at once
		err = w.locks.WithLock(ctx, "rollup:health", lockTTL, run)
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return nil
		}
	}

	if err != nil {
		metrics.RollupRuns.WithLabelValues("health", "error").Inc()
		return err
	}
	metrics.RollupRuns.WithLabelValues("health", "success").Inc()
	return nil
}

func (w *HealthWorker) snapshot(ctx context.Context, integration models.Integration, now time.Time) error {
	executions, err := w.executions.ListFinishedInWindow(ctx, integration.TenantID, integration.ID, now.Add(-w.lookback), now)
	if err != nil {
		return err
	}

	score, errorRate, avgResponseMs, checksPassed, checksTotal, details := w.scorer.Evaluate(executions)
	return w.snapshots.Create(ctx, &models.IntegrationHealthSnapshot{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Score:         score,
		ErrorRate:     errorRate,
		AvgResponseMs: avgResponseMs,
		ChecksPassed:  checksPassed,
		ChecksTotal:   checksTotal,
		Details:       database.NewJSONB(details),
	})
}
