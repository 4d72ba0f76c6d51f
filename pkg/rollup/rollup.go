// Package rollup contains the periodic workers that derive metrics windows,
// health snapshots, and cost views from raw tool executions. Every worker
// recomputes from raw data and upserts, so re-running a window converges
// instead of double counting.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// lockTTL bounds how long a crashed worker can hold a window
const lockTTL = 2 * time.Minute

type integrationLister interface {
	ListAllActive(ctx context.Context) ([]models.Integration, error)
}

type executionLister interface {
	ListFinishedInWindow(ctx context.Context, tenantID, integrationID uuid.UUID, from, to time.Time) ([]models.ToolExecution, error)
}

type aggregateStore interface {
	Upsert(ctx context.Context, agg *models.MetricsAggregate) error
}

// locker guards a window against concurrent instances. Satisfied by
// redis.Locker; nil means single-instance mode.
type locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// window is one rollup target: a metric type plus its [start, end) bounds
type window struct {
	metricType string
	start      time.Time
	end        time.Time
}

// activeWindows returns the windows worth recomputing at a given instant:
// the current and previous hour, and the current day. The previous hour is
// included so calls that finish near a boundary still land in a final
// recompute.
func activeWindows(now time.Time) []window {
	hour := now.Truncate(time.Hour)
	day := now.Truncate(24 * time.Hour)
	return []window{
		{models.MetricTypeHourly, hour, hour.Add(time.Hour)},
		{models.MetricTypeHourly, hour.Add(-time.Hour), hour},
		{models.MetricTypeDaily, day, day.Add(24 * time.Hour)},
	}
}

// Aggregator periodically recomputes metrics windows for every integration
type Aggregator struct {
	integrations integrationLister
	executions   executionLister
	aggregates   aggregateStore
	costs        *CostTable
	locks        locker
	logger       ectologger.Logger
	interval     time.Duration
}

// NewAggregator creates a new rollup aggregator. locks may be nil when only
// one instance runs.
func NewAggregator(
	integrations integrationLister,
	executions executionLister,
	aggregates aggregateStore,
	costs *CostTable,
	locks locker,
	logger ectologger.Logger,
	interval time.Duration,
) *Aggregator {
	return &Aggregator{
		integrations: integrations,
		executions:   executions,
		aggregates:   aggregates,
		costs:        costs,
		locks:        locks,
		logger:       logger,
		interval:     interval,
	}
}

// Run recomputes windows on a fixed interval until the context is cancelled
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Infof("rollup aggregator started, interval %s", a.interval)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("rollup aggregator stopped")
			return
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logger.WithContext(ctx).WithError(err).Error("rollup run failed")
			}
		}
	}
}

// RunOnce recomputes every active window for every integration
func (a *Aggregator) RunOnce(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "Aggregator.RunOnce")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RollupDuration.WithLabelValues("aggregate").Observe(time.Since(start).Seconds())
	}()

	integrations, err := a.integrations.ListAllActive(ctx)
	if err != nil {
		metrics.RollupRuns.WithLabelValues("aggregate", "error").Inc()
		return err
	}

	var failed int
	for _, integration := range integrations {
		for _, w := range activeWindows(time.Now().UTC()) {
			if err := a.rollupWindow(ctx, integration, w); err != nil {
				failed++
				a.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"integration_id": integration.ID,
					"metric_type":    w.metricType,
					"window_start":   w.start,
				}).Error("failed to roll up window")
			}
		}
	}

	if failed > 0 {
		metrics.RollupRuns.WithLabelValues("aggregate", "error").Inc()
		return fmt.Errorf("%d window rollups failed", failed)
	}
	metrics.RollupRuns.WithLabelValues("aggregate", "success").Inc()
	return nil
}

func (a *Aggregator) rollupWindow(ctx context.Context, integration models.Integration, w window) error {
	compute := func() error {
		executions, err := a.executions.ListFinishedInWindow(ctx, integration.TenantID, integration.ID, w.start, w.end)
		if err != nil {
			return err
		}

		agg := ComputeAggregate(integration.TenantID, integration.ID, w.metricType, w.start, executions, a.costs)
		return a.aggregates.Upsert(ctx, agg)
	}

	if a.locks == nil {
		return compute()
	}

	key := fmt.Sprintf("rollup:%s:%s:%d", w.metricType, integration.ID, w.start.Unix())
	err := a.locks.WithLock(ctx, key, lockTTL, compute)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		// another instance owns this window
		return nil
	}
	return err
}

// ComputeAggregate derives one metrics window from its raw executions
func ComputeAggregate(tenantID, integrationID uuid.UUID, metricType string, windowStart time.Time, executions []models.ToolExecution, costs *CostTable) *models.MetricsAggregate {
	agg := &models.MetricsAggregate{
		TenantID:      tenantID,
		IntegrationID: integrationID,
		MetricType:    metricType,
		MetricDate:    windowStart,
		ErrorCounts:   database.NewJSONB(map[string]int64{}),
		ToolUsage:     database.NewJSONB(map[string]int64{}),
	}

	errorCounts := make(map[string]int64)
	toolUsage := make(map[string]int64)
	var durations []float64
	var durationSum float64

	for _, execution := range executions {
		agg.TotalCalls++
		toolUsage[execution.ToolName]++

		switch execution.Status {
		case models.ExecutionStatusSucceeded:
			agg.SuccessCalls++
		case models.ExecutionStatusFailed:
			agg.FailedCalls++
			if execution.ErrorKind != nil {
				errorCounts[*execution.ErrorKind]++
				if *execution.ErrorKind == models.ErrorKindRateLimit {
					agg.RateLimitedCalls++
				}
			}
		}

		if execution.DurationMs != nil {
			d := float64(*execution.DurationMs)
			durations = append(durations, d)
			durationSum += d
		}
	}

	if len(durations) > 0 {
		sort.Float64s(durations)
		agg.AvgLatencyMs = durationSum / float64(len(durations))
		agg.P50LatencyMs = percentile(durations, 50)
		agg.P95LatencyMs = percentile(durations, 95)
		agg.P99LatencyMs = percentile(durations, 99)
	}

	if costs != nil {
		total, _, _ := costs.Compute(executions)
		agg.EstimatedCost = total
	}

	agg.ErrorCounts = database.NewJSONB(errorCounts)
	agg.ToolUsage = database.NewJSONB(toolUsage)
	return agg
}

// percentile uses the nearest-rank method over a sorted slice
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
