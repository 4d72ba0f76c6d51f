package rollup

import (
	"context"
	"encoding/json"
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

type costStore interface {
	Upsert(ctx context.Context, cost *models.CostTracking) error
}

// CostTable maps tool names to a per-call cost, with a fallback for tools
// not listed. Every finished call is charged; failed calls still hit the
// provider.
type CostTable struct {
	perTool     map[string]float64
	defaultCost float64
}

// ParseCostTable builds a cost table from its JSON configuration form, a
// flat object of tool name to cost per call.
func ParseCostTable(raw string, defaultCost float64) (*CostTable, error) {
	perTool := make(map[string]float64)
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &perTool); err != nil {
			return nil, fmt.Errorf("invalid cost table: %w", err)
		}
	}
	return &CostTable{perTool: perTool, defaultCost: defaultCost}, nil
}

// CostFor returns the per-call cost of a tool
func (t *CostTable) CostFor(toolName string) float64 {
	if cost, ok := t.perTool[toolName]; ok {
		return cost
	}
	return t.defaultCost
}

// Compute totals the estimated cost of a set of executions, broken down by
// tool and by calendar day of the call's start.
func (t *CostTable) Compute(executions []models.ToolExecution) (float64, map[string]float64, map[string]float64) {
	byTool := make(map[string]float64)
	byDay := make(map[string]float64)
	var total float64
	for _, execution := range executions {
		cost := t.CostFor(execution.ToolName)
		byTool[execution.ToolName] += cost
		byDay[execution.StartedAt.UTC().Format("2006-01-02")] += cost
		total += cost
	}
	return total, byTool, byDay
}

// costPeriods returns the billing periods worth recomputing now: the current
// day and the current month.
func costPeriods(now time.Time) []struct {
	billingPeriod string
	start, end    time.Time
} {
	day := now.Truncate(24 * time.Hour)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return []struct {
		billingPeriod string
		start, end    time.Time
	}{
		{models.BillingPeriodDaily, day, day.Add(24 * time.Hour)},
		{models.BillingPeriodMonthly, monthStart, monthStart.AddDate(0, 1, 0)},
	}
}

// CostWorker periodically recomputes the derived spend view per integration
// and billing period.
type CostWorker struct {
	integrations integrationLister
	executions   executionLister
	costs        costStore
	table        *CostTable
	locks        locker
	logger       ectologger.Logger
	interval     time.Duration
}

// NewCostWorker creates a new cost worker
func NewCostWorker(
	integrations integrationLister,
	executions executionLister,
	costs costStore,
	table *CostTable,
	locks locker,
	logger ectologger.Logger,
	interval time.Duration,
) *CostWorker {
	return &CostWorker{
		integrations: integrations,
		executions:   executions,
		costs:        costs,
		table:        table,
		locks:        locks,
		logger:       logger,
		interval:     interval,
	}
}

// Run recomputes cost periods on a fixed interval until the context is
// cancelled.
func (w *CostWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Infof("cost worker started, interval %s", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cost worker stopped")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.WithContext(ctx).WithError(err).Error("cost run failed")
			}
		}
	}
}

// RunOnce recomputes the current billing periods for every integration
func (w *CostWorker) RunOnce(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "CostWorker.RunOnce")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RollupDuration.WithLabelValues("cost").Observe(time.Since(start).Seconds())
	}()

	integrations, err := w.integrations.ListAllActive(ctx)
	if err != nil {
		metrics.RollupRuns.WithLabelValues("cost", "error").Inc()
		return err
	}

	var failed int
	now := time.Now().UTC()
	for _, integration := range integrations {
		for _, period := range costPeriods(now) {
			if err := w.rollupPeriod(ctx, integration, period.billingPeriod, period.start, period.end); err != nil {
				failed++
				w.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"integration_id": integration.ID,
					"billing_period": period.billingPeriod,
				}).Error("failed to roll up cost period")
			}
		}
	}

	if failed > 0 {
		metrics.RollupRuns.WithLabelValues("cost", "error").Inc()
		return fmt.Errorf("%d cost rollups failed", failed)
	}
	metrics.RollupRuns.WithLabelValues("cost", "success").Inc()
	return nil
}

func (w *CostWorker) rollupPeriod(ctx context.Context, integration models.Integration, billingPeriod string, start, end time.Time) error {
	compute := func() error {
		executions, err := w.executions.ListFinishedInWindow(ctx, integration.TenantID, integration.ID, start, end)
		if err != nil {
			return err
		}

		total, byTool, byDay := w.table.Compute(executions)
		return w.costs.Upsert(ctx, &models.CostTracking{
			TenantID:      integration.TenantID,
			IntegrationID: integration.ID,
			BillingPeriod: billingPeriod,
			PeriodStart:   start,
			PeriodEnd:     end,
			TotalCalls:    int64(len(executions)),
			TotalCost:     total,
			CostByTool:    database.NewJSONB(byTool),
			CostByDay:     database.NewJSONB(byDay),
		})
	}

	if w.locks == nil {
		return compute()
	}

	key := fmt.Sprintf("rollup:cost:%s:%s:%d", billingPeriod, integration.ID, start.Unix())
	err := w.locks.WithLock(ctx, key, lockTTL, compute)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		return nil
	}
	return err
}
