package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reconciler periodically recomputes the eventually-consistent projections
// (user stats, device production counters) from committed ledger records.
// The ledger itself never reads these projections for correctness.
type Reconciler struct {
	db       *gorm.DB
	cron     *cron.Cron
	logger   *zap.Logger
	schedule string
	mu       sync.Mutex
	running  bool
}

// DefaultSchedule runs the reconciliation every 15 minutes.
const DefaultSchedule = "*/15 * * * *"

// NewReconciler creates a new stats reconciler.
func NewReconciler(db *gorm.DB, logger *zap.Logger, schedule string) *Reconciler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Reconciler{
		db:       db,
		cron:     cron.New(),
		logger:   logger,
		schedule: schedule,
	}
}

// Start schedules the reconciliation job.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reconciler already running")
	}

	_, err := r.cron.AddFunc(r.schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := r.Reconcile(runCtx); err != nil {
			r.logger.Error("stats reconciliation failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}

	r.cron.Start()
	r.running = true
	r.logger.Info("stats reconciler started", zap.String("schedule", r.schedule))
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
	r.logger.Info("stats reconciler stopped")
}

// Reconcile recomputes every projection from ledger records in one pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	started := time.Now()

	if err := r.reconcileUserStats(ctx); err != nil {
		return err
	}
	if err := r.reconcileDeviceCounters(ctx); err != nil {
		return err
	}

	r.logger.Info("stats reconciliation complete", zap.Duration("took", time.Since(started)))
	return nil
}

// Holdings and retirement totals come from the credit table grouped by the
// current owner. Minted totals must not: a transferred mint-root record still
// counts for whoever minted it, so they are recomputed from the minted audit
// entries' performed_by instead.
const reconcileHoldingsQuery = `
	INSERT INTO user_stats (user_id, total_retired, credit_balance, updated_at)
	SELECT owner_id,
	       COALESCE(SUM(carbon_amount) FILTER (WHERE retirement_is_retired = true), 0),
	       COALESCE(SUM(carbon_amount) FILTER (WHERE retirement_is_retired = false), 0),
	       NOW()
	FROM carbon_credits
	GROUP BY owner_id
	ON CONFLICT (user_id) DO UPDATE SET
		total_retired  = EXCLUDED.total_retired,
		credit_balance = EXCLUDED.credit_balance,
		updated_at     = NOW()
`

const reconcileMintTotalsQuery = `
	INSERT INTO user_stats (user_id, total_minted, updated_at)
	SELECT performed_by,
	       COALESCE(SUM((details->>'carbon_amount')::numeric), 0),
	       NOW()
	FROM audit_entries
	WHERE action = 'minted'
	GROUP BY performed_by
	ON CONFLICT (user_id) DO UPDATE SET
		total_minted = EXCLUDED.total_minted,
		updated_at   = NOW()
`

func (r *Reconciler) reconcileUserStats(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Exec(reconcileHoldingsQuery).Error; err != nil {
		return fmt.Errorf("failed to reconcile user holdings: %w", err)
	}
	if err := r.db.WithContext(ctx).Exec(reconcileMintTotalsQuery).Error; err != nil {
		return fmt.Errorf("failed to reconcile mint totals: %w", err)
	}
	return nil
}

func (r *Reconciler) reconcileDeviceCounters(ctx context.Context) error {
	query := `
		UPDATE devices d SET
			total_energy_produced = agg.energy,
			total_credits_issued  = agg.count,
			updated_at            = NOW()
		FROM (
			SELECT source_device_id,
			       COALESCE(SUM(energy_amount), 0) AS energy,
			       COUNT(*) AS count
			FROM carbon_credits
			WHERE mint_key IS NOT NULL
			GROUP BY source_device_id
		) agg
		WHERE d.id = agg.source_device_id
	`
	if err := r.db.WithContext(ctx).Exec(query).Error; err != nil {
		return fmt.Errorf("failed to reconcile device counters: %w", err)
	}
	return nil
}
