package main

import (
	"context"
	"fmt"
)

// tradeCycle is the entry pipeline: reconcile broker state, scan for
// new spread candidates, then work the READY proposal queue. A failed sync
// aborts the whole cycle so proposals are never scored against stale state.
func (b *bot) tradeCycle(ctx context.Context) error {
	if !b.clock.IsMarketHours(b.clock.NowET()) {
		b.log.Debug().Msg("Outside market hours, skipping trade cycle")
		return nil
	}

	if err := b.syncer.SyncAll(ctx); err != nil {
		return fmt.Errorf("sync before trade cycle: %w", err)
	}
	if err := b.proposal.Run(ctx); err != nil {
		return fmt.Errorf("proposal pass: %w", err)
	}
	return b.entry.Run(ctx)
}

// monitorCycle reconciles, evaluates OPEN trades against the close rules and
// executes whatever triggered. Exits mutate broker orders, so plans run
// strictly one at a time.
func (b *bot) monitorCycle(ctx context.Context) error {
	if !b.clock.IsMarketHours(b.clock.NowET()) {
		b.log.Debug().Msg("Outside market hours, skipping monitor cycle")
		return nil
	}

	if err := b.syncer.SyncAll(ctx); err != nil {
		return fmt.Errorf("sync before monitor cycle: %w", err)
	}
	if err := b.monitor.ReconcileQuantities(); err != nil {
		b.log.Error().Err(err).Msg("Quantity reconciliation failed")
	}

	plans, err := b.monitor.Run(ctx)
	if err != nil {
		return fmt.Errorf("monitor pass: %w", err)
	}
	for _, plan := range plans {
		if err := b.exit.Execute(ctx, plan); err != nil {
			b.log.Error().Err(err).
				Str("trade_id", plan.Trade.ID).
				Str("trigger", string(plan.Decision.Trigger)).
				Msg("Exit execution failed")
		}
	}
	return nil
}

// orphanCleanup runs after the close: sweep the broker for tagged orders no
// local record claims and cancel them before the next session.
func (b *bot) orphanCleanup(ctx context.Context) error {
	if err := b.syncer.SyncOrders(ctx); err != nil {
		b.log.Error().Err(err).Msg("Order sync before orphan cleanup failed")
	}
	cancelled, err := b.syncer.CleanupOrphans(ctx)
	if err != nil {
		return fmt.Errorf("orphan cleanup: %w", err)
	}
	if cancelled > 0 {
		b.log.Warn().Int("cancelled", cancelled).Msg("Orphaned orders cancelled")
	}
	return nil
}
