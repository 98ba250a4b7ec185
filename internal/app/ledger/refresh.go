package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/meltica-ledger/internal/domain/schema"
	"github.com/coachpo/meltica-ledger/internal/domain/wire"
	"github.com/coachpo/meltica-ledger/internal/infra/telemetry"
)

// Refresh fetches a snapshot and replaces the ledger state with it. Each attempt is one
// account_state round trip; failed attempts are retried with exponential backoff up to
// RefreshAttempts. When refreshes overlap, only a result newer than the last applied one
// is published, so a slow older response never regresses state.
func (l *Ledger) Refresh(ctx context.Context) error {
	return l.refresh(ctx, "manual")
}

// RequestRefresh starts a refresh in the background. It is a no-op after Close.
func (l *Ledger) RequestRefresh(reason string) {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.closed {
		return
	}
	l.wg.Go(func() {
		_ = l.refresh(l.ctx, reason)
	})
}

// scheduleRefresh debounces refreshes triggered by fills: a burst of Filled statuses
// produces one refresh RefreshDebounce after the last of them.
func (l *Ledger) scheduleRefresh(reason string) {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.closed {
		return
	}
	if l.debounce != nil {
		l.debounce.Stop()
	}
	l.debounce = time.AfterFunc(l.opts.RefreshDebounce, func() {
		l.RequestRefresh(reason)
	})
}

func (l *Ledger) refresh(ctx context.Context, reason string) error {
	seq := l.refreshSeq.Add(1)
	start := time.Now()
	l.mutate(func(next *State) bool {
		if next.Loading {
			return false
		}
		next.Loading = true
		return true
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.opts.RefreshBackoff
	bo.MaxInterval = 8 * l.opts.RefreshBackoff
	snap, err := backoff.Retry(ctx, func() (wire.Snapshot, error) {
		data, err := l.requester.Request(ctx, opAccountState, nil, l.opts.RefreshTimeout)
		if err != nil {
			return wire.Snapshot{}, err
		}
		decoded, err := wire.DecodeSnapshot(data, l.opts.Clock().UTC())
		if err != nil {
			return wire.Snapshot{}, backoff.Permanent(err)
		}
		return decoded, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(l.opts.RefreshAttempts)))
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		l.logger.Printf("ledger: %s refresh failed: %v", reason, err)
		l.metrics.refresh(reason, telemetry.ResultError, elapsed)
		l.mutate(func(next *State) bool {
			if seq < l.refreshSeq.Load() {
				return false
			}
			next.Loading = false
			next.LastError = err.Error()
			return true
		})
		return fmt.Errorf("refresh account state: %w", err)
	}

	if snap.Skipped > 0 {
		l.logger.Printf("ledger: snapshot skipped %d malformed row(s)", snap.Skipped)
	}
	if !l.applySnapshot(seq, snap) {
		l.metrics.refresh(reason, telemetry.ResultIgnored, elapsed)
		return nil
	}
	l.metrics.refresh(reason, telemetry.ResultSuccess, elapsed)
	l.metrics.event(kindSnapshot, telemetry.ResultSuccess)
	return nil
}

// applySnapshot replaces positions, cash and open orders wholesale and rebuilds history
// from the completed orders. It reports false when a newer snapshot was already applied.
func (l *Ledger) applySnapshot(seq uint64, snap wire.Snapshot) bool {
	now := l.opts.Clock().UTC()
	return l.mutate(func(next *State) bool {
		if seq <= l.appliedSeq {
			return false
		}
		l.appliedSeq = seq

		next.Positions = make(map[schema.PositionKey]schema.Position, len(snap.Positions))
		for _, p := range snap.Positions {
			if p.Quantity.IsZero() {
				continue
			}
			next.Positions[p.Key()] = p
		}

		next.Cash = make(map[schema.CashKey]schema.CashBalance)
		for _, row := range snap.Cash {
			applyCashRow(next.Cash, row, now)
		}

		next.Fills = mergeFills(next.Fills, snap.Executions, l.opts.FillLimit)
		for _, f := range snap.Executions {
			l.seenExecs.Add(f.ExecID)
		}

		for _, co := range snap.CompletedOrders {
			l.closedOrders.Add(co.Order.OrderID)
		}
		next.OpenOrders = make(map[int64]schema.OpenOrder, len(snap.OpenOrders))
		for _, o := range snap.OpenOrders {
			// closed is irreversible even against a snapshot taken before the close
			if l.closedOrders.Has(o.OrderID) {
				continue
			}
			next.OpenOrders[o.OrderID] = o
		}

		next.History = rebuildHistory(next.History, snap.CompletedOrders, next.Fills, l.opts.HistoryLimit)

		if snap.Connected != schema.ConnectivityUnknown {
			next.Connectivity = snap.Connected
		}
		next.Loading = seq < l.refreshSeq.Load()
		next.LastError = ""
		next.RefreshedAt = now
		return true
	}) != nil
}

// mergeFills unions two fill lists by execId, newest first.
func mergeFills(current, incoming []schema.Execution, limit int) []schema.Execution {
	seen := make(map[string]struct{}, len(current)+len(incoming))
	merged := make([]schema.Execution, 0, len(current)+len(incoming))
	for _, list := range [][]schema.Execution{incoming, current} {
		for _, f := range list {
			if _, dup := seen[f.ExecID]; dup {
				continue
			}
			seen[f.ExecID] = struct{}{}
			merged = append(merged, f)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Time.After(merged[j].Time) })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// rebuildHistory builds history entries from the snapshot's completed orders, taking the
// actual filled quantity and average price from fills matched by permId, and keeps
// locally closed entries the snapshot does not mention.
func rebuildHistory(current []schema.HistoryEntry, completed []wire.CompletedOrder, fills []schema.Execution, limit int) []schema.HistoryEntry {
	byOrder := make(map[int64]schema.HistoryEntry, len(current)+len(completed))
	for _, h := range current {
		byOrder[h.OrderID()] = h
	}
	aggregates := aggregateFills(fills)
	for _, co := range completed {
		entry := schema.HistoryEntry{
			Order:          co.Order,
			Status:         co.Order.Status,
			FilledQuantity: co.Order.Filled,
			AvgFillPrice:   co.Order.AvgFillPrice,
			ClosedAt:       co.CompletedAt,
		}
		if agg, ok := aggregates[co.Order.PermID]; ok && co.Order.PermID != 0 {
			entry.FilledQuantity = agg.quantity
			entry.AvgFillPrice = agg.avgPrice
		}
		byOrder[co.Order.OrderID] = entry
	}
	out := make([]schema.HistoryEntry, 0, len(byOrder))
	for _, h := range byOrder {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClosedAt.Equal(out[j].ClosedAt) {
			return out[i].ClosedAt.After(out[j].ClosedAt)
		}
		return out[i].OrderID() > out[j].OrderID()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
