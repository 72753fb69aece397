package syncer

import (
	"context"
	"fmt"
	"strings"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// Rebuilder recomputes the TradeIdeaGroup aggregate for one logical
// position from its stored executions and realization events.
type Rebuilder struct {
	executions   storage.ExecutionStore
	realizations storage.RealizationStore
	ideas        storage.TradeIdeaStore
}

// NewRebuilder creates a rebuilder over the given stores.
func NewRebuilder(executions storage.ExecutionStore, realizations storage.RealizationStore, ideas storage.TradeIdeaStore) *Rebuilder {
	return &Rebuilder{
		executions:   executions,
		realizations: realizations,
		ideas:        ideas,
	}
}

// RebuildForPosition rebuilds (never recreates) the group for one
// external position id. Returns storage.ErrNotFound when no
// executions reference the position yet.
func (r *Rebuilder) RebuildForPosition(ctx context.Context, scope domain.Scope, connectionID, accountID, positionID string, isOpen bool, nowMs int64) (*domain.TradeIdeaGroup, error) {
	executions, err := r.executions.ListByPosition(ctx, scope, positionID)
	if err != nil {
		return nil, fmt.Errorf("list executions for position %s: %w", positionID, err)
	}
	if len(executions) == 0 {
		return nil, fmt.Errorf("position %s has no executions: %w", positionID, storage.ErrNotFound)
	}

	first := executions[0]
	last := executions[len(executions)-1]

	direction := domain.DirectionLong
	if first.Side == domain.SideSell {
		direction = domain.DirectionShort
	}

	var netQty, fees float64
	for _, e := range executions {
		netQty += e.SignedQty()
		fees += e.Fees
	}

	// Entry price: weighted average over entry-side fills only.
	var entryNotional, entryQty float64
	for _, e := range executions {
		if e.Qty == 0 || e.Price == 0 {
			continue
		}
		qty := e.Qty
		if qty < 0 {
			qty = -qty
		}
		entrySide := direction == domain.DirectionLong && e.Side == domain.SideBuy ||
			direction == domain.DirectionShort && e.Side == domain.SideSell
		if entrySide {
			entryNotional += qty * e.Price
			entryQty += qty
		}
	}
	var avgEntryPrice float64
	if entryQty > 0 {
		avgEntryPrice = entryNotional / entryQty
	}

	// Realized PnL accumulates from partial closes while the position
	// remains open.
	realized, err := r.realizations.ListByPosition(ctx, scope, accountID, positionID)
	if err != nil {
		return nil, fmt.Errorf("list realizations for position %s: %w", positionID, err)
	}
	var realizedPnl float64
	for _, ev := range realized {
		realizedPnl += ev.RealizedPnl
	}

	openedAt := first.ExecutedAt
	if openedAt == 0 {
		openedAt = nowMs
	}

	status := domain.GroupClosed
	var closedAt int64
	if isOpen {
		status = domain.GroupOpen
	} else {
		closedAt = last.ExecutedAt
		if closedAt == 0 {
			closedAt = nowMs
		}
	}

	group := &domain.TradeIdeaGroup{
		Scope:                    scope,
		ConnectionID:             connectionID,
		AccountID:                accountID,
		PositionID:               positionID,
		InstrumentID:             first.InstrumentID,
		Symbol:                   resolveGroupSymbol(executions),
		Status:                   status,
		Direction:                direction,
		OpenedAt:                 openedAt,
		ClosedAt:                 closedAt,
		NetQty:                   netQty,
		AvgEntryPrice:            avgEntryPrice,
		RealizedPnl:              realizedPnl,
		Fees:                     fees,
		LastExecutionAt:          last.ExecutedAt,
		LastProcessedExecutionID: last.ExternalExecutionID,
		UpdatedAt:                nowMs,
		CreatedAt:                nowMs,
	}

	groupID, err := r.ideas.UpsertGroup(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("upsert group for position %s: %w", positionID, err)
	}
	group.ID = groupID

	for _, e := range executions {
		_, _, err := r.ideas.UpsertEvent(ctx, &domain.TradeIdeaEvent{
			Scope:               scope,
			ConnectionID:        connectionID,
			TradeIdeaGroupID:    groupID,
			ExternalExecutionID: e.ExternalExecutionID,
			ExternalOrderID:     e.ExternalOrderID,
			ExternalPositionID:  positionID,
			ExecutedAt:          e.ExecutedAt,
			CreatedAt:           nowMs,
		})
		if err != nil {
			return nil, fmt.Errorf("link execution %s: %w", e.ExternalExecutionID, err)
		}
	}

	return group, nil
}

// resolveGroupSymbol picks the first usable symbol from the executions,
// falling back to the instrument id.
func resolveGroupSymbol(executions []*domain.Execution) string {
	for _, e := range executions {
		symbol := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if symbol != "" && symbol != "UNKNOWN" && !strings.HasPrefix(symbol, SyntheticSymbolPrefix) {
			return symbol
		}
	}
	for _, e := range executions {
		if e.InstrumentID != "" {
			return SyntheticSymbolPrefix + e.InstrumentID
		}
	}
	return "UNKNOWN"
}
