package syncer

import (
	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/tradelocker"
)

// normalizeOrder builds an Order row from one raw broker row. Returns
// nil when no external id can be extracted.
func normalizeOrder(raw tradelocker.RawRow, columns []string, conn *domain.Connection, nowMs int64) *domain.Order {
	obj := rowObject(raw, columns)
	if obj == nil {
		return nil
	}
	externalID := stringField(obj, orderIDAliases)
	if externalID == "" {
		return nil
	}

	qty, _ := numberField(obj, qtyAliases)
	price, _ := numberField(obj, priceAliases)

	return &domain.Order{
		Scope:           conn.Scope,
		ConnectionID:    conn.ID,
		AccountID:       conn.SelectedAccountID,
		ExternalOrderID: externalID,
		InstrumentID:    stringField(obj, instrumentAliases),
		Side:            sideField(obj, sideAliases),
		OrderType:       stringField(obj, orderTypeAliases),
		Qty:             qty,
		Price:           price,
		Status:          stringField(obj, statusAliases),
		PlacedAt:        timeField(obj, orderTimeAliases),
		Raw:             obj,
		CreatedAt:       nowMs,
		UpdatedAt:       nowMs,
	}
}

// normalizeOrderHistory builds an OrderHistory row from one raw row.
func normalizeOrderHistory(raw tradelocker.RawRow, columns []string, conn *domain.Connection, nowMs int64) *domain.OrderHistory {
	obj := rowObject(raw, columns)
	if obj == nil {
		return nil
	}
	externalID := stringField(obj, orderIDAliases)
	if externalID == "" {
		return nil
	}

	qty, _ := numberField(obj, qtyAliases)
	price, _ := numberField(obj, priceAliases)

	return &domain.OrderHistory{
		Scope:           conn.Scope,
		ConnectionID:    conn.ID,
		AccountID:       conn.SelectedAccountID,
		ExternalOrderID: externalID,
		InstrumentID:    stringField(obj, instrumentAliases),
		Side:            sideField(obj, sideAliases),
		OrderType:       stringField(obj, orderTypeAliases),
		Qty:             qty,
		Price:           price,
		Status:          stringField(obj, statusAliases),
		PlacedAt:        timeField(obj, orderTimeAliases),
		FilledAt:        timeField(obj, execTimeAliases),
		Raw:             obj,
		CreatedAt:       nowMs,
		UpdatedAt:       nowMs,
	}
}

// normalizePosition builds a Position row from one raw row.
func normalizePosition(raw tradelocker.RawRow, columns []string, conn *domain.Connection, nowMs int64) *domain.Position {
	obj := rowObject(raw, columns)
	if obj == nil {
		return nil
	}
	externalID := stringField(obj, positionIDAliases)
	if externalID == "" {
		return nil
	}

	qty, _ := numberField(obj, qtyAliases)
	price, _ := numberField(obj, priceAliases)

	return &domain.Position{
		Scope:              conn.Scope,
		ConnectionID:       conn.ID,
		AccountID:          conn.SelectedAccountID,
		ExternalPositionID: externalID,
		InstrumentID:       stringField(obj, instrumentAliases),
		Side:               sideField(obj, sideAliases),
		Qty:                qty,
		AvgPrice:           price,
		OpenedAt:           timeField(obj, orderTimeAliases),
		Raw:                obj,
		CreatedAt:          nowMs,
		UpdatedAt:          nowMs,
	}
}

// normalizeExecution builds an Execution row from one raw row.
func normalizeExecution(raw tradelocker.RawRow, columns []string, conn *domain.Connection, nowMs int64) *domain.Execution {
	obj := rowObject(raw, columns)
	if obj == nil {
		return nil
	}
	externalID := stringField(obj, executionIDAliases)
	if externalID == "" {
		return nil
	}

	qty, _ := numberField(obj, qtyAliases)
	price, _ := numberField(obj, priceAliases)
	fees, _ := numberField(obj, feesAliases)

	return &domain.Execution{
		Scope:               conn.Scope,
		ConnectionID:        conn.ID,
		AccountID:           conn.SelectedAccountID,
		ExternalExecutionID: externalID,
		ExternalOrderID:     stringField(obj, []string{"orderId", "order_id"}),
		ExternalPositionID:  stringField(obj, execPositionAliases),
		InstrumentID:        stringField(obj, instrumentAliases),
		Side:                sideField(obj, sideAliases),
		Qty:                 qty,
		Price:               price,
		Fees:                fees,
		ExecutedAt:          timeField(obj, execTimeAliases),
		Raw:                 obj,
		CreatedAt:           nowMs,
		UpdatedAt:           nowMs,
	}
}

// realizationFromExecution extracts a realization event when the raw
// execution row carries a realized PnL figure and a position id.
func realizationFromExecution(e *domain.Execution, nowMs int64) *domain.RealizationEvent {
	if e == nil || e.ExternalPositionID == "" {
		return nil
	}
	pnl, ok := numberField(e.Raw, pnlAliases)
	if !ok {
		return nil
	}
	closedAt := e.ExecutedAt
	if closedAt == 0 {
		closedAt = nowMs
	}
	return &domain.RealizationEvent{
		Scope:               e.Scope,
		ConnectionID:        e.ConnectionID,
		AccountID:           e.AccountID,
		ExternalPositionID:  e.ExternalPositionID,
		ExternalExecutionID: e.ExternalExecutionID,
		RealizedPnl:         pnl,
		ClosedAt:            closedAt,
		CreatedAt:           nowMs,
	}
}

// normalizeAccountState builds the account snapshot from the
// account-details row.
func normalizeAccountState(raw tradelocker.RawRow, columns []string, conn *domain.Connection, nowMs int64) *domain.AccountState {
	obj := rowObject(raw, columns)
	if obj == nil {
		return nil
	}

	balance, _ := numberField(obj, []string{"balance", "accountBalance"})
	equity, _ := numberField(obj, []string{"equity", "projectedBalance"})
	margin, _ := numberField(obj, []string{"margin", "marginUsed", "usedMargin"})

	return &domain.AccountState{
		Scope:        conn.Scope,
		ConnectionID: conn.ID,
		AccountID:    conn.SelectedAccountID,
		Balance:      balance,
		Equity:       equity,
		Margin:       margin,
		Raw:          obj,
		CapturedAt:   nowMs,
		CreatedAt:    nowMs,
		UpdatedAt:    nowMs,
	}
}
