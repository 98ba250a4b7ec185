package ledger

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-ledger/internal/domain/schema"
	"github.com/coachpo/meltica-ledger/internal/domain/wire"
)

// Account summary tags that carry cash balances.
var cashTags = map[string]struct{}{
	"TotalCashValue": {},
	"CashBalance":    {},
}

func (l *Ledger) applyOpenOrder(payload []byte, now time.Time) error {
	order, err := wire.DecodeOpenOrder(payload, now)
	if err != nil {
		return err
	}
	filled := false
	l.mutate(func(next *State) bool {
		if l.closedOrders.Has(order.OrderID) {
			return false
		}
		if order.Status.Terminal() {
			l.closeOrder(next, order, now)
			filled = order.Status == schema.OrderStatusFilled
			return true
		}
		// each openOrder frame is a complete order snapshot: replace, never merge
		next.OpenOrders[order.OrderID] = order
		return true
	})
	if filled {
		l.scheduleRefresh("filled")
	}
	return nil
}

func (l *Ledger) applyOrderStatus(payload []byte, now time.Time) error {
	update, err := wire.DecodeOrderStatus(payload)
	if err != nil {
		return err
	}
	filled := false
	l.mutate(func(next *State) bool {
		if l.closedOrders.Has(update.OrderID) {
			return false
		}
		order, tracked := next.OpenOrders[update.OrderID]
		if !tracked {
			// status arrived before openOrder: track what we know, the openOrder frame
			// replaces it wholesale
			order = schema.OpenOrder{OrderID: update.OrderID, PermID: update.PermID}
		}
		if update.PermID != 0 {
			order.PermID = update.PermID
		}
		order.Status = update.Status
		order.Filled = update.Filled.Or(order.Filled)
		order.Remaining = update.Remaining.Or(order.Remaining)
		order.AvgFillPrice = update.AvgFillPrice.Or(order.AvgFillPrice)
		order.UpdatedAt = now
		if update.Status.Terminal() {
			l.closeOrder(next, order, now)
			filled = update.Status == schema.OrderStatusFilled
			return true
		}
		next.OpenOrders[order.OrderID] = order
		return true
	})
	if filled {
		l.scheduleRefresh("filled")
	}
	return nil
}

// closeOrder moves an order from the open set into history. Callers have already checked
// closedOrders, so each orderId is appended at most once.
func (l *Ledger) closeOrder(next *State, order schema.OpenOrder, now time.Time) {
	delete(next.OpenOrders, order.OrderID)
	l.closedOrders.Add(order.OrderID)

	entry := schema.HistoryEntry{
		Order:          order,
		Status:         order.Status,
		FilledQuantity: order.Filled,
		AvgFillPrice:   order.AvgFillPrice,
		ClosedAt:       now,
	}
	if order.Status == schema.OrderStatusFilled && entry.FilledQuantity.IsZero() {
		if agg, ok := aggregateFills(next.Fills)[order.PermID]; ok && order.PermID != 0 {
			entry.FilledQuantity = agg.quantity
			entry.AvgFillPrice = agg.avgPrice
		}
	}
	next.History = insertHistory(next.History, entry, l.opts.HistoryLimit)
}

func insertHistory(history []schema.HistoryEntry, entry schema.HistoryEntry, limit int) []schema.HistoryEntry {
	out := make([]schema.HistoryEntry, 0, min(len(history)+1, limit))
	out = append(out, entry)
	for _, h := range history {
		if len(out) >= limit {
			break
		}
		if h.OrderID() == entry.OrderID() {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (l *Ledger) applyExecutions(payload []byte, now time.Time) error {
	execs, err := wire.DecodeExecutions(payload, now)
	if err != nil {
		return err
	}
	l.mutate(func(next *State) bool {
		changed := false
		for _, exec := range execs {
			if !l.seenExecs.Add(exec.ExecID) {
				continue
			}
			changed = true
			next.Fills = prepend(next.Fills, exec, l.opts.FillLimit)
			if outcome := applyFill(next, exec, now); outcome == fillIgnored {
				l.logger.Printf("ledger: fill %s sells %s with no local position; awaiting refresh", exec.ExecID, exec.Contract.Symbol)
			}
		}
		return changed
	})
	return nil
}

type fillOutcome int

const (
	fillIgnored fillOutcome = iota
	fillOpened
	fillIncreased
	fillReduced
	fillClosed
)

// applyFill folds one execution into the position table. Average cost moves only on
// trades that add exposure in the existing direction; a trade that crosses through zero
// opens the remainder at the fill price.
func applyFill(s *State, exec schema.Execution, now time.Time) fillOutcome {
	contract := exec.Contract.Normalize()
	unitCost := exec.Price.Mul(contract.Multiplier())
	delta := exec.Quantity.Mul(exec.Side.Sign())

	key, pos, found := findPosition(s, exec.Account, contract)
	if !found {
		if exec.Side != schema.SideBuy {
			return fillIgnored
		}
		created := schema.Position{
			Account:     exec.Account,
			Contract:    contract,
			Quantity:    exec.Quantity,
			AvgCost:     unitCost,
			LastUpdated: now,
		}
		s.Positions[created.Key()] = created
		return fillOpened
	}

	newQty := pos.Quantity.Add(delta)
	if newQty.IsZero() {
		delete(s.Positions, key)
		return fillClosed
	}
	outcome := fillReduced
	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == delta.Sign():
		notional := pos.AvgCost.Mul(pos.Quantity.Abs()).Add(unitCost.Mul(delta.Abs()))
		pos.AvgCost = notional.Div(newQty.Abs())
		outcome = fillIncreased
	case newQty.Sign() != pos.Quantity.Sign():
		pos.AvgCost = unitCost
		outcome = fillIncreased
	}
	pos.Quantity = newQty
	pos.LastUpdated = now
	s.Positions[key] = pos
	return outcome
}

// findPosition locates the position a fill applies to: exact identity first, then a
// relaxed match where a blank fill account or currency acts as a wildcard.
func findPosition(s *State, account string, contract schema.Contract) (schema.PositionKey, schema.Position, bool) {
	if pos, ok := s.Positions[schema.KeyFor(account, contract)]; ok {
		return pos.Key(), pos, true
	}
	keys := make([]schema.PositionKey, 0, len(s.Positions))
	for k := range s.Positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		pos := s.Positions[k]
		if sameInstrument(pos, account, contract) {
			return k, pos, true
		}
	}
	return "", schema.Position{}, false
}

func sameInstrument(pos schema.Position, account string, contract schema.Contract) bool {
	if account != "" && pos.Account != account {
		return false
	}
	held := pos.Contract.Normalize()
	if held.ConID != 0 && contract.ConID != 0 && held.ConID != contract.ConID {
		return false
	}
	if held.Symbol != contract.Symbol || held.SecType != contract.SecType {
		return false
	}
	if held.Currency != "" && contract.Currency != "" && held.Currency != contract.Currency {
		return false
	}
	if held.SecType.IsOption() {
		return held.Strike.Equal(contract.Strike) && held.Expiry == contract.Expiry && held.Right == contract.Right
	}
	return true
}

func (l *Ledger) applyAccountSummary(payload []byte, now time.Time) error {
	rows, err := wire.DecodeAccountSummary(payload)
	if err != nil {
		return err
	}
	l.mutate(func(next *State) bool {
		changed := false
		for _, row := range rows {
			if applyCashRow(next.Cash, row, now) {
				changed = true
			}
		}
		return changed
	})
	return nil
}

// applyCashRow upserts a recognised cash tag. Unrecognised tags and unparsable values are
// ignored.
func applyCashRow(cash map[schema.CashKey]schema.CashBalance, row wire.SummaryRow, now time.Time) bool {
	if _, ok := cashTags[row.Tag]; !ok {
		return false
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(row.Value))
	if err != nil {
		return false
	}
	balance := schema.CashBalance{
		Account:     row.Account,
		Currency:    strings.ToUpper(row.Currency),
		Amount:      amount,
		LastUpdated: now,
	}
	cash[balance.Key()] = balance
	return true
}

func (l *Ledger) applyStatus(payload []byte) error {
	connected, err := wire.DecodeStatus(payload)
	if err != nil {
		return err
	}
	cameUp := false
	l.mutate(func(next *State) bool {
		flag := schema.ConnectivityFromBool(connected)
		if next.Connectivity == flag {
			return false
		}
		cameUp = flag == schema.ConnectivityUp
		next.Connectivity = flag
		return true
	})
	if cameUp {
		l.RequestRefresh("gateway_connected")
	}
	return nil
}

func (l *Ledger) applyBrokerError(payload []byte, now time.Time) error {
	brokerErr, err := wire.DecodeBrokerError(payload)
	if err != nil {
		return err
	}
	notice := schema.Notice{
		ID:       uuid.NewString(),
		Code:     brokerErr.Code,
		ReqID:    brokerErr.ReqID,
		Message:  brokerErr.Message,
		Severity: schema.SeverityForCode(brokerErr.Code),
		Time:     now,
	}
	l.mutate(func(next *State) bool {
		next.Notices = prepend(next.Notices, notice, l.opts.NoticeLimit)
		return true
	})
	return nil
}

type fillAggregate struct {
	quantity decimal.Decimal
	avgPrice decimal.Decimal
}

// add folds one fill into a running quantity-weighted average price.
func (a fillAggregate) add(quantity, price decimal.Decimal) fillAggregate {
	total := a.quantity.Add(quantity)
	if total.IsZero() {
		return fillAggregate{quantity: total, avgPrice: decimal.Zero}
	}
	avg := a.avgPrice.Mul(a.quantity).Add(price.Mul(quantity)).Div(total)
	return fillAggregate{quantity: total, avgPrice: avg}
}

// aggregateFills groups fills by permId, oldest first, so partial fills of one order
// accumulate into one average.
func aggregateFills(fills []schema.Execution) map[int64]fillAggregate {
	out := make(map[int64]fillAggregate)
	for i := len(fills) - 1; i >= 0; i-- {
		f := fills[i]
		if f.PermID == 0 {
			continue
		}
		agg, ok := out[f.PermID]
		if !ok {
			agg = fillAggregate{quantity: decimal.Zero, avgPrice: decimal.Zero}
		}
		out[f.PermID] = agg.add(f.Quantity, f.Price)
	}
	return out
}
