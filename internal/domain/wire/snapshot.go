package wire

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-ledger/internal/domain/schema"
)

// Snapshot is the decoded account_state response.
type Snapshot struct {
	Positions       []schema.Position
	Cash            []SummaryRow
	Executions      []schema.Execution
	OpenOrders      []schema.OpenOrder
	CompletedOrders []CompletedOrder
	Connected       schema.Connectivity
	// Skipped counts rows dropped because they could not be decoded.
	Skipped int
}

type rawSnapshot struct {
	Positions        []json.RawMessage `json:"positions"`
	Cash             []json.RawMessage `json:"cash"`
	AccountSummary   []json.RawMessage `json:"accountSummary"`
	Executions       []json.RawMessage `json:"executions"`
	OpenOrders       []json.RawMessage `json:"openOrders"`
	CompletedOrders  []json.RawMessage `json:"completedOrders"`
	Connected        Flag              `json:"connected"`
	GatewayConnected Flag              `json:"gatewayConnected"`
}

// DecodeSnapshot decodes the account_state response data. The top-level object must
// decode; individual rows that do not are skipped and counted, since a partial snapshot
// is still the best available picture. Precedence: cash, then accountSummary;
// connected, then gatewayConnected.
func DecodeSnapshot(payload []byte, now time.Time) (Snapshot, error) {
	var raw rawSnapshot
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Snapshot{}, malformed("decode snapshot", err)
	}
	var snap Snapshot

	for _, item := range raw.Positions {
		pos, err := DecodePosition(item, now)
		if err != nil {
			snap.Skipped++
			continue
		}
		snap.Positions = append(snap.Positions, pos)
	}

	cashRows := raw.Cash
	if len(cashRows) == 0 {
		cashRows = raw.AccountSummary
	}
	for _, item := range cashRows {
		rows, err := DecodeAccountSummary(item)
		if err != nil {
			snap.Skipped++
			continue
		}
		snap.Cash = append(snap.Cash, rows...)
	}

	for _, item := range raw.Executions {
		exec, err := DecodeExecution(item, now)
		if err != nil {
			snap.Skipped++
			continue
		}
		snap.Executions = append(snap.Executions, exec)
	}

	for _, item := range raw.OpenOrders {
		order, err := DecodeOpenOrder(item, now)
		if err != nil || order.Status.Terminal() {
			snap.Skipped++
			continue
		}
		snap.OpenOrders = append(snap.OpenOrders, order)
	}

	for _, item := range raw.CompletedOrders {
		completed, err := DecodeCompletedOrder(item, now)
		if err != nil {
			snap.Skipped++
			continue
		}
		snap.CompletedOrders = append(snap.CompletedOrders, completed)
	}

	switch {
	case raw.Connected.Valid:
		snap.Connected = schema.ConnectivityFromBool(raw.Connected.Value)
	case raw.GatewayConnected.Valid:
		snap.Connected = schema.ConnectivityFromBool(raw.GatewayConnected.Value)
	default:
		snap.Connected = schema.ConnectivityUnknown
	}
	return snap, nil
}
