// Package schema defines the account ledger types shared by the wire decoder and the ledger.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SecType identifies the broker security type of a contract.
type SecType string

const (
	// SecTypeStock designates equities.
	SecTypeStock SecType = "STK"
	// SecTypeOption designates listed option contracts.
	SecTypeOption SecType = "OPT"
	// SecTypeFuture designates futures contracts.
	SecTypeFuture SecType = "FUT"
	// SecTypeFutureOption designates options on futures.
	SecTypeFutureOption SecType = "FOP"
	// SecTypeCash designates FX cash pairs.
	SecTypeCash SecType = "CASH"
)

// OptionMultiplier scales option prices to contract notional.
var OptionMultiplier = decimal.NewFromInt(100)

// NormalizeSecType trims and uppercases a security type.
func NormalizeSecType(raw string) SecType {
	return SecType(strings.ToUpper(strings.TrimSpace(raw)))
}

// IsOption reports whether the security type carries strike/expiry/right identity.
func (s SecType) IsOption() bool {
	return s == SecTypeOption || s == SecTypeFutureOption
}

// Side is the normalised direction of an order or execution.
type Side string

const (
	// SideBuy increases long exposure.
	SideBuy Side = "BUY"
	// SideSell decreases long exposure.
	SideSell Side = "SELL"
)

// ParseSide maps the spellings used by upstream feeds onto a Side.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "BOT", "B":
		return SideBuy, true
	case "SELL", "SLD", "S", "SSHORT":
		return SideSell, true
	default:
		return "", false
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Contract describes the instrument an order, fill or position refers to.
type Contract struct {
	ConID    int64           `json:"conId,omitempty"`
	Symbol   string          `json:"symbol"`
	SecType  SecType         `json:"secType"`
	Currency string          `json:"currency"`
	Exchange string          `json:"exchange,omitempty"`
	Strike   decimal.Decimal `json:"strike"`
	Expiry   string          `json:"expiry,omitempty"`
	Right    string          `json:"right,omitempty"`
}

// Normalize returns a copy with canonical casing and option fields normalised. Non-option
// contracts drop strike/expiry/right so they never participate in identity.
func (c Contract) Normalize() Contract {
	out := c
	out.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	out.SecType = NormalizeSecType(string(c.SecType))
	out.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	out.Exchange = strings.ToUpper(strings.TrimSpace(c.Exchange))
	if out.SecType.IsOption() {
		out.Expiry = NormalizeExpiry(c.Expiry)
		out.Right = NormalizeRight(c.Right)
	} else {
		out.Strike = decimal.Zero
		out.Expiry = ""
		out.Right = ""
	}
	return out
}

// Multiplier returns the notional multiplier applied to per-unit prices.
func (c Contract) Multiplier() decimal.Decimal {
	if NormalizeSecType(string(c.SecType)).IsOption() {
		return OptionMultiplier
	}
	return decimal.NewFromInt(1)
}

// NormalizeExpiry reduces an expiry in any of the upstream spellings (2025-01-17,
// 20250117, 2025/01/17) to its digits.
func NormalizeExpiry(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeRight maps CALL/PUT spellings onto C/P. Unknown values are uppercased as-is.
func NormalizeRight(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "C", "CALL":
		return "C"
	case "P", "PUT":
		return "P"
	default:
		return strings.ToUpper(strings.TrimSpace(raw))
	}
}

// PositionKey identifies a position: account, symbol, secType, currency and, for options,
// strike, expiry and right.
type PositionKey string

// KeyFor builds the identity key for a contract held in an account.
func KeyFor(account string, contract Contract) PositionKey {
	c := contract.Normalize()
	parts := []string{
		strings.TrimSpace(account),
		c.Symbol,
		string(c.SecType),
		c.Currency,
	}
	if c.SecType.IsOption() {
		parts = append(parts, c.Strike.String(), c.Expiry, c.Right)
	}
	return PositionKey(strings.Join(parts, "|"))
}

// Position is a holding in one contract. Quantity is signed; a zero quantity position is
// never stored.
type Position struct {
	Account     string          `json:"account"`
	Contract    Contract        `json:"contract"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avgCost"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Key returns the position identity.
func (p Position) Key() PositionKey {
	return KeyFor(p.Account, p.Contract)
}

// CashKey identifies a cash balance by account and currency.
type CashKey string

// CashKeyFor builds a cash balance identity.
func CashKeyFor(account, currency string) CashKey {
	return CashKey(strings.TrimSpace(account) + "|" + strings.ToUpper(strings.TrimSpace(currency)))
}

// CashBalance is the cash held in one currency of one account.
type CashBalance struct {
	Account     string          `json:"account"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Key returns the cash identity.
func (c CashBalance) Key() CashKey {
	return CashKeyFor(c.Account, c.Currency)
}

// Execution is a single fill reported by the broker.
type Execution struct {
	ExecID   string          `json:"execId"`
	OrderID  int64           `json:"orderId"`
	PermID   int64           `json:"permId"`
	Account  string          `json:"account"`
	Contract Contract        `json:"contract"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Time     time.Time       `json:"time"`
}

// Connectivity is the tri-state broker gateway flag.
type Connectivity int8

const (
	// ConnectivityUnknown is the state before any status has been observed.
	ConnectivityUnknown Connectivity = iota
	// ConnectivityDown reports the broker gateway as disconnected.
	ConnectivityDown
	// ConnectivityUp reports the broker gateway as connected.
	ConnectivityUp
)

// ConnectivityFromBool maps a reported flag onto the tri-state.
func ConnectivityFromBool(connected bool) Connectivity {
	if connected {
		return ConnectivityUp
	}
	return ConnectivityDown
}

func (c Connectivity) String() string {
	switch c {
	case ConnectivityUp:
		return "connected"
	case ConnectivityDown:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the flag as true, false or null.
func (c Connectivity) MarshalJSON() ([]byte, error) {
	switch c {
	case ConnectivityUp:
		return []byte("true"), nil
	case ConnectivityDown:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// NoticeSeverity classifies broker error notices.
type NoticeSeverity string

const (
	// NoticeWarning marks informational or farm-status codes.
	NoticeWarning NoticeSeverity = "warning"
	// NoticeError marks request or order failures.
	NoticeError NoticeSeverity = "error"
)

// SeverityForCode classifies a broker error code. Codes 2100-2199 are gateway warnings.
func SeverityForCode(code int) NoticeSeverity {
	if code >= 2100 && code < 2200 {
		return NoticeWarning
	}
	return NoticeError
}

// Notice is a broker error or warning surfaced to the user.
type Notice struct {
	ID       string         `json:"id"`
	Code     int            `json:"code"`
	ReqID    int64          `json:"reqId,omitempty"`
	Message  string         `json:"message"`
	Severity NoticeSeverity `json:"severity"`
	Time     time.Time      `json:"time"`
}
