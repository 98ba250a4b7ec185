package schema

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestKeyForNormalisesOptionIdentity(t *testing.T) {
	a := Contract{Symbol: "aapl", SecType: "opt", Currency: "usd", Strike: decimal.NewFromInt(150), Expiry: "2025-01-17", Right: "CALL"}
	b := Contract{Symbol: "AAPL", SecType: "OPT", Currency: "USD", Strike: decimal.RequireFromString("150.0"), Expiry: "20250117", Right: "C"}

	if KeyFor("U1", a) != KeyFor("U1", b) {
		t.Fatalf("expected equal keys, got %q and %q", KeyFor("U1", a), KeyFor("U1", b))
	}
	if KeyFor("U1", a) == KeyFor("U2", a) {
		t.Fatalf("expected account to participate in identity")
	}
	put := b
	put.Right = "P"
	if KeyFor("U1", put) == KeyFor("U1", b) {
		t.Fatalf("expected right to participate in option identity")
	}
}

func TestKeyForIgnoresOptionFieldsOnStock(t *testing.T) {
	a := Contract{Symbol: "MSFT", SecType: SecTypeStock, Currency: "USD", Expiry: "20250117", Right: "C"}
	b := Contract{Symbol: "MSFT", SecType: SecTypeStock, Currency: "USD"}
	if KeyFor("U1", a) != KeyFor("U1", b) {
		t.Fatalf("expected stock identity to ignore option fields")
	}
}

func TestParseSide(t *testing.T) {
	cases := map[string]Side{"BOT": SideBuy, "buy": SideBuy, "SLD": SideSell, " sell ": SideSell}
	for raw, want := range cases {
		got, ok := ParseSide(raw)
		if !ok || got != want {
			t.Fatalf("ParseSide(%q) = %q, %v; want %q", raw, got, ok, want)
		}
	}
	if _, ok := ParseSide("HOLD"); ok {
		t.Fatalf("expected unknown side to be rejected")
	}
}

func TestParseOrderStatus(t *testing.T) {
	cases := map[string]OrderStatus{
		"PendingSubmit": OrderStatusPreSubmitted,
		"PreSubmitted":  OrderStatusPreSubmitted,
		"PendingCancel": OrderStatusSubmitted,
		"ApiCancelled":  OrderStatusCancelled,
		"Filled":        OrderStatusFilled,
		"Inactive":      OrderStatusInactive,
	}
	for raw, want := range cases {
		got, ok := ParseOrderStatus(raw)
		if !ok || got != want {
			t.Fatalf("ParseOrderStatus(%q) = %q, %v; want %q", raw, got, ok, want)
		}
	}
	if OrderStatusSubmitted.Terminal() || !OrderStatusInactive.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestOSIRoundTrip(t *testing.T) {
	contract := Contract{Symbol: "AAPL", SecType: SecTypeOption, Strike: decimal.RequireFromString("152.5"), Expiry: "2025-01-17", Right: "call"}
	symbol, err := OSISymbol(contract)
	if err != nil {
		t.Fatalf("OSISymbol() error = %v", err)
	}
	if symbol != "AAPL  250117C00152500" {
		t.Fatalf("unexpected OSI symbol %q", symbol)
	}
	parsed, err := ParseOSI(symbol)
	if err != nil {
		t.Fatalf("ParseOSI() error = %v", err)
	}
	if parsed.Symbol != "AAPL" || parsed.Expiry != "20250117" || parsed.Right != "C" || !parsed.Strike.Equal(contract.Strike) {
		t.Fatalf("unexpected parsed contract %+v", parsed)
	}
}

func TestOSIRejectsStock(t *testing.T) {
	_, err := OSISymbol(Contract{Symbol: "AAPL", SecType: SecTypeStock})
	if err == nil || !strings.Contains(err.Error(), "not an option") {
		t.Fatalf("expected non-option error, got %v", err)
	}
	if _, err := ParseOSI("AAPL"); err == nil {
		t.Fatalf("expected short symbol to be rejected")
	}
}

func TestConnectivityJSON(t *testing.T) {
	for c, want := range map[Connectivity]string{ConnectivityUnknown: "null", ConnectivityDown: "false", ConnectivityUp: "true"} {
		raw, err := c.MarshalJSON()
		if err != nil || string(raw) != want {
			t.Fatalf("MarshalJSON(%v) = %s, %v; want %s", c, raw, err, want)
		}
	}
}

func TestSeverityForCode(t *testing.T) {
	if SeverityForCode(2104) != NoticeWarning {
		t.Fatalf("expected farm status code to be a warning")
	}
	if SeverityForCode(201) != NoticeError {
		t.Fatalf("expected order reject code to be an error")
	}
}
