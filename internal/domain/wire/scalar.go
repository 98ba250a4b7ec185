package wire

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// unsetThreshold catches the broker's UNSET_DOUBLE sentinel (math.MaxFloat64).
var unsetThreshold = decimal.New(1, 300)

var nullLiteral = []byte("null")

// Num is a decimal that accepts JSON numbers, numeric strings, null and "".
// Null, empty and the broker's unset sentinel leave Valid false.
type Num struct {
	Value decimal.Decimal
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Num) UnmarshalJSON(b []byte) error {
	text, ok, err := scalarText(b)
	if err != nil || !ok {
		return err
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return malformed("decode number "+strconv.Quote(text), err)
	}
	if d.Abs().GreaterThanOrEqual(unsetThreshold) {
		return nil
	}
	n.Value = d
	n.Valid = true
	return nil
}

// Or returns the value when set, otherwise the fallback.
func (n Num) Or(fallback decimal.Decimal) decimal.Decimal {
	if n.Valid {
		return n.Value
	}
	return fallback
}

// ID is an integer identifier that accepts JSON numbers or numeric strings.
type ID struct {
	Value int64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *ID) UnmarshalJSON(b []byte) error {
	text, ok, err := scalarText(b)
	if err != nil || !ok {
		return err
	}
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		i.Value = v
		i.Valid = true
		return nil
	}
	d, err := decimal.NewFromString(text)
	if err != nil || !d.IsInteger() {
		return malformed("decode id "+strconv.Quote(text), err)
	}
	i.Value = d.IntPart()
	i.Valid = true
	return nil
}

// Flag is a boolean that accepts true/false, "true"/"false" and 1/0.
type Flag struct {
	Value bool
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(b []byte) error {
	text, ok, err := scalarText(b)
	if err != nil || !ok {
		return err
	}
	switch strings.ToLower(text) {
	case "true", "1":
		f.Value, f.Valid = true, true
	case "false", "0":
		f.Value, f.Valid = false, true
	default:
		return malformed("decode flag "+strconv.Quote(text), nil)
	}
	return nil
}

// scalarText returns the textual form of a JSON scalar. ok is false for null or "".
func scalarText(b []byte) (string, bool, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, nullLiteral) {
		return "", false, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false, malformed("decode string scalar", err)
		}
		s = strings.TrimSpace(s)
		return s, s != "", nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return "", false, malformed("expected scalar", nil)
	}
	return string(trimmed), true, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"20060102 15:04:05",
	"20060102-15:04:05",
	"2006-01-02 15:04:05",
	"20060102",
}

// ParseTime decodes the timestamp spellings used by the gateway: RFC3339, broker
// "yyyymmdd hh:mm:ss [tz]" and epoch seconds or milliseconds. A trailing timezone name is
// resolved with time.LoadLocation when available and otherwise ignored (UTC).
func ParseTime(raw string) (time.Time, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return time.Time{}, false
	}
	if epoch, err := strconv.ParseInt(text, 10, 64); err == nil && len(text) >= 9 {
		if epoch > 1_000_000_000_000 {
			return time.UnixMilli(epoch).UTC(), true
		}
		return time.Unix(epoch, 0).UTC(), true
	}
	loc := time.UTC
	if idx := strings.LastIndex(text, " "); idx > 0 && strings.Contains(text[idx+1:], "/") {
		if l, err := time.LoadLocation(text[idx+1:]); err == nil {
			loc = l
		}
		text = text[:idx]
	}
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, text, loc); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
