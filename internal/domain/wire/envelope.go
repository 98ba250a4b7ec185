// Package wire defines the JSON envelope exchanged over the account socket and the typed
// decoders for every tick payload the ledger consumes.
//
// Decoding is explicit: each payload has a raw struct describing the shapes observed from
// the gateway and a documented precedence order when several fields carry the same value.
// Anything that cannot be mapped onto a typed result is reported as ErrMalformed.
package wire

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-ledger/errs"
)

// Frame type markers.
const (
	TypeControl     = "control"
	TypeControlAck  = "control.ack"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Topics published by the account gateway.
const (
	TopicOpenOrder      = "ib.openOrder"
	TopicOrderStatus    = "ib.order"
	TopicExecutions     = "ib.executions"
	TopicAccountSummary = "ib.accountSummary"
	TopicStatus         = "ib.status"
	TopicError          = "ib.error"
	TopicReportPrefix   = "report"
)

// ErrMalformed classifies every decode failure.
var ErrMalformed = errs.New("wire", errs.CodeMalformed)

func malformed(what string, cause error) error {
	return errs.New("wire", errs.CodeMalformed, errs.WithMessage(what), errs.WithCause(cause))
}

// Envelope is the outer shape shared by acks and ticks.
type Envelope struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Op    string          `json:"op"`
	OK    *bool           `json:"ok"`
	Error string          `json:"error"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEnvelope parses an inbound frame. Only JSON objects are accepted.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, malformed("frame is not a json object", nil)
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, malformed("decode envelope", err)
	}
	return env, nil
}

// IsAck reports whether the frame is a correlated control response.
func (e Envelope) IsAck() bool {
	return e.Type == TypeControlAck && e.ID != ""
}

// IsTick reports whether the frame is a topic broadcast.
func (e Envelope) IsTick() bool {
	return e.Topic != ""
}

// Ack is a correlated control response.
type Ack struct {
	ID    string
	Op    string
	OK    bool
	Error string
	Data  json.RawMessage
}

// Ack converts the envelope into a control response. A missing ok flag counts as failure.
func (e Envelope) Ack() Ack {
	ok := e.OK != nil && *e.OK
	return Ack{ID: e.ID, Op: e.Op, OK: ok, Error: e.Error, Data: e.Data}
}

// Tick is a topic-addressed broadcast with its payload already unwrapped.
type Tick struct {
	Topic string
	// Type is the inner event type (data.type).
	Type string
	// Payload is data.data when present and non-null, otherwise data itself.
	Payload json.RawMessage
}

type tickBody struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Tick unwraps the broadcast body. A body that is not an object is delivered unchanged
// with an empty Type.
func (e Envelope) Tick() (Tick, error) {
	tick := Tick{Topic: e.Topic, Type: "", Payload: e.Data}
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || data[0] != '{' {
		return tick, nil
	}
	var body tickBody
	if err := json.Unmarshal(data, &body); err != nil {
		return Tick{}, malformed("decode tick body", err)
	}
	tick.Type = body.Type
	if inner := bytes.TrimSpace(body.Data); len(inner) > 0 && !bytes.Equal(inner, []byte("null")) {
		tick.Payload = inner
	}
	return tick, nil
}

// EncodeControl builds a control request frame. The payload must marshal to a JSON object
// (or be nil); its fields are flattened next to type/op/id, which always win.
func EncodeControl(op, id string, payload any) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		if !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, errs.New("wire", errs.CodeInvalid, errs.WithOp(op), errs.WithMessage("control payload must be an object"), errs.WithCause(err))
			}
		}
	}
	fields["type"] = mustQuote(TypeControl)
	fields["op"] = mustQuote(op)
	fields["id"] = mustQuote(id)
	return json.Marshal(fields)
}

// SubscriptionFrame is the fire-and-forget subscribe/unsubscribe request.
type SubscriptionFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Symbols  []string `json:"symbols"`
}

// NewSubscriptionFrame builds a subscribe or unsubscribe request for one channel/key pair.
func NewSubscriptionFrame(subscribe bool, channel, key string) SubscriptionFrame {
	typ := TypeUnsubscribe
	if subscribe {
		typ = TypeSubscribe
	}
	symbols := []string{}
	if key != "" {
		symbols = []string{key}
	}
	return SubscriptionFrame{Type: typ, Channels: []string{channel}, Symbols: symbols}
}

func mustQuote(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
