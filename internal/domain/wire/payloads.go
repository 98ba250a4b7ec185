package wire

import (
	"bytes"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-ledger/internal/domain/schema"
)

// rawContract covers both the nested `contract` object and the same fields flattened onto
// the parent payload.
type rawContract struct {
	ConID       ID     `json:"conId"`
	Symbol      string `json:"symbol"`
	LocalSymbol string `json:"localSymbol"`
	SecType     string `json:"secType"`
	Currency    string `json:"currency"`
	Exchange    string `json:"exchange"`
	Strike      Num    `json:"strike"`
	LastTrade   string `json:"lastTradeDateOrContractMonth"`
	Expiry      string `json:"expiry"`
	Right       string `json:"right"`
}

func (c *rawContract) empty() bool {
	return c == nil || (strings.TrimSpace(c.Symbol) == "" && strings.TrimSpace(c.LocalSymbol) == "" && !c.ConID.Valid)
}

// contract maps the raw fields. Precedence:
//   - expiry: lastTradeDateOrContractMonth, then expiry, then the OSI localSymbol
//   - symbol: symbol, then the OSI root of localSymbol, then localSymbol
//   - secType: secType; when blank, OPT if a right is present, otherwise STK
func (c *rawContract) contract() (schema.Contract, error) {
	out := schema.Contract{
		ConID:    c.ConID.Value,
		Symbol:   c.Symbol,
		SecType:  schema.NormalizeSecType(c.SecType),
		Currency: c.Currency,
		Exchange: c.Exchange,
		Strike:   c.Strike.Or(decimal.Zero),
		Expiry:   c.LastTrade,
		Right:    c.Right,
	}
	if out.Expiry == "" {
		out.Expiry = c.Expiry
	}
	if out.SecType == "" {
		if strings.TrimSpace(out.Right) != "" {
			out.SecType = schema.SecTypeOption
		} else {
			out.SecType = schema.SecTypeStock
		}
	}
	if osi, err := schema.ParseOSI(c.LocalSymbol); err == nil && out.SecType.IsOption() {
		if strings.TrimSpace(out.Symbol) == "" {
			out.Symbol = osi.Symbol
		}
		if out.Expiry == "" {
			out.Expiry = osi.Expiry
		}
		if strings.TrimSpace(out.Right) == "" {
			out.Right = osi.Right
		}
		if !c.Strike.Valid {
			out.Strike = osi.Strike
		}
	}
	if strings.TrimSpace(out.Symbol) == "" {
		out.Symbol = c.LocalSymbol
	}
	out = out.Normalize()
	if out.Symbol == "" {
		return schema.Contract{}, malformed("contract without symbol", nil)
	}
	return out, nil
}

// pickContract prefers the nested contract object over flattened fields.
func pickContract(nested *rawContract, flat *rawContract) (schema.Contract, error) {
	if !nested.empty() {
		return nested.contract()
	}
	return flat.contract()
}

type rawOrderFields struct {
	OrderID        ID     `json:"orderId"`
	PermID         ID     `json:"permId"`
	ClientID       ID     `json:"clientId"`
	Account        string `json:"account"`
	Action         string `json:"action"`
	Side           string `json:"side"`
	OrderType      string `json:"orderType"`
	TotalQuantity  Num    `json:"totalQuantity"`
	Quantity       Num    `json:"quantity"`
	LmtPrice       Num    `json:"lmtPrice"`
	LimitPrice     Num    `json:"limitPrice"`
	AuxPrice       Num    `json:"auxPrice"`
	TIF            string `json:"tif"`
	FilledQuantity Num    `json:"filledQuantity"`
}

type rawOrderState struct {
	Status        string `json:"status"`
	CompletedTime string `json:"completedTime"`
}

type rawOrder struct {
	rawContract
	rawOrderFields
	Status        string          `json:"status"`
	Filled        Num             `json:"filled"`
	Remaining     Num             `json:"remaining"`
	AvgFillPrice  Num             `json:"avgFillPrice"`
	CompletedTime string          `json:"completedTime"`
	Contract      *rawContract    `json:"contract"`
	Order         *rawOrderFields `json:"order"`
	OrderState    *rawOrderState  `json:"orderState"`
}

func firstString(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNum(values ...Num) Num {
	for _, v := range values {
		if v.Valid {
			return v
		}
	}
	return Num{}
}

func firstID(values ...ID) ID {
	for _, v := range values {
		if v.Valid {
			return v
		}
	}
	return ID{}
}

// order maps a raw order. Precedence:
//   - orderId: top-level orderId, then order.orderId
//   - other order fields: order.X, then flattened X
//   - side: action, then side
//   - quantity: totalQuantity, then quantity
//   - limit price: lmtPrice, then limitPrice
//   - status: orderState.status, then status
func (r *rawOrder) order(now time.Time) (schema.OpenOrder, error) {
	fields := r.rawOrderFields
	nested := rawOrderFields{}
	if r.Order != nil {
		nested = *r.Order
	}
	state := rawOrderState{}
	if r.OrderState != nil {
		state = *r.OrderState
	}

	orderID := firstID(fields.OrderID, nested.OrderID)
	if !orderID.Valid {
		return schema.OpenOrder{}, malformed("order without orderId", nil)
	}
	status, ok := schema.ParseOrderStatus(firstString(state.Status, r.Status))
	if !ok {
		return schema.OpenOrder{}, malformed("order with unknown status", nil)
	}
	side, ok := schema.ParseSide(firstString(nested.Action, fields.Action, nested.Side, fields.Side))
	if !ok {
		return schema.OpenOrder{}, malformed("order with unknown side", nil)
	}
	contract, err := pickContract(r.Contract, &r.rawContract)
	if err != nil {
		return schema.OpenOrder{}, err
	}

	quantity := firstNum(nested.TotalQuantity, fields.TotalQuantity, nested.Quantity, fields.Quantity).Or(decimal.Zero)
	filled := firstNum(r.Filled, nested.FilledQuantity, fields.FilledQuantity).Or(decimal.Zero)
	remaining := r.Remaining.Or(quantity.Sub(filled))

	return schema.OpenOrder{
		OrderID:      orderID.Value,
		PermID:       firstID(nested.PermID, fields.PermID).Value,
		ClientID:     firstID(nested.ClientID, fields.ClientID).Value,
		Account:      firstString(nested.Account, fields.Account),
		Contract:     contract,
		Side:         side,
		OrderType:    strings.ToUpper(firstString(nested.OrderType, fields.OrderType)),
		Quantity:     quantity,
		LimitPrice:   firstNum(nested.LmtPrice, fields.LmtPrice, nested.LimitPrice, fields.LimitPrice).Or(decimal.Zero),
		AuxPrice:     firstNum(nested.AuxPrice, fields.AuxPrice).Or(decimal.Zero),
		TIF:          strings.ToUpper(firstString(nested.TIF, fields.TIF)),
		Status:       status,
		Filled:       filled,
		Remaining:    remaining,
		AvgFillPrice: r.AvgFillPrice.Or(decimal.Zero),
		UpdatedAt:    now,
	}, nil
}

// DecodeOpenOrder decodes an ib.openOrder payload: a complete order snapshot.
func DecodeOpenOrder(payload []byte, now time.Time) (schema.OpenOrder, error) {
	var raw rawOrder
	if err := json.Unmarshal(payload, &raw); err != nil {
		return schema.OpenOrder{}, malformed("decode open order", err)
	}
	return raw.order(now)
}

// CompletedOrder is an order from the snapshot's completed list.
type CompletedOrder struct {
	Order       schema.OpenOrder
	CompletedAt time.Time
}

// DecodeCompletedOrder decodes one completed-orders entry; its status must be terminal.
// completedTime precedence: orderState.completedTime, then completedTime.
func DecodeCompletedOrder(payload []byte, now time.Time) (CompletedOrder, error) {
	var raw rawOrder
	if err := json.Unmarshal(payload, &raw); err != nil {
		return CompletedOrder{}, malformed("decode completed order", err)
	}
	order, err := raw.order(now)
	if err != nil {
		return CompletedOrder{}, err
	}
	if !order.Status.Terminal() {
		return CompletedOrder{}, malformed("completed order with working status", nil)
	}
	completed := now
	stateTime := ""
	if raw.OrderState != nil {
		stateTime = raw.OrderState.CompletedTime
	}
	if ts, ok := ParseTime(firstString(stateTime, raw.CompletedTime)); ok {
		completed = ts
	}
	return CompletedOrder{Order: order, CompletedAt: completed}, nil
}

// OrderStatusUpdate is an ib.order status report.
type OrderStatusUpdate struct {
	OrderID      int64
	PermID       int64
	Status       schema.OrderStatus
	Filled       Num
	Remaining    Num
	AvgFillPrice Num
}

type rawOrderStatus struct {
	OrderID      ID     `json:"orderId"`
	PermID       ID     `json:"permId"`
	Status       string `json:"status"`
	Filled       Num    `json:"filled"`
	Remaining    Num    `json:"remaining"`
	AvgFillPrice Num    `json:"avgFillPrice"`
}

// DecodeOrderStatus decodes an ib.order payload.
func DecodeOrderStatus(payload []byte) (OrderStatusUpdate, error) {
	var raw rawOrderStatus
	if err := json.Unmarshal(payload, &raw); err != nil {
		return OrderStatusUpdate{}, malformed("decode order status", err)
	}
	if !raw.OrderID.Valid {
		return OrderStatusUpdate{}, malformed("order status without orderId", nil)
	}
	status, ok := schema.ParseOrderStatus(raw.Status)
	if !ok {
		return OrderStatusUpdate{}, malformed("order status with unknown status", nil)
	}
	return OrderStatusUpdate{
		OrderID:      raw.OrderID.Value,
		PermID:       raw.PermID.Value,
		Status:       status,
		Filled:       raw.Filled,
		Remaining:    raw.Remaining,
		AvgFillPrice: raw.AvgFillPrice,
	}, nil
}

type rawExecFields struct {
	ExecID     string `json:"execId"`
	OrderID    ID     `json:"orderId"`
	PermID     ID     `json:"permId"`
	AcctNumber string `json:"acctNumber"`
	Account    string `json:"account"`
	Side       string `json:"side"`
	Shares     Num    `json:"shares"`
	Quantity   Num    `json:"quantity"`
	Price      Num    `json:"price"`
	AvgPrice   Num    `json:"avgPrice"`
	Time       string `json:"time"`
}

type rawExecution struct {
	rawContract
	rawExecFields
	Execution *rawExecFields `json:"execution"`
	Contract  *rawContract   `json:"contract"`
}

// execution maps a raw fill. Precedence:
//   - every execution field: execution.X, then flattened X
//   - account: acctNumber, then account
//   - quantity: shares, then quantity
//   - price: price, then avgPrice
func (r *rawExecution) execution(now time.Time) (schema.Execution, error) {
	flat := r.rawExecFields
	nested := rawExecFields{}
	if r.Execution != nil {
		nested = *r.Execution
	}
	execID := firstString(nested.ExecID, flat.ExecID)
	if execID == "" {
		return schema.Execution{}, malformed("execution without execId", nil)
	}
	side, ok := schema.ParseSide(firstString(nested.Side, flat.Side))
	if !ok {
		return schema.Execution{}, malformed("execution with unknown side", nil)
	}
	quantity := firstNum(nested.Shares, flat.Shares, nested.Quantity, flat.Quantity)
	price := firstNum(nested.Price, flat.Price, nested.AvgPrice, flat.AvgPrice)
	if !quantity.Valid || !quantity.Value.IsPositive() || !price.Valid {
		return schema.Execution{}, malformed("execution without quantity or price", nil)
	}
	contract, err := pickContract(r.Contract, &r.rawContract)
	if err != nil {
		return schema.Execution{}, err
	}
	ts, ok := ParseTime(firstString(nested.Time, flat.Time))
	if !ok {
		ts = now
	}
	return schema.Execution{
		ExecID:   execID,
		OrderID:  firstID(nested.OrderID, flat.OrderID).Value,
		PermID:   firstID(nested.PermID, flat.PermID).Value,
		Account:  firstString(nested.AcctNumber, flat.AcctNumber, nested.Account, flat.Account),
		Contract: contract,
		Side:     side,
		Quantity: quantity.Value,
		Price:    price.Value,
		Time:     ts,
	}, nil
}

// DecodeExecution decodes one fill.
func DecodeExecution(payload []byte, now time.Time) (schema.Execution, error) {
	var raw rawExecution
	if err := json.Unmarshal(payload, &raw); err != nil {
		return schema.Execution{}, malformed("decode execution", err)
	}
	return raw.execution(now)
}

// DecodeExecutions decodes an ib.executions payload, which is either one fill or a list.
// A list fails as a whole when any element is malformed.
func DecodeExecutions(payload []byte, now time.Time) ([]schema.Execution, error) {
	items, err := splitList(payload)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Execution, 0, len(items))
	for _, item := range items {
		exec, err := DecodeExecution(item, now)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// SummaryRow is one account-summary tag value.
type SummaryRow struct {
	Account  string
	Tag      string
	Value    string
	Currency string
}

type rawSummaryRow struct {
	Account  string          `json:"account"`
	Tag      string          `json:"tag"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Currency string          `json:"currency"`
}

// DecodeAccountSummary decodes one row or a list of rows. Precedence: tag, then key.
// The value is kept textual; the ledger parses the tags it recognises.
func DecodeAccountSummary(payload []byte) ([]SummaryRow, error) {
	items, err := splitList(payload)
	if err != nil {
		return nil, err
	}
	out := make([]SummaryRow, 0, len(items))
	for _, item := range items {
		var raw rawSummaryRow
		if err := json.Unmarshal(item, &raw); err != nil {
			return nil, malformed("decode account summary", err)
		}
		tag := firstString(raw.Tag, raw.Key)
		if tag == "" {
			return nil, malformed("account summary without tag", nil)
		}
		value, _, err := scalarText(raw.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, SummaryRow{
			Account:  strings.TrimSpace(raw.Account),
			Tag:      tag,
			Value:    value,
			Currency: strings.ToUpper(strings.TrimSpace(raw.Currency)),
		})
	}
	return out, nil
}

type rawStatus struct {
	Connected   Flag   `json:"connected"`
	IsConnected Flag   `json:"isConnected"`
	Status      string `json:"status"`
}

// DecodeStatus decodes an ib.status payload. Precedence: connected, then isConnected,
// then status == "connected"/"disconnected".
func DecodeStatus(payload []byte) (bool, error) {
	var raw rawStatus
	if err := json.Unmarshal(payload, &raw); err != nil {
		return false, malformed("decode status", err)
	}
	switch {
	case raw.Connected.Valid:
		return raw.Connected.Value, nil
	case raw.IsConnected.Valid:
		return raw.IsConnected.Value, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw.Status)) {
	case "connected":
		return true, nil
	case "disconnected":
		return false, nil
	}
	return false, malformed("status without connectivity flag", nil)
}

// BrokerError is an ib.error notice.
type BrokerError struct {
	Code    int
	ReqID   int64
	Message string
}

type rawBrokerError struct {
	Code        ID     `json:"code"`
	ErrorCode   ID     `json:"errorCode"`
	ReqID       ID     `json:"reqId"`
	ID          ID     `json:"id"`
	Message     string `json:"message"`
	Msg         string `json:"msg"`
	ErrorString string `json:"errorString"`
}

// DecodeBrokerError decodes an ib.error payload. Precedence: code, then errorCode;
// reqId, then id; message, then msg, then errorString.
func DecodeBrokerError(payload []byte) (BrokerError, error) {
	var raw rawBrokerError
	if err := json.Unmarshal(payload, &raw); err != nil {
		return BrokerError{}, malformed("decode broker error", err)
	}
	message := firstString(raw.Message, raw.Msg, raw.ErrorString)
	if message == "" {
		return BrokerError{}, malformed("broker error without message", nil)
	}
	return BrokerError{
		Code:    int(firstID(raw.Code, raw.ErrorCode).Value),
		ReqID:   firstID(raw.ReqID, raw.ID).Value,
		Message: message,
	}, nil
}

type rawPosition struct {
	rawContract
	Account  string       `json:"account"`
	Position Num          `json:"position"`
	Pos      Num          `json:"pos"`
	Quantity Num          `json:"quantity"`
	AvgCost  Num          `json:"avgCost"`
	Contract *rawContract `json:"contract"`
}

// DecodePosition decodes a snapshot position row. Precedence: position, then pos, then
// quantity.
func DecodePosition(payload []byte, now time.Time) (schema.Position, error) {
	var raw rawPosition
	if err := json.Unmarshal(payload, &raw); err != nil {
		return schema.Position{}, malformed("decode position", err)
	}
	quantity := firstNum(raw.Position, raw.Pos, raw.Quantity)
	if !quantity.Valid {
		return schema.Position{}, malformed("position without quantity", nil)
	}
	contract, err := pickContract(raw.Contract, &raw.rawContract)
	if err != nil {
		return schema.Position{}, err
	}
	return schema.Position{
		Account:     strings.TrimSpace(raw.Account),
		Contract:    contract,
		Quantity:    quantity.Value,
		AvgCost:     raw.AvgCost.Or(decimal.Zero).Abs(),
		LastUpdated: now,
	}, nil
}

func splitList(payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, malformed("empty payload", nil)
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, malformed("decode list payload", err)
		}
		return items, nil
	case '{':
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	default:
		return nil, malformed("payload is neither object nor list", nil)
	}
}
