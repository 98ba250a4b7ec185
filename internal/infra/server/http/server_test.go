package httpserver

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-ledger/errs"
	"github.com/coachpo/meltica-ledger/internal/app/ledger"
	"github.com/coachpo/meltica-ledger/internal/domain/wire"
	"github.com/coachpo/meltica-ledger/internal/infra/config"
	"github.com/coachpo/meltica-ledger/internal/infra/session"
	"github.com/coachpo/meltica-ledger/internal/infra/subscription"
)

type stubRequester struct {
	err error
}

func (r stubRequester) Request(context.Context, string, any, time.Duration) (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	return json.RawMessage(`{"connected":true}`), nil
}

type stubGateway struct {
	state atomic.Int32

	mu     sync.Mutex
	frames [][]byte
}

func (g *stubGateway) State() session.State { return session.State(g.state.Load()) }
func (g *stubGateway) Generation() uint64   { return 3 }
func (g *stubGateway) QueueLen() int        { return 1 }
func (g *stubGateway) Send(frame []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frames = append(g.frames, frame)
}

func (g *stubGateway) sent() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.frames...)
}

type stubInterests struct{}

func (stubInterests) Snapshot() []subscription.Interest {
	return []subscription.Interest{{Channel: "ib.status", Key: "", Observers: 2}}
}

type fixture struct {
	ledger  *ledger.Ledger
	gateway *stubGateway
	server  *httptest.Server
}

func newFixture(t *testing.T, requestErr error) *fixture {
	t.Helper()
	led := ledger.New(context.Background(), stubRequester{err: requestErr}, ledger.Options{
		RefreshAttempts: 1,
		RefreshBackoff:  time.Millisecond,
		Logger:          log.New(io.Discard, "", 0),
	})
	t.Cleanup(led.Close)
	gateway := &stubGateway{}
	gateway.state.Store(int32(session.StateOpen))
	handler := NewHandler(Deps{
		Environment: config.EnvDev,
		Ledger:      led,
		Gateway:     gateway,
		Requests:    nil,
		Interests:   stubInterests{},
		Logger:      log.New(io.Discard, "", 0),
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	led.HandleTick(wire.Tick{Topic: wire.TopicOpenOrder, Type: "", Payload: json.RawMessage(
		`{"orderId":7,"status":"Submitted","action":"BUY","totalQuantity":10,"lmtPrice":100,"contract":{"symbol":"AAPL","secType":"STK","currency":"USD"}}`)})
	led.HandleTick(wire.Tick{Topic: wire.TopicError, Type: "", Payload: json.RawMessage(
		`{"code":202,"reqId":7,"message":"Order Canceled"}`)})
	return &fixture{ledger: led, gateway: gateway, server: server}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestHealthReflectsSession(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "open", body["session"])
	require.EqualValues(t, 3, body["generation"])

	f.gateway.state.Store(int32(session.StateClosed))
	resp, body = f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "degraded", body["status"])
}

func TestGetLedger(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/api/v1/ledger", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	orders, ok := body["openOrders"].([]any)
	require.True(t, ok)
	require.Len(t, orders, 1)
	require.Nil(t, body["connectivity"])
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["connectivity"])
	require.NotEmpty(t, body["refreshedAt"])
}

func TestRefreshTimeoutMapsToGatewayTimeout(t *testing.T) {
	f := newFixture(t, errs.New("session", errs.CodeTimeout, errs.WithOp("account_state")))

	resp, body := f.do(t, http.MethodPost, "/api/v1/refresh", "")
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	require.Equal(t, "error", body["status"])
	require.NotEmpty(t, f.ledger.State().LastError)
}

func TestNotices(t *testing.T) {
	f := newFixture(t, nil)
	notices := f.ledger.State().Notices
	require.Len(t, notices, 1)

	resp, _ := f.do(t, http.MethodDelete, "/api/v1/notices/missing", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/notices/"+notices[0].ID, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, f.ledger.State().Notices)

	resp, body := f.do(t, http.MethodDelete, "/api/v1/notices", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 0, body["cleared"])
}

func TestCancelOrderSendsControlFrame(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/orders/7/cancel", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "cancel_order", body["op"])

	frames := f.gateway.sent()
	require.Len(t, frames, 1)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	require.Equal(t, "control", frame["type"])
	require.Equal(t, "cancel_order", frame["op"])
	require.EqualValues(t, 7, frame["orderId"])
	require.Equal(t, body["id"], frame["id"])
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/orders/99/cancel", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/orders/abc/cancel", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, f.gateway.sent())
}

func TestModifyOrder(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/orders/7/modify", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/orders/7/modify", `{"quantity":"-1"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/orders/7/modify", `{"limitPrice":"101.25","tif":"gtc"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	frames := f.gateway.sent()
	require.Len(t, frames, 1)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	require.Equal(t, "modify_order", frame["op"])
	require.EqualValues(t, 101.25, frame["limitPrice"])
	require.Equal(t, "GTC", frame["tif"])
}

func TestSubscriptions(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/api/v1/subscriptions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var interests []subscription.Interest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&interests))
	require.Equal(t, []subscription.Interest{{Channel: "ib.status", Key: "", Observers: 2}}, interests)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/api/v1/refresh", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, "error", body["status"])
}
