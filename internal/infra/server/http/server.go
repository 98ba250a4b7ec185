// Package httpserver exposes the ledger read surface and a small set of operator actions
// over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-ledger/errs"
	"github.com/coachpo/meltica-ledger/internal/app/ledger"
	"github.com/coachpo/meltica-ledger/internal/domain/wire"
	"github.com/coachpo/meltica-ledger/internal/infra/config"
	"github.com/coachpo/meltica-ledger/internal/infra/session"
	"github.com/coachpo/meltica-ledger/internal/infra/subscription"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	opCancelOrder = "cancel_order"
	opModifyOrder = "modify_order"
)

// Ledger is the reconciled account state the server reads and refreshes.
type Ledger interface {
	State() *ledger.State
	Refresh(ctx context.Context) error
	DismissNotice(id string) bool
	ClearNotices() int
}

// Gateway is the session the server reports on and sends order actions through.
type Gateway interface {
	State() session.State
	Generation() uint64
	QueueLen() int
	Send(frame []byte)
}

// Requests reports correlated requests awaiting an ack.
type Requests interface {
	Pending() int
}

// Interests lists active topic subscriptions.
type Interests interface {
	Snapshot() []subscription.Interest
}

// Deps wires the handler to the running components. Requests and Interests are optional.
type Deps struct {
	Environment config.Environment
	Ledger      Ledger
	Gateway     Gateway
	Requests    Requests
	Interests   Interests
	Logger      *log.Logger
}

type httpServer struct {
	deps   Deps
	logger *log.Logger
}

// NewHandler builds the chi router for the API.
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	server := &httpServer{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withCORS)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	r.Get("/healthz", server.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ledger", server.getLedger)
		r.Post("/refresh", server.refresh)

		r.Get("/notices", server.listNotices)
		r.Delete("/notices", server.clearNotices)
		r.Delete("/notices/{id}", server.dismissNotice)

		r.Get("/subscriptions", server.listSubscriptions)

		r.Post("/orders/{orderId}/cancel", server.cancelOrder)
		r.Post("/orders/{orderId}/modify", server.modifyOrder)
	})
	return r
}

type healthResponse struct {
	Status          string `json:"status"`
	Environment     string `json:"environment,omitempty"`
	Session         string `json:"session"`
	Generation      uint64 `json:"generation"`
	QueuedFrames    int    `json:"queuedFrames"`
	PendingRequests int    `json:"pendingRequests"`
	Connectivity    string `json:"connectivity"`
	Version         uint64 `json:"version"`
}

// health answers 200 while the session is open and 503 otherwise, so a probe can tell a
// process that is up from one that is serving current data.
func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		Environment:     string(s.deps.Environment),
		Session:         session.StateIdle.String(),
		Generation:      0,
		QueuedFrames:    0,
		PendingRequests: 0,
		Connectivity:    "unknown",
		Version:         0,
	}
	status := http.StatusOK
	if s.deps.Gateway != nil {
		state := s.deps.Gateway.State()
		resp.Session = state.String()
		resp.Generation = s.deps.Gateway.Generation()
		resp.QueuedFrames = s.deps.Gateway.QueueLen()
		if state != session.StateOpen {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Requests != nil {
		resp.PendingRequests = s.deps.Requests.Pending()
	}
	if s.deps.Ledger != nil {
		snapshot := s.deps.Ledger.State()
		resp.Connectivity = snapshot.Connectivity.String()
		resp.Version = snapshot.Version
	}
	writeJSON(w, status, resp)
}

func (s *httpServer) getLedger(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Ledger.State().View())
}

func (s *httpServer) refresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ledger.Refresh(r.Context()); err != nil {
		s.logger.Printf("http: refresh: %v", err)
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Ledger.State().View())
}

func (s *httpServer) listNotices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Ledger.State().View().Notices)
}

func (s *httpServer) dismissNotice(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if !s.deps.Ledger.DismissNotice(id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("notice %q not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) clearNotices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.deps.Ledger.ClearNotices()})
}

func (s *httpServer) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	out := []subscription.Interest{}
	if s.deps.Interests != nil {
		out = append(out, s.deps.Interests.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, out)
}

type actionResponse struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Op      string `json:"op"`
	OrderID int64  `json:"orderId"`
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.openOrderID(w, r)
	if !ok {
		return
	}
	s.sendAction(w, opCancelOrder, orderID, map[string]any{"orderId": orderID})
}

type modifyPayload struct {
	Quantity   *decimal.Decimal `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limitPrice"`
	AuxPrice   *decimal.Decimal `json:"auxPrice"`
	OrderType  string           `json:"orderType"`
	TIF        string           `json:"tif"`
}

func (s *httpServer) modifyOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.openOrderID(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	var payload modifyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	fields, err := payload.fields(orderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendAction(w, opModifyOrder, orderID, fields)
}

// fields flattens the requested changes into the control frame; prices and quantities are
// sent as bare JSON numbers.
func (p modifyPayload) fields(orderID int64) (map[string]any, error) {
	fields := map[string]any{"orderId": orderID}
	if p.Quantity != nil {
		if !p.Quantity.IsPositive() {
			return nil, fmt.Errorf("quantity must be > 0")
		}
		fields["quantity"] = json.RawMessage(p.Quantity.String())
	}
	if p.LimitPrice != nil {
		if p.LimitPrice.IsNegative() {
			return nil, fmt.Errorf("limitPrice must be >= 0")
		}
		fields["limitPrice"] = json.RawMessage(p.LimitPrice.String())
	}
	if p.AuxPrice != nil {
		if p.AuxPrice.IsNegative() {
			return nil, fmt.Errorf("auxPrice must be >= 0")
		}
		fields["auxPrice"] = json.RawMessage(p.AuxPrice.String())
	}
	if orderType := strings.ToUpper(strings.TrimSpace(p.OrderType)); orderType != "" {
		fields["orderType"] = orderType
	}
	if tif := strings.ToUpper(strings.TrimSpace(p.TIF)); tif != "" {
		fields["tif"] = tif
	}
	if len(fields) == 1 {
		return nil, fmt.Errorf("no changes requested")
	}
	return fields, nil
}

func (s *httpServer) openOrderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "orderId")
	orderID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid order id %q", raw))
		return 0, false
	}
	if _, open := s.deps.Ledger.State().OpenOrders[orderID]; !open {
		writeError(w, http.StatusNotFound, fmt.Sprintf("order %d is not open", orderID))
		return 0, false
	}
	return orderID, true
}

// sendAction queues a fire-and-forget control frame. The gateway acks it separately and
// the resulting order events reach the ledger through the normal tick path.
func (s *httpServer) sendAction(w http.ResponseWriter, op string, orderID int64, payload map[string]any) {
	if s.deps.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway session unavailable")
		return
	}
	id := uuid.NewString()
	frame, err := wire.EncodeControl(op, id, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Gateway.Send(frame)
	s.logger.Printf("http: %s order=%d id=%s queued", op, orderID, id)
	writeJSON(w, http.StatusAccepted, actionResponse{Status: "accepted", ID: id, Op: op, OrderID: orderID})
}

func statusForError(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeDisconnected, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeInvalid:
		return http.StatusBadRequest
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
