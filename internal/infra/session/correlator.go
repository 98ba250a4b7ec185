package session

import (
	"context"
	"log"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/meltica-ledger/errs"
	"github.com/coachpo/meltica-ledger/internal/domain/wire"
	"github.com/coachpo/meltica-ledger/internal/infra/telemetry"
)

// DefaultRequestTimeout bounds a correlated request when the caller passes no timeout.
const DefaultRequestTimeout = 8 * time.Second

// Sentinels for correlated request failures; match with errors.Is.
var (
	ErrTimeout      = errs.New("session", errs.CodeTimeout)
	ErrDisconnected = errs.New("session", errs.CodeDisconnected)
	ErrServer       = errs.New("session", errs.CodeServer)
	ErrClosed       = errs.New("session", errs.CodeUnavailable)
)

// Sender transmits a serialized frame without waiting for a reply.
type Sender interface {
	Send(frame []byte)
}

// queueDiscarder is implemented by senders that can withdraw a frame not yet written.
type queueDiscarder interface {
	Discard(frame []byte) bool
}

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	op      string
	frame   []byte
	started time.Time
	timer   *time.Timer
	done    chan result
}

// Correlator turns fire-and-forget control frames into awaitable request/response pairs
// keyed by a generated id. Each pending request completes exactly once.
type Correlator struct {
	sender  Sender
	timeout time.Duration
	logger  *log.Logger
	metrics *sessionMetrics
	newID   func() string

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// NewCorrelator constructs a correlator writing through sender.
func NewCorrelator(sender Sender, timeout time.Duration, logger *log.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Correlator{
		sender:  sender,
		timeout: timeout,
		logger:  logger,
		metrics: newSessionMetrics(),
		newID:   uuid.NewString,
		mu:      sync.Mutex{},
		pending: make(map[string]*pendingRequest),
		closed:  false,
	}
}

// Attach wires the correlator to the session so every Closed transition rejects the
// pending set.
func (c *Correlator) Attach(s *Session) func() {
	return s.OnClose(c.RejectAll)
}

// Request sends {type:"control", op, id, ...payload} and waits for the matching ack.
// A non-positive timeout selects the correlator default. Failures are ErrTimeout,
// ErrDisconnected, or ErrServer carrying the server message.
func (c *Correlator) Request(ctx context.Context, op string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	id := c.newID()
	frame, err := wire.EncodeControl(op, id, payload)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{op: op, frame: frame, started: time.Now(), timer: nil, done: make(chan result, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.New("session", errs.CodeUnavailable, errs.WithOp(op), errs.WithMessage("correlator closed"))
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.complete(id, result{data: nil, err: errs.New("session", errs.CodeTimeout,
			errs.WithOp(op), errs.WithField("id", id), errs.WithMessage("no response within "+timeout.String()))})
	})
	c.mu.Unlock()

	c.sender.Send(frame)
	c.mu.Lock()
	_, stillPending := c.pending[id]
	c.mu.Unlock()
	if !stillPending {
		// rejected between registration and Send
		if q, ok := c.sender.(queueDiscarder); ok {
			q.Discard(frame)
		}
	}

	select {
	case res := <-p.done:
		return res.data, res.err
	case <-ctx.Done():
		c.complete(id, result{data: nil, err: ctx.Err()})
		res := <-p.done
		return res.data, res.err
	}
}

// Resolve completes the pending request matching ack.ID. It reports false for acks whose
// request is no longer pending (stale, timed out, or rejected on disconnect).
func (c *Correlator) Resolve(ack wire.Ack) bool {
	if ack.OK {
		return c.complete(ack.ID, result{data: ack.Data, err: nil})
	}
	message := ack.Error
	if message == "" {
		message = "request rejected"
	}
	return c.complete(ack.ID, result{data: ack.Data, err: errs.New("session", errs.CodeServer,
		errs.WithOp(ack.Op), errs.WithRawMessage(message), errs.WithField("id", ack.ID))})
}

// RejectAll fails every pending request with ErrDisconnected.
func (c *Correlator) RejectAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.complete(id, result{data: nil, err: errs.New("session", errs.CodeDisconnected,
			errs.WithField("id", id), errs.WithMessage("connection closed while pending"))})
	}
	if len(ids) > 0 {
		c.logger.Printf("session: rejected %d pending request(s) on disconnect", len(ids))
	}
}

// Close rejects every pending request and refuses new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.RejectAll()
}

// Pending reports the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) complete(id string, res result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	// a failed request must not reach the server on a later connection
	if res.err != nil {
		if q, ok := c.sender.(queueDiscarder); ok {
			q.Discard(p.frame)
		}
	}
	c.metrics.request(p.op, resultLabel(res.err), float64(time.Since(p.started).Microseconds())/1000)
	p.done <- res
	return true
}

func resultLabel(err error) string {
	if err == nil {
		return telemetry.ResultSuccess
	}
	switch errs.CodeOf(err) {
	case errs.CodeTimeout:
		return telemetry.ResultTimeout
	case errs.CodeDisconnected:
		return telemetry.ResultDisconnected
	case errs.CodeServer:
		return telemetry.ResultServerError
	default:
		return telemetry.ResultError
	}
}
