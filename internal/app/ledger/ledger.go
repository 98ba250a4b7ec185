// Package ledger reconciles the broker account event stream into a consistent view of
// positions, cash, open orders, order history, fills and connectivity.
//
// Snapshots (account_state) replace state wholesale; incremental ticks (ib.openOrder,
// ib.order, ib.executions, ib.accountSummary, ib.status, ib.error) are folded in between.
// Every change publishes a new immutable State through one atomic pointer swap, so readers
// observe either the previous aggregate or the next one, never a partial mix.
package ledger

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/meltica-ledger/internal/domain/wire"
	"github.com/coachpo/meltica-ledger/internal/infra/observer"
	"github.com/coachpo/meltica-ledger/internal/infra/telemetry"
)

const (
	defaultHistoryLimit    = 50
	defaultFillLimit       = 50
	defaultNoticeLimit     = 50
	defaultRefreshDebounce = 500 * time.Millisecond
	defaultRefreshAttempts = 3
	defaultRefreshBackoff  = 250 * time.Millisecond
	execMemory             = 4096
	closedMemory           = 4096

	opAccountState = "account_state"
)

// Requester issues correlated control requests.
type Requester interface {
	Request(ctx context.Context, op string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Subscriber registers reference-counted topic interest.
type Subscriber interface {
	Subscribe(channel, key string, fn func(wire.Tick)) (func(), error)
}

// ConnectSource reports every session open.
type ConnectSource interface {
	OnConnect(fn func()) func()
}

// Options tunes the ledger. Zero values select the defaults.
type Options struct {
	HistoryLimit    int
	FillLimit       int
	NoticeLimit     int
	RefreshDebounce time.Duration
	RefreshAttempts int
	RefreshBackoff  time.Duration
	// RefreshTimeout bounds each account_state round trip; zero uses the requester default.
	RefreshTimeout time.Duration
	Logger         *log.Logger
	Clock          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = defaultHistoryLimit
	}
	if o.FillLimit <= 0 {
		o.FillLimit = defaultFillLimit
	}
	if o.NoticeLimit <= 0 {
		o.NoticeLimit = defaultNoticeLimit
	}
	if o.RefreshDebounce <= 0 {
		o.RefreshDebounce = defaultRefreshDebounce
	}
	if o.RefreshAttempts <= 0 {
		o.RefreshAttempts = defaultRefreshAttempts
	}
	if o.RefreshBackoff <= 0 {
		o.RefreshBackoff = defaultRefreshBackoff
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Ledger is the reconciliation state machine. Ticks are applied synchronously in the
// order the router delivers them; snapshot refreshes run on background goroutines.
type Ledger struct {
	opts      Options
	requester Requester
	logger    *log.Logger
	metrics   *ledgerMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	state   atomic.Pointer[State]
	writeMu sync.Mutex
	// notifyMu is taken before writeMu is released so observers see versions in order
	notifyMu sync.Mutex
	// writer-only bookkeeping, guarded by writeMu
	seenExecs    *boundedSet[string]
	closedOrders *boundedSet[int64]
	appliedSeq   uint64

	refreshSeq atomic.Uint64

	lifeMu   sync.Mutex
	closed   bool
	debounce *time.Timer

	changes *observer.List[*State]
	detach  []func()
}

// New constructs an empty ledger. requester issues the account_state snapshot request.
func New(ctx context.Context, requester Requester, opts Options) *Ledger {
	opts = opts.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}
	ledgerCtx, cancel := context.WithCancel(ctx)
	l := &Ledger{
		opts:         opts,
		requester:    requester,
		logger:       opts.Logger,
		metrics:      nil,
		ctx:          ledgerCtx,
		cancel:       cancel,
		wg:           conc.WaitGroup{},
		state:        atomic.Pointer[State]{},
		writeMu:      sync.Mutex{},
		notifyMu:     sync.Mutex{},
		seenExecs:    newBoundedSet[string](execMemory),
		closedOrders: newBoundedSet[int64](closedMemory),
		appliedSeq:   0,
		refreshSeq:   atomic.Uint64{},
		lifeMu:       sync.Mutex{},
		closed:       false,
		debounce:     nil,
		changes:      nil,
		detach:       nil,
	}
	l.state.Store(emptyState())
	l.changes = observer.New[*State]("ledger.changes", func(list string, recovered *panics.Recovered) {
		l.logger.Printf("ledger: %s observer panic: %v", list, recovered.Value)
	})
	l.metrics = newLedgerMetrics(l)
	return l
}

// Topics lists the broadcast topics the ledger consumes.
func Topics() []string {
	return []string{
		wire.TopicOpenOrder,
		wire.TopicOrderStatus,
		wire.TopicExecutions,
		wire.TopicAccountSummary,
		wire.TopicStatus,
		wire.TopicError,
	}
}

// Bind subscribes the ledger to its topics and refreshes on every session open.
func (l *Ledger) Bind(sub Subscriber, conn ConnectSource) error {
	for _, topic := range Topics() {
		cancel, err := sub.Subscribe(topic, "", l.HandleTick)
		if err != nil {
			l.Unbind()
			return err
		}
		l.detach = append(l.detach, cancel)
	}
	if conn != nil {
		l.detach = append(l.detach, conn.OnConnect(func() { l.RequestRefresh("reconnect") }))
	}
	return nil
}

// Unbind releases every subscription taken by Bind.
func (l *Ledger) Unbind() {
	for _, fn := range l.detach {
		fn()
	}
	l.detach = nil
}

// Close unbinds, stops the debounce timer and waits for in-flight refreshes.
func (l *Ledger) Close() {
	l.Unbind()
	l.lifeMu.Lock()
	l.closed = true
	if l.debounce != nil {
		l.debounce.Stop()
		l.debounce = nil
	}
	l.lifeMu.Unlock()
	l.cancel()
	l.wg.Wait()
}

// State returns the current immutable aggregate.
func (l *Ledger) State() *State {
	return l.state.Load()
}

// OnChange registers an observer invoked with every new State.
func (l *Ledger) OnChange(fn func(*State)) func() {
	return l.changes.Register(fn)
}

// HandleTick applies one broadcast. Unknown topics are ignored; malformed payloads are
// logged and counted, never fatal.
func (l *Ledger) HandleTick(tick wire.Tick) {
	now := l.opts.Clock().UTC()
	var kind string
	var err error
	switch tick.Topic {
	case wire.TopicOpenOrder:
		kind = kindOrder
		err = l.applyOpenOrder(tick.Payload, now)
	case wire.TopicOrderStatus:
		kind = kindStatus
		err = l.applyOrderStatus(tick.Payload, now)
	case wire.TopicExecutions:
		kind = kindExecution
		err = l.applyExecutions(tick.Payload, now)
	case wire.TopicAccountSummary:
		kind = kindCash
		err = l.applyAccountSummary(tick.Payload, now)
	case wire.TopicStatus:
		kind = kindConnectivity
		err = l.applyStatus(tick.Payload)
	case wire.TopicError:
		kind = kindNotice
		err = l.applyBrokerError(tick.Payload, now)
	default:
		return
	}
	if err != nil {
		l.logger.Printf("ledger: drop %s tick: %v", tick.Topic, err)
		l.metrics.event(kind, telemetry.ResultError)
		return
	}
	l.metrics.event(kind, telemetry.ResultSuccess)
}

// mutate runs fn against a private copy of the current state and publishes it when fn
// reports a change. fn runs under writeMu. Observers receive states in version order and
// must not mutate the ledger from the callback.
func (l *Ledger) mutate(fn func(next *State) bool) *State {
	l.writeMu.Lock()
	cur := l.state.Load()
	next := cur.clone()
	if !fn(next) {
		l.writeMu.Unlock()
		return nil
	}
	next.Version = cur.Version + 1
	l.state.Store(next)
	l.notifyMu.Lock()
	l.writeMu.Unlock()

	defer l.notifyMu.Unlock()
	l.changes.Notify(next)
	return next
}

// DismissNotice removes one notice by id.
func (l *Ledger) DismissNotice(id string) bool {
	return l.mutate(func(next *State) bool {
		for i, n := range next.Notices {
			if n.ID == id {
				next.Notices = append(next.Notices[:i], next.Notices[i+1:]...)
				return true
			}
		}
		return false
	}) != nil
}

// ClearNotices removes every notice and reports how many were dropped.
func (l *Ledger) ClearNotices() int {
	cleared := 0
	l.mutate(func(next *State) bool {
		cleared = len(next.Notices)
		next.Notices = nil
		return cleared > 0
	})
	return cleared
}

func prepend[T any](list []T, item T, limit int) []T {
	out := make([]T, 0, min(len(list)+1, limit))
	out = append(out, item)
	for _, v := range list {
		if len(out) >= limit {
			break
		}
		out = append(out, v)
	}
	return out
}
