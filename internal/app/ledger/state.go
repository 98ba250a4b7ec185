package ledger

import (
	"sort"
	"time"

	"github.com/coachpo/meltica-ledger/internal/domain/schema"
)

// State is an immutable ledger aggregate. A new State replaces the previous one in a
// single pointer swap; callers must treat every map and slice as read-only.
type State struct {
	Positions    map[schema.PositionKey]schema.Position
	Cash         map[schema.CashKey]schema.CashBalance
	OpenOrders   map[int64]schema.OpenOrder
	History      []schema.HistoryEntry // most recent first
	Fills        []schema.Execution    // most recent first
	Notices      []schema.Notice       // most recent first
	Connectivity schema.Connectivity
	Loading      bool
	LastError    string
	RefreshedAt  time.Time
	Version      uint64
}

func emptyState() *State {
	return &State{
		Positions:    make(map[schema.PositionKey]schema.Position),
		Cash:         make(map[schema.CashKey]schema.CashBalance),
		OpenOrders:   make(map[int64]schema.OpenOrder),
		History:      nil,
		Fills:        nil,
		Notices:      nil,
		Connectivity: schema.ConnectivityUnknown,
		Loading:      false,
		LastError:    "",
		RefreshedAt:  time.Time{},
		Version:      0,
	}
}

// clone copies the containers so the writer can mutate the copy freely.
func (s *State) clone() *State {
	next := *s
	next.Positions = make(map[schema.PositionKey]schema.Position, len(s.Positions))
	for k, v := range s.Positions {
		next.Positions[k] = v
	}
	next.Cash = make(map[schema.CashKey]schema.CashBalance, len(s.Cash))
	for k, v := range s.Cash {
		next.Cash[k] = v
	}
	next.OpenOrders = make(map[int64]schema.OpenOrder, len(s.OpenOrders))
	for k, v := range s.OpenOrders {
		next.OpenOrders[k] = v
	}
	next.History = append([]schema.HistoryEntry(nil), s.History...)
	next.Fills = append([]schema.Execution(nil), s.Fills...)
	next.Notices = append([]schema.Notice(nil), s.Notices...)
	return &next
}

// InHistory reports whether orderID has a history entry.
func (s *State) InHistory(orderID int64) bool {
	for _, h := range s.History {
		if h.OrderID() == orderID {
			return true
		}
	}
	return false
}

// View is the serialisable projection handed to HTTP clients and the relay.
type View struct {
	Positions    []schema.Position     `json:"positions"`
	Cash         []schema.CashBalance  `json:"cash"`
	OpenOrders   []schema.OpenOrder    `json:"openOrders"`
	History      []schema.HistoryEntry `json:"history"`
	Fills        []schema.Execution    `json:"fills"`
	Notices      []schema.Notice       `json:"notices"`
	Connectivity schema.Connectivity   `json:"connectivity"`
	Loading      bool                  `json:"loading"`
	LastError    string                `json:"lastError,omitempty"`
	RefreshedAt  *time.Time            `json:"refreshedAt,omitempty"`
	Version      uint64                `json:"version"`
}

// View returns the state with maps flattened into deterministic order.
func (s *State) View() View {
	positions := make([]schema.Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Key() < positions[j].Key() })

	cash := make([]schema.CashBalance, 0, len(s.Cash))
	for _, c := range s.Cash {
		cash = append(cash, c)
	}
	sort.Slice(cash, func(i, j int) bool { return cash[i].Key() < cash[j].Key() })

	orders := make([]schema.OpenOrder, 0, len(s.OpenOrders))
	for _, o := range s.OpenOrders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })

	var refreshed *time.Time
	if !s.RefreshedAt.IsZero() {
		ts := s.RefreshedAt
		refreshed = &ts
	}
	return View{
		Positions:    positions,
		Cash:         cash,
		OpenOrders:   orders,
		History:      nonNil(s.History),
		Fills:        nonNil(s.Fills),
		Notices:      nonNil(s.Notices),
		Connectivity: s.Connectivity,
		Loading:      s.Loading,
		LastError:    s.LastError,
		RefreshedAt:  refreshed,
		Version:      s.Version,
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// boundedSet remembers the most recent keys up to a fixed capacity.
type boundedSet[K comparable] struct {
	limit int
	order []K
	items map[K]struct{}
}

func newBoundedSet[K comparable](limit int) *boundedSet[K] {
	return &boundedSet[K]{limit: limit, order: nil, items: make(map[K]struct{}, limit)}
}

func (b *boundedSet[K]) Has(k K) bool {
	_, ok := b.items[k]
	return ok
}

// Add inserts k and reports whether it was new.
func (b *boundedSet[K]) Add(k K) bool {
	if _, ok := b.items[k]; ok {
		return false
	}
	b.items[k] = struct{}{}
	b.order = append(b.order, k)
	if b.limit > 0 && len(b.order) > b.limit {
		evict := b.order[0]
		b.order = b.order[1:]
		delete(b.items, evict)
	}
	return true
}

func (b *boundedSet[K]) Len() int { return len(b.items) }
