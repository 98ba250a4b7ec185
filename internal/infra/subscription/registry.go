// Package subscription reference-counts topic interest so independent observers of the
// same (channel, key) collapse to one wire-level subscribe and unsubscribe.
package subscription

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/meltica-ledger/errs"
	"github.com/coachpo/meltica-ledger/internal/domain/wire"
	"github.com/coachpo/meltica-ledger/internal/infra/router"
)

// Transport is the session surface the registry needs.
type Transport interface {
	SendJSON(v any) error
	IsOpen() bool
	Generation() uint64
	OnConnect(fn func()) func()
}

// TickSource delivers filtered ticks.
type TickSource interface {
	OnTopic(filter router.TopicFilter, fn func(wire.Tick)) func()
}

// Interest describes one live subscription.
type Interest struct {
	Channel   string `json:"channel"`
	Key       string `json:"key,omitempty"`
	Observers int    `json:"observers"`
}

type subscriptionKey struct {
	channel string
	key     string
}

type subscription struct {
	filter    router.TopicFilter
	observers int
	// sentGen is the session generation whose connection already carries the subscribe.
	sentGen uint64
}

// Registry owns wire-level subscription state for one session.
type Registry struct {
	transport Transport
	ticks     TickSource
	logger    *log.Logger

	mu     sync.Mutex
	active map[subscriptionKey]*subscription

	detach func()
}

// New constructs a registry and hooks Resubscribe onto every session open.
func New(transport Transport, ticks TickSource, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{
		transport: transport,
		ticks:     ticks,
		logger:    logger,
		mu:        sync.Mutex{},
		active:    make(map[subscriptionKey]*subscription),
		detach:    nil,
	}
	r.detach = transport.OnConnect(r.Resubscribe)
	return r
}

// Subscribe registers fn for ticks of (channel, key). The wire subscribe is sent only on
// the 0→1 transition and only when the session is open; otherwise the next open carries
// it. The returned func unsubscribes and is idempotent.
func (r *Registry) Subscribe(channel, key string, fn func(wire.Tick)) (func(), error) {
	channel = strings.TrimSpace(channel)
	key = strings.TrimSpace(key)
	if channel == "" {
		return nil, errs.New("subscription", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if fn == nil {
		return nil, errs.New("subscription", errs.CodeInvalid, errs.WithMessage("observer required"))
	}
	k := subscriptionKey{channel: channel, key: key}

	r.mu.Lock()
	sub, ok := r.active[k]
	if !ok {
		sub = &subscription{filter: router.TopicFilter{Channel: channel, Key: key}, observers: 0, sentGen: 0}
		r.active[k] = sub
	}
	sub.observers++
	if sub.observers == 1 {
		if err := r.sendLocked(sub, true); err != nil {
			sub.observers--
			if sub.observers == 0 {
				delete(r.active, k)
			}
			r.mu.Unlock()
			return nil, err
		}
	}
	r.mu.Unlock()

	unregister := r.ticks.OnTopic(sub.filter, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			unregister()
			r.release(k)
		})
	}, nil
}

func (r *Registry) release(k subscriptionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.active[k]
	if !ok {
		return
	}
	sub.observers--
	if sub.observers > 0 {
		return
	}
	delete(r.active, k)
	if r.transport.IsOpen() {
		frame := wire.NewSubscriptionFrame(false, sub.filter.Channel, sub.filter.Key)
		if err := r.transport.SendJSON(frame); err != nil {
			r.logger.Printf("subscription: unsubscribe %s: %v", sub.filter.Topic(), err)
		}
	}
}

// Resubscribe re-sends every subscription with live observers that the current
// connection has not carried yet. It runs on every session open.
func (r *Registry) Resubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]subscriptionKey, 0, len(r.active))
	for k := range r.active {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].channel != keys[j].channel {
			return keys[i].channel < keys[j].channel
		}
		return keys[i].key < keys[j].key
	})
	sent := 0
	for _, k := range keys {
		sub := r.active[k]
		if sub.observers == 0 || sub.sentGen == r.transport.Generation() {
			continue
		}
		if err := r.sendLocked(sub, false); err != nil {
			r.logger.Printf("subscription: resubscribe %s: %v", sub.filter.Topic(), err)
			continue
		}
		sent++
	}
	if sent > 0 {
		r.logger.Printf("subscription: resubscribed %d topic(s)", sent)
	}
}

// sendLocked writes the subscribe frame. When lazy is set the frame is skipped while the
// session is not open, leaving it to Resubscribe.
func (r *Registry) sendLocked(sub *subscription, lazy bool) error {
	gen := r.transport.Generation()
	if lazy && !r.transport.IsOpen() {
		return nil
	}
	frame := wire.NewSubscriptionFrame(true, sub.filter.Channel, sub.filter.Key)
	if err := r.transport.SendJSON(frame); err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.filter.Topic(), err)
	}
	sub.sentGen = gen
	return nil
}

// Observers reports the live observer count for (channel, key).
func (r *Registry) Observers(channel, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.active[subscriptionKey{channel: channel, key: key}]; ok {
		return sub.observers
	}
	return 0
}

// Snapshot lists live subscriptions ordered by channel then key.
func (r *Registry) Snapshot() []Interest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Interest, 0, len(r.active))
	for _, sub := range r.active {
		out = append(out, Interest{Channel: sub.filter.Channel, Key: sub.filter.Key, Observers: sub.observers})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Close detaches the registry from the session.
func (r *Registry) Close() {
	if r.detach != nil {
		r.detach()
	}
}
