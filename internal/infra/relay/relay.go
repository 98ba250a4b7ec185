// Package relay republishes gateway report ticks and ledger state changes to Redis pub/sub
// so processes outside the ledger can consume them.
package relay

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-ledger/internal/domain/wire"
	"github.com/coachpo/meltica-ledger/internal/infra/telemetry"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 2 * time.Second

	ledgerSuffix = "ledger"
	latestSuffix = "latest"
)

// Publisher delivers encoded messages downstream.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Store keeps the most recent payload under key for consumers that join late.
	Store(ctx context.Context, key string, payload []byte) error
	Close() error
}

// Subscriber takes reference-counted topic interest.
type Subscriber interface {
	Subscribe(channel, key string, fn func(wire.Tick)) (func(), error)
}

// Topic is one (channel, key) interest republished by the relay.
type Topic struct {
	Channel string
	Key     string
}

// Options configures a Relay.
type Options struct {
	// Prefix namespaces every Redis channel and key, e.g. "ledger" yields
	// "ledger.report.positions.DU1" and "ledger.ledger".
	Prefix         string
	Topics         []Topic
	QueueSize      int
	PublishTimeout time.Duration
	Logger         *log.Logger
}

type message struct {
	channel string
	key     string
	payload []byte
}

// tickMessage is the JSON body published for every relayed tick.
type tickMessage struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data"`
	RelayedAt time.Time       `json:"relayedAt"`
}

// stateMessage is the JSON body published for every ledger change.
type stateMessage struct {
	Version   uint64    `json:"version"`
	State     any       `json:"state"`
	RelayedAt time.Time `json:"relayedAt"`
}

// Relay forwards ticks and ledger views to a Publisher from a single worker goroutine.
// Producers never block: when the queue is full the message is dropped and counted.
type Relay struct {
	publisher Publisher
	opts      Options
	logger    *log.Logger

	queue  chan message
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	detach  []func()

	published metric.Int64Counter
	dropped   metric.Int64Counter
}

// New constructs a relay. Call Start to subscribe and begin publishing.
func New(ctx context.Context, publisher Publisher, opts Options) *Relay {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	opts.Prefix = strings.Trim(strings.TrimSpace(opts.Prefix), ".")
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	relayCtx, cancel := context.WithCancel(ctx)
	r := &Relay{
		publisher: publisher,
		opts:      opts,
		logger:    opts.Logger,
		queue:     make(chan message, opts.QueueSize),
		ctx:       relayCtx,
		cancel:    cancel,
		wg:        conc.WaitGroup{},
		mu:        sync.Mutex{},
		started:   false,
		closed:    false,
		detach:    nil,
		published: nil,
		dropped:   nil,
	}

	meter := otel.Meter("relay")
	r.published, _ = meter.Int64Counter("ledger_relay_published",
		metric.WithDescription("Messages published downstream by result"),
		metric.WithUnit("{message}"))
	r.dropped, _ = meter.Int64Counter("ledger_relay_dropped",
		metric.WithDescription("Messages dropped because the relay queue was full"),
		metric.WithUnit("{message}"))
	return r
}

// Start subscribes to every configured topic and launches the publish worker.
func (r *Relay) Start(sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("relay closed")
	}
	if r.started {
		return nil
	}
	for _, topic := range r.opts.Topics {
		cancel, err := sub.Subscribe(topic.Channel, topic.Key, r.HandleTick)
		if err != nil {
			for _, fn := range r.detach {
				fn()
			}
			r.detach = nil
			return fmt.Errorf("relay subscribe %s: %w", topic.Channel, err)
		}
		r.detach = append(r.detach, cancel)
	}
	r.started = true
	r.wg.Go(r.loop)
	return nil
}

// HandleTick queues one tick for publication on <prefix>.<topic>.
func (r *Relay) HandleTick(tick wire.Tick) {
	payload, err := json.Marshal(tickMessage{
		Topic:     tick.Topic,
		Type:      tick.Type,
		Data:      tick.Payload,
		RelayedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Printf("relay: encode %s: %v", tick.Topic, err)
		return
	}
	r.enqueue(message{channel: r.name(tick.Topic), key: "", payload: payload})
}

// PublishState queues a ledger view for publication on <prefix>.ledger and stores it as
// the latest view under <prefix>.ledger.latest.
func (r *Relay) PublishState(version uint64, view any) {
	payload, err := json.Marshal(stateMessage{Version: version, State: view, RelayedAt: time.Now().UTC()})
	if err != nil {
		r.logger.Printf("relay: encode ledger v%d: %v", version, err)
		return
	}
	r.enqueue(message{
		channel: r.name(ledgerSuffix),
		key:     r.name(ledgerSuffix + "." + latestSuffix),
		payload: payload,
	})
}

func (r *Relay) name(suffix string) string {
	if r.opts.Prefix == "" {
		return suffix
	}
	return r.opts.Prefix + "." + suffix
}

func (r *Relay) enqueue(msg message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- msg:
	default:
		if r.dropped != nil {
			r.dropped.Add(context.Background(), 1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment())))
		}
		r.logger.Printf("relay: queue full, dropped message for %s", msg.channel)
	}
}

func (r *Relay) loop() {
	for msg := range r.queue {
		r.deliver(msg)
	}
}

func (r *Relay) deliver(msg message) {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.PublishTimeout)
	defer cancel()
	result := telemetry.ResultSuccess
	if err := r.publisher.Publish(ctx, msg.channel, msg.payload); err != nil {
		result = telemetry.ResultError
		r.logger.Printf("relay: publish %s: %v", msg.channel, err)
	}
	if msg.key != "" {
		if err := r.publisher.Store(ctx, msg.key, msg.payload); err != nil {
			result = telemetry.ResultError
			r.logger.Printf("relay: store %s: %v", msg.key, err)
		}
	}
	if r.published != nil {
		r.published.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.OperationResultAttributes(telemetry.Environment(), "publish", result)...))
	}
}

// Close unsubscribes, drains queued messages and closes the publisher.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	detach := r.detach
	r.detach = nil
	close(r.queue)
	r.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	r.wg.Wait()
	r.cancel()
	return r.publisher.Close()
}
