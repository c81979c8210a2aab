// Package relaypool turns a set of independent, unreliable relay endpoints
// into one logical event bus: it fans publishes out to every live endpoint,
// de-duplicates inbound events by id, queues outbound events while offline,
// and re-issues subscriptions after every reconnect. Every endpoint is
// equally untrusted; priorities order reconnection, not authority.
package relaypool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/logging"
)

var (
	// ErrAllEndpointsDown indicates no endpoint is currently connected.
	ErrAllEndpointsDown = errors.New("all relay endpoints down")
	// ErrOutboxFull indicates the offline queue is at capacity.
	ErrOutboxFull = errors.New("outbox full")
	// ErrMalformedEvent indicates an event that fails verification.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrClosed indicates the pool has been closed.
	ErrClosed = errors.New("pool closed")
)

// DefaultSubscriptionBuffer bounds per-subscription delivery channels.
// Slow consumers drop, they do not block the pool.
const DefaultSubscriptionBuffer = 256

type subscription struct {
	id     string
	filter event.Filter
	ch     chan *event.Event
}

// Pool is a multi-endpoint relay client.
type Pool struct {
	log    *logging.Logger
	outbox Outbox
	seen   *seenSet
	meters *meters
	tracer trace.Tracer

	mu     sync.Mutex
	conns  []*conn
	subs   map[string]*subscription
	closed bool
	cancel context.CancelFunc
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(log *logging.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithOutbox sets the persistent offline queue. Defaults to an in-memory
// outbox with DefaultOutboxCapacity.
func WithOutbox(ob Outbox) Option {
	return func(p *Pool) { p.outbox = ob }
}

// WithRegisterer registers pool metrics on the given prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pool) { p.meters = newMeters(reg) }
}

// New creates a pool over the given endpoints. Connect must be called before
// use.
func New(endpoints []Endpoint, opts ...Option) *Pool {
	p := &Pool{
		seen:   newSeenSet(defaultSeenCapacity),
		subs:   make(map[string]*subscription),
		tracer: otel.Tracer("relaypool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logging.New(nil).WithComponent("relaypool")
	}
	if p.outbox == nil {
		p.outbox = NewMemoryOutbox(DefaultOutboxCapacity)
	}
	if p.meters == nil {
		p.meters = newMeters(nil)
	}
	for _, ep := range endpoints {
		p.conns = append(p.conns, newConn(p, ep))
	}
	return p
}

// Connect starts connection managers for every endpoint. Each endpoint
// reconnects independently with backoff; a dead relay never blocks the rest.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, c := range p.conns {
		go c.run(runCtx)
	}
	return nil
}

// Publish sends a signed event to every connected endpoint. With no live
// endpoint the event is appended to the outbox and flushed on the next
// successful connection; only a full outbox is an error.
func (p *Pool) Publish(ctx context.Context, ev *event.Event) error {
	_, span := p.tracer.Start(ctx, "relaypool.Publish",
		trace.WithAttributes(attribute.String("event.kind", ev.Kind.String())))
	defer span.End()

	if err := ev.Verify(); err != nil {
		return errors.Join(ErrMalformedEvent, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	live := p.liveConnsLocked()
	p.mu.Unlock()

	if len(live) == 0 {
		return p.enqueue(ev)
	}

	delivered := 0
	for _, c := range live {
		if err := c.sendEvent(ev); err != nil {
			p.log.Debug("publish to endpoint failed", "endpoint", c.endpoint.URL, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return p.enqueue(ev)
	}
	p.meters.published.Inc()
	return nil
}

func (p *Pool) enqueue(ev *event.Event) error {
	if err := p.outbox.Append(ev); err != nil {
		if errors.Is(err, ErrOutboxFull) {
			return ErrOutboxFull
		}
		return err
	}
	p.meters.queued.Inc()
	p.log.Debug("event queued to outbox", "event_id", ev.ID)
	return nil
}

// Subscribe registers a filter and returns a channel of matching events plus
// a cancel function. The subscription is re-issued to every endpoint after
// each reconnect, so it survives relay failures.
func (p *Pool) Subscribe(ctx context.Context, filter event.Filter) (<-chan *event.Event, func()) {
	sub := &subscription{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan *event.Event, DefaultSubscriptionBuffer),
	}

	p.mu.Lock()
	p.subs[sub.id] = sub
	live := p.liveConnsLocked()
	p.mu.Unlock()

	for _, c := range live {
		if err := c.sendReq(sub.id, filter); err != nil {
			p.log.Debug("subscribe on endpoint failed", "endpoint", c.endpoint.URL, "error", err)
		}
	}

	cancel := func() { p.unsubscribe(sub.id) }
	if ctx != nil {
		go func() {
			<-ctx.Done()
			p.unsubscribe(sub.id)
		}()
	}
	return sub.ch, cancel
}

func (p *Pool) unsubscribe(id string) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
	}
	live := p.liveConnsLocked()
	p.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range live {
		_ = c.sendClose(id)
	}
	close(sub.ch)
}

// dispatch handles an inbound event from any endpoint: verify, de-duplicate,
// route to matching subscriptions. Duplicate ids from multiple endpoints or
// redeliveries are suppressed here.
func (p *Pool) dispatch(ev *event.Event) {
	if err := ev.Verify(); err != nil {
		p.meters.malformed.Inc()
		p.log.Warn("dropping unverifiable event", "event_id", ev.ID, "error", err)
		return
	}
	if !p.seen.add(ev.ID) {
		p.meters.duplicates.Inc()
		return
	}
	p.meters.received.Inc()

	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		if !s.filter.Matches(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			p.log.Warn("subscription buffer full, dropping",
				"subscription", s.id, "event_id", ev.ID)
		}
	}
}

// onConnected re-issues every active subscription on the fresh connection
// and flushes the outbox through it.
func (p *Pool) onConnected(c *conn) {
	p.meters.reconnects.Inc()

	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		if err := c.sendReq(s.id, s.filter); err != nil {
			p.log.Debug("resubscribe failed", "endpoint", c.endpoint.URL, "error", err)
			return
		}
	}
	p.flushOutbox(c)
}

func (p *Pool) flushOutbox(c *conn) {
	for {
		batch, err := p.outbox.Drain(32)
		if err != nil {
			p.log.Error("outbox drain failed", "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		for i, ev := range batch {
			if err := c.sendEvent(ev); err != nil {
				// Requeue what we could not send; delivery is
				// at-least-once, never lossy.
				for _, rest := range batch[i:] {
					_ = p.outbox.Append(rest)
				}
				return
			}
			p.meters.published.Inc()
		}
	}
}

// Health classifies current connectivity for diagnostics. It never gates
// correctness.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := 0
	var worst time.Duration
	for _, c := range p.conns {
		if !c.isLive() {
			continue
		}
		live++
		if rtt := c.rtt(); rtt > worst {
			worst = rtt
		}
	}
	return classify(live, len(p.conns), worst)
}

// Close tears down all connections and subscriptions. The outbox is left
// intact for the next session.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	subs := p.subs
	p.subs = make(map[string]*subscription)
	conns := p.conns
	p.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
	for _, c := range conns {
		c.close()
	}
	return p.outbox.Close()
}

func (p *Pool) liveConnsLocked() []*conn {
	live := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		if c.isLive() {
			live = append(live, c)
		}
	}
	return live
}
