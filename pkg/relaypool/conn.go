package relaypool

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/potluck-btc/potluck/pkg/event"
)

// Priority tiers endpoints for reconnection ordering. Authority is never
// tiered; every endpoint is equally untrusted.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// Endpoint is one relay address.
type Endpoint struct {
	URL      string
	Priority Priority
}

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
	pingPeriod  = 25 * time.Second
	writeWait   = 10 * time.Second
)

// dialStagger offsets initial dials so higher tiers connect first.
func (pr Priority) dialStagger() time.Duration {
	return time.Duration(pr) * 500 * time.Millisecond
}

// backoffDelay returns the exponential delay for a reconnect attempt with
// full jitter, capped at backoffCap.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return time.Duration(rand.Int63n(int64(d))) + backoffBase/2
}

// conn manages one endpoint: dial, read loop, reconnect with backoff.
type conn struct {
	pool     *Pool
	endpoint Endpoint

	writeMu sync.Mutex
	ws      *websocket.Conn

	live     atomic.Bool
	rttNanos atomic.Int64
	done     chan struct{}
	once     sync.Once
}

func newConn(p *Pool, ep Endpoint) *conn {
	return &conn{pool: p, endpoint: ep, done: make(chan struct{})}
}

func (c *conn) isLive() bool        { return c.live.Load() }
func (c *conn) rtt() time.Duration  { return time.Duration(c.rttNanos.Load()) }

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
	c.writeMu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.writeMu.Unlock()
}

// run dials and re-dials the endpoint until the context is cancelled.
// Endpoint failures are never fatal; they only downgrade health.
func (c *conn) run(ctx context.Context) {
	if !sleepCtx(ctx, c.done, c.endpoint.Priority.dialStagger()) {
		return
	}

	attempt := 0
	for {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint.URL, nil)
		if err != nil {
			c.pool.log.Debug("relay dial failed",
				"endpoint", c.endpoint.URL, "attempt", attempt, "error", err)
			if !sleepCtx(ctx, c.done, backoffDelay(attempt)) {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		c.writeMu.Lock()
		c.ws = ws
		c.writeMu.Unlock()
		c.live.Store(true)
		c.pool.log.Info("relay connected", "endpoint", c.endpoint.URL)
		c.pool.onConnected(c)

		stopPing := make(chan struct{})
		go c.pingLoop(ws, stopPing)

		c.readLoop(ws)

		close(stopPing)
		c.live.Store(false)
		c.writeMu.Lock()
		c.ws = nil
		c.writeMu.Unlock()
		_ = ws.Close()
		c.pool.log.Warn("relay disconnected", "endpoint", c.endpoint.URL)

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		if !sleepCtx(ctx, c.done, backoffDelay(attempt)) {
			return
		}
		attempt++
	}
}

func (c *conn) pingLoop(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			start := time.Now()
			deadline := time.Now().Add(writeWait)
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, deadline)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
			// RTT approximation from the control write round; a pong
			// handler cannot carry the send timestamp portably.
			c.rttNanos.Store(int64(time.Since(start)))
		}
	}
}

// readLoop parses inbound frames until the connection errors. Malformed
// frames are counted and dropped, never fatal.
func (c *conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			c.pool.meters.malformed.Inc()
			continue
		}
		var typ string
		if err := json.Unmarshal(frame[0], &typ); err != nil {
			c.pool.meters.malformed.Inc()
			continue
		}

		switch typ {
		case "EVENT":
			// ["EVENT", subID, event]
			if len(frame) < 3 {
				c.pool.meters.malformed.Inc()
				continue
			}
			var ev event.Event
			if err := json.Unmarshal(frame[2], &ev); err != nil {
				c.pool.meters.malformed.Inc()
				continue
			}
			c.pool.dispatch(&ev)
		case "OK":
			// ["OK", eventID, accepted, message] — informational.
		case "EOSE":
			// End of stored events for a subscription; live events follow.
		case "NOTICE":
			var msg string
			if len(frame) >= 2 {
				_ = json.Unmarshal(frame[1], &msg)
			}
			c.pool.log.Debug("relay notice", "endpoint", c.endpoint.URL, "notice", msg)
		}
	}
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return ErrAllEndpointsDown
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) sendEvent(ev *event.Event) error {
	return c.writeJSON([]any{"EVENT", ev})
}

func (c *conn) sendReq(subID string, filter event.Filter) error {
	return c.writeJSON([]any{"REQ", subID, filter})
}

func (c *conn) sendClose(subID string) error {
	return c.writeJSON([]any{"CLOSE", subID})
}

// sleepCtx waits for d, returning false if the context or conn closed first.
func sleepCtx(ctx context.Context, done chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case <-t.C:
		return true
	}
}
