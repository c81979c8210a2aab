package relayserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/potluck-btc/potluck/pkg/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 512 * 1024
	// sendBuffer bounds per-client queueing; a client that cannot drain
	// this is disconnected rather than allowed to stall the hub.
	sendBuffer = 256
)

// client is one websocket connection with its subscriptions.
type client struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte

	mu   sync.Mutex
	subs map[string]*event.Filter

	closeOnce sync.Once
}

func newClient(s *Server, ws *websocket.Conn) *client {
	return &client{
		server: s,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		subs:   make(map[string]*event.Filter),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.server.removeClient(c)
	})
}

// deliver queues an event for every matching subscription. A full send
// buffer drops the frame; the client catches up through backlog replay.
func (c *client) deliver(ev *event.Event) {
	c.mu.Lock()
	var frames [][]byte
	for subID, f := range c.subs {
		if !f.Matches(ev) {
			continue
		}
		frame, err := json.Marshal([]any{"EVENT", subID, ev})
		if err != nil {
			continue
		}
		frames = append(frames, frame)
	}
	c.mu.Unlock()

	for _, frame := range frames {
		select {
		case c.send <- frame:
		default:
			c.server.meters.dropped.Inc()
		}
	}
}

func (c *client) enqueue(frame []any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.meters.dropped.Inc()
	}
}

func (c *client) writePump() {
	defer func() { _ = c.ws.Close() }()
	for data := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPingHandler(func(appData string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(ctx, data)
	}
}

func (c *client) handleFrame(ctx context.Context, data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		c.enqueue([]any{"NOTICE", "malformed frame"})
		return
	}
	var typ string
	if err := json.Unmarshal(frame[0], &typ); err != nil {
		c.enqueue([]any{"NOTICE", "malformed frame"})
		return
	}

	switch typ {
	case "EVENT":
		var ev event.Event
		if err := json.Unmarshal(frame[1], &ev); err != nil {
			c.enqueue([]any{"NOTICE", "malformed event"})
			return
		}
		accepted, reason := c.server.ingest(ctx, &ev)
		c.enqueue([]any{"OK", ev.ID, accepted, reason})

	case "REQ":
		if len(frame) < 3 {
			c.enqueue([]any{"NOTICE", "REQ needs a subscription id and filter"})
			return
		}
		var subID string
		var filter event.Filter
		if err := json.Unmarshal(frame[1], &subID); err != nil || subID == "" {
			c.enqueue([]any{"NOTICE", "bad subscription id"})
			return
		}
		if err := json.Unmarshal(frame[2], &filter); err != nil {
			c.enqueue([]any{"NOTICE", "bad filter"})
			return
		}
		c.mu.Lock()
		c.subs[subID] = &filter
		c.mu.Unlock()
		c.replay(ctx, subID, &filter)

	case "CLOSE":
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()

	default:
		c.enqueue([]any{"NOTICE", "unknown frame type"})
	}
}

// replay sends retained events for a new subscription, then EOSE to mark
// the transition to live delivery.
func (c *client) replay(ctx context.Context, subID string, f *event.Filter) {
	stored, err := c.server.backlog.Replay(ctx, f)
	if err != nil {
		c.server.log.Warn("backlog replay failed", "sub", subID, "error", err)
	}
	for _, ev := range stored {
		c.enqueue([]any{"EVENT", subID, ev})
	}
	c.enqueue([]any{"EOSE", subID})
}
