// Package relay implements the reference push-channel server: a hub that
// tracks per-client subscription intents and fans envelopes out to the
// clients whose intents match. It exists for local development and for the
// test suite; production deployments run the mission backend.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sarlink/sarlink/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 256 * 1024

	// Per-client send queue; slow readers drop messages past this.
	sendQueueSize = 64
)

// intent is one subscription scope a client asked for. Empty scoping
// fields match any value.
type intent struct {
	messageType string
	missionID   string
	droneID     string
}

func (i intent) matches(env *protocol.Envelope) bool {
	if i.messageType != env.Type {
		return false
	}
	if i.missionID != "" && i.missionID != env.MissionID {
		return false
	}
	if i.droneID != "" && i.droneID != env.DroneID {
		return false
	}
	return true
}

// client represents one WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Mutated only on the hub loop.
	intents map[intent]struct{}
}

func (c *client) wantsEnvelope(env *protocol.Envelope) bool {
	for i := range c.intents {
		if i.matches(env) {
			return true
		}
	}
	return false
}

type inboundEnvelope struct {
	client *client
	env    *protocol.Envelope
}

// Hub maintains active connections and routes envelopes between them.
type Hub struct {
	log   zerolog.Logger
	store *Store

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	inbound    chan *inboundEnvelope
}

// NewHub creates a new Hub. store may be nil to disable journaling.
func NewHub(log zerolog.Logger, store *Store) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		store:      store,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan *inboundEnvelope, 256),
	}
}

// Run is the hub's main loop. All client and subscription state is owned
// by this goroutine. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.log.Debug().Str("id", c.id).Msg("client registered")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.log.Debug().Str("id", c.id).Msg("client unregistered")

		case msg := <-h.inbound:
			h.handleEnvelope(msg.client, msg.env)
		}
	}
}

func (h *Hub) handleEnvelope(c *client, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSubscription:
		var payload protocol.SubscriptionPayload
		if err := env.DecodePayload(&payload); err != nil {
			h.log.Warn().Err(err).Str("id", c.id).Msg("failed to parse subscription payload")
			return
		}
		key := intent{
			messageType: payload.MessageType,
			missionID:   payload.MissionID,
			droneID:     payload.DroneID,
		}
		switch payload.Action {
		case protocol.ActionSubscribe:
			c.intents[key] = struct{}{}
		case protocol.ActionUnsubscribe:
			delete(c.intents, key)
		default:
			h.log.Warn().Str("action", payload.Action).Msg("unknown subscription action")
			return
		}
		h.log.Debug().
			Str("id", c.id).
			Str("action", payload.Action).
			Str("message_type", payload.MessageType).
			Str("mission_id", payload.MissionID).
			Str("drone_id", payload.DroneID).
			Msg("subscription updated")

	case protocol.TypeHeartbeat:
		// Liveness only; nothing to route.

	default:
		h.routeEnvelope(c, env)
	}
}

// routeEnvelope journals an event and delivers it to every other client
// with a matching intent.
func (h *Hub) routeEnvelope(from *client, env *protocol.Envelope) {
	if h.store != nil {
		if err := h.store.Append(env); err != nil {
			h.log.Error().Err(err).Str("type", env.Type).Msg("failed to journal event")
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal envelope")
		return
	}

	for c := range h.clients {
		if c == from || !c.wantsEnvelope(env) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn().Str("id", c.id).Msg("send queue full, dropping message")
		}
	}
}

// Publish injects an envelope as if a connected client had sent it, for
// server-originated events such as system status.
func (h *Hub) Publish(env *protocol.Envelope) {
	h.inbound <- &inboundEnvelope{client: &client{intents: map[intent]struct{}{}}, env: env}
}

// readPump reads envelopes from one connection and forwards them to the
// hub loop. Malformed frames are logged and skipped.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("id", c.id).Msg("read error")
			}
			return
		}

		// Any traffic proves liveness, not just pongs.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.hub.log.Warn().Err(err).Str("id", c.id).Msg("failed to parse envelope")
			continue
		}
		c.hub.inbound <- &inboundEnvelope{client: c, env: &env}
	}
}

// writePump writes queued messages and periodic pings to one connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
