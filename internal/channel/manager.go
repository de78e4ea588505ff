// Package channel maintains the single push-channel connection to the
// mission server and fans incoming envelopes out to topic subscribers.
//
// The application constructs one Manager at startup and hands it by
// reference to every consumer; UI and service modules never touch the
// socket directly.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sarlink/sarlink/internal/config"
	"github.com/sarlink/sarlink/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
)

// ErrInterrupted is returned by Connect when Disconnect is called before
// the connection finishes opening.
var ErrInterrupted = errors.New("channel: disconnected before the connection completed")

// Manager owns the push-channel connection: connect/reconnect with backoff,
// periodic liveness heartbeats, envelope decoding, and dispatch to the
// subscription registry.
type Manager struct {
	cfg *config.Config
	log zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	connID    uint64 // increments per connection; stale read loops check it
	listeners []*stateListener
	reg       *registry

	// Reconnection
	attempts       int
	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	manualClose    bool

	heartbeatStop chan struct{}

	// Serializes socket writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

type stateListener struct {
	fn func(State)
}

// New creates a Manager. It does not connect; call Connect.
func New(cfg *config.Config, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		log:     log.With().Str("component", "channel").Logger(),
		reg:     newRegistry(),
		backoff: newReconnectBackoff(cfg),
	}
}

// newReconnectBackoff builds the reconnect delay schedule: base, base*2,
// base*4, ... capped at the max delay. Delays follow the doubling schedule
// exactly unless jitter is configured.
func newReconnectBackoff(cfg *config.Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	if cfg.ReconnectJitter {
		b.RandomizationFactor = 0.25
	}
	b.Reset()
	return b
}

// Connect opens the push channel and blocks until the socket is open or the
// handshake fails. Calling it while connected or connecting is a no-op. It
// also resets the reconnect counter, so it is the manual retry path out of
// StateFailed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.manualClose = false
	m.attempts = 0
	m.backoff.Reset()
	m.cancelReconnectLocked()
	m.state = StateConnecting
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()
	m.notify(listeners, StateConnecting)

	conn, err := m.dial(ctx)
	if err != nil {
		m.transition(StateDisconnected)
		return err
	}
	return m.finishConnect(conn)
}

// Disconnect closes the socket with a normal-closure code and suppresses
// automatic reconnection until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	m.cancelReconnectLocked()
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(closeGracePeriod)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		conn.Close()
	}
	m.transition(StateDisconnected)
}

// Send writes an envelope if connected. It returns false, without queueing,
// when the channel is down; callers decide whether that warrants a warning.
func (m *Manager) Send(env *protocol.Envelope) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return false
	}
	if err := m.writeEnvelope(conn, env); err != nil {
		m.log.Debug().Err(err).Str("type", env.Type).Msg("send failed")
		return false
	}
	return true
}

// SubscribeOption narrows a subscription to a specific entity.
type SubscribeOption func(*subKey)

// WithMission limits a subscription to envelopes for one mission.
func WithMission(missionID string) SubscribeOption {
	return func(k *subKey) { k.missionID = missionID }
}

// WithDrone limits a subscription to envelopes for one drone.
func WithDrone(droneID string) SubscribeOption {
	return func(k *subKey) { k.droneID = droneID }
}

// Subscribe registers a handler for a topic, optionally scoped to a mission
// and/or drone. A subscribe-intent is sent upstream immediately when
// connected, and replayed after every reconnect while the subscription is
// active. The returned function removes this one handler; when it was the
// last handler for its key, an unsubscribe-intent is sent. Calling it more
// than once is a safe no-op.
func (m *Manager) Subscribe(topic string, handler Handler, opts ...SubscribeOption) (unsubscribe func()) {
	key := subKey{topic: topic}
	for _, opt := range opts {
		opt(&key)
	}

	m.mu.Lock()
	sub := m.reg.add(key, handler)
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		m.sendIntent(protocol.ActionSubscribe, key)
	}

	return func() {
		m.mu.Lock()
		last := m.reg.remove(sub)
		connected := m.state == StateConnected
		m.mu.Unlock()
		if last && connected {
			m.sendIntent(protocol.ActionUnsubscribe, key)
		}
	}
}

// OnConnectionChange registers a listener invoked with the new state on
// every transition, in registration order. The returned function removes
// the listener.
func (m *Manager) OnConnectionChange(fn func(State)) (unsubscribe func()) {
	l := &stateListener{fn: fn}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, cur := range m.listeners {
			if cur == l {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the channel is up.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// dial opens the socket with the bearer token attached to the handshake.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, m.cfg.ServerURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			m.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return nil, err
	}
	return conn, nil
}

// finishConnect installs the open socket: reset the reconnect counter,
// start the heartbeat, replay subscribe-intents, then notify listeners.
func (m *Manager) finishConnect(conn *websocket.Conn) error {
	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		conn.Close()
		return ErrInterrupted
	}
	m.conn = conn
	m.connID++
	id := m.connID
	m.attempts = 0
	m.backoff.Reset()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	intents := m.reg.keys()
	m.mu.Unlock()

	go m.heartbeatLoop(stop)

	// The server forgets subscriptions across connections.
	for _, key := range intents {
		m.sendIntent(protocol.ActionSubscribe, key)
	}

	m.transition(StateConnected)

	go m.readLoop(conn, id)
	return nil
}

// readLoop reads until the socket dies; decoding and dispatch happen
// inline, so envelopes reach handlers in transport order.
func (m *Manager) readLoop(conn *websocket.Conn, id uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, id, err)
			return
		}
		m.dispatch(data)
	}
}

// handleClose tears down a dead connection and, unless the close was
// manual, schedules a reconnect.
func (m *Manager) handleClose(conn *websocket.Conn, id uint64, err error) {
	m.mu.Lock()
	if m.connID != id {
		// A newer connection replaced this one.
		m.mu.Unlock()
		return
	}
	if m.conn == conn {
		m.conn = nil
	}
	m.stopHeartbeatLocked()
	manual := m.manualClose
	m.mu.Unlock()

	conn.Close()

	if manual {
		return // Disconnect already notified listeners
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.log.Warn().Err(err).Msg("connection lost")
	} else {
		m.log.Info().Err(err).Msg("connection closed by server")
	}

	m.transition(StateDisconnected)
	m.scheduleReconnect()
}

// scheduleReconnect increments the attempt counter and either arms the
// reconnect timer or, past the cap, enters the terminal failure state.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.attempts > m.cfg.MaxReconnectAttempts {
		exhausted := m.attempts - 1
		m.mu.Unlock()
		m.log.Error().Int("attempts", exhausted).Msg("reconnect attempts exhausted")
		m.transition(StateFailed)
		return
	}
	delay := m.backoff.NextBackOff()
	attempt := m.attempts
	m.cancelReconnectLocked()
	m.reconnectTimer = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

// reconnect is the timer callback for one reconnection attempt.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.manualClose || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()
	m.notify(listeners, StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	conn, err := m.dial(ctx)
	cancel()
	if err != nil {
		m.log.Warn().Err(err).Msg("reconnect attempt failed")
		m.transition(StateDisconnected)
		m.scheduleReconnect()
		return
	}
	if err := m.finishConnect(conn); err != nil {
		m.transition(StateDisconnected)
	}
}

// dispatch decodes one raw message and delivers it to every matching
// subscriber exactly once. Malformed messages are dropped and logged;
// heartbeats are discarded without dispatch.
func (m *Manager) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.log.Error().Err(err).Str("data", string(data)).Msg("dropping malformed message")
		return
	}
	if env.Type == "" {
		m.log.Error().Str("data", string(data)).Msg("dropping message without type")
		return
	}
	if env.Type == protocol.TypeHeartbeat {
		return
	}

	m.mu.Lock()
	matched := m.reg.match(&env)
	m.mu.Unlock()

	for _, sub := range matched {
		m.mu.Lock()
		alive := sub.active
		m.mu.Unlock()
		if !alive {
			// Unsubscribed while this dispatch cycle was in flight.
			continue
		}
		m.invoke(sub, &env)
	}
}

// invoke calls one handler; a panicking handler must not block delivery to
// the others or take down the read loop.
func (m *Manager) invoke(sub *subscription, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Interface("panic", r).
				Str("topic", sub.key.topic).
				Str("type", env.Type).
				Msg("subscriber handler panicked")
		}
	}()
	sub.handler(env)
}

// heartbeatLoop sends a liveness envelope every interval while the
// connection is up. The heartbeat exists to keep proxies and load balancers
// from idling out the connection; the socket's own close detection is the
// sole liveness signal.
func (m *Manager) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return
			}
			m.mu.Lock()
			conn := m.conn
			m.mu.Unlock()
			if conn == nil {
				return
			}
			if err := m.writeEnvelope(conn, env); err != nil {
				m.log.Debug().Err(err).Msg("heartbeat send failed")
				return
			}
		}
	}
}

// sendIntent tells the server about a subscription change. Failures are
// logged only; active intents are replayed on the next connect anyway.
func (m *Manager) sendIntent(action string, key subKey) {
	env, err := protocol.NewEnvelope(protocol.TypeSubscription, protocol.SubscriptionPayload{
		Action:      action,
		MessageType: key.topic,
		MissionID:   key.missionID,
		DroneID:     key.droneID,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("failed to encode subscribe-intent")
		return
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := m.writeEnvelope(conn, env); err != nil {
		m.log.Debug().Err(err).Str("action", action).Str("topic", key.topic).Msg("subscribe-intent send failed")
	}
}

func (m *Manager) writeEnvelope(conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// transition updates the state and notifies listeners in registration
// order. Listeners run outside the lock so they may call back into the
// Manager.
func (m *Manager) transition(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()
	m.notify(listeners, next)
}

func (m *Manager) snapshotListenersLocked() []*stateListener {
	listeners := make([]*stateListener, len(m.listeners))
	copy(listeners, m.listeners)
	return listeners
}

func (m *Manager) notify(listeners []*stateListener, next State) {
	m.log.Debug().Stringer("state", next).Msg("connection state changed")
	for _, l := range listeners {
		l.fn(next)
	}
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}
