package channel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sarlink/sarlink/internal/protocol"
)

// mockRelay simulates the push-channel server for testing.
type mockRelay struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	messages []protocol.Envelope
}

func newMockRelay(t *testing.T) *mockRelay {
	m := &mockRelay{
		t: t,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWS))
	return m
}

// URL returns the WebSocket URL for the mock relay.
func (m *mockRelay) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws"
}

// Close shuts down the mock relay and all its connections.
func (m *mockRelay) Close() {
	m.mu.Lock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

func (m *mockRelay) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer test-token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		m.mu.Lock()
		m.messages = append(m.messages, env)
		m.mu.Unlock()
	}
}

// connCount returns how many connections the relay has accepted.
func (m *mockRelay) connCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// push sends an envelope to the newest client connection.
func (m *mockRelay) push(env *protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		m.t.Fatal("push: no client connection")
	}
	conn := m.conns[len(m.conns)-1]
	data, err := json.Marshal(env)
	if err != nil {
		m.t.Fatalf("push: marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.t.Fatalf("push: write: %v", err)
	}
}

// pushRaw sends raw bytes to the newest client connection.
func (m *mockRelay) pushRaw(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		m.t.Fatal("pushRaw: no client connection")
	}
	conn := m.conns[len(m.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.t.Fatalf("pushRaw: write: %v", err)
	}
}

// dropConnections abruptly closes every client connection, simulating an
// unexpected connection loss.
func (m *mockRelay) dropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
}

// messagesOfType returns received envelopes of a specific type.
func (m *mockRelay) messagesOfType(msgType string) []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []protocol.Envelope
	for _, env := range m.messages {
		if env.Type == msgType {
			result = append(result, env)
		}
	}
	return result
}

// waitForMessage waits until a message of the given type arrives.
func (m *mockRelay) waitForMessage(msgType string, timeout time.Duration) (*protocol.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msgs := m.messagesOfType(msgType); len(msgs) > 0 {
			return &msgs[0], nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, fmt.Errorf("no %q message within %v", msgType, timeout)
}

// waitFor polls a condition until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
