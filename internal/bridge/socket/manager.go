package socket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

// Manager enforces a single active connection identity. Registering a new
// socket id disconnects the previous one; re-registering the same id first
// cleans up the old handler set so handlers are never doubled.
type Manager struct {
	mu       sync.Mutex
	client   *Client
	socketID string
	events   []string
	cleanup  func()
	logger   *logger.Logger
}

// NewManager creates an empty manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger: log.WithFields(zap.String("component", "socket-manager")),
	}
}

// Connect binds a client under a socket id and registers its handler set.
// cleanup runs when this registration is torn down.
func (m *Manager) Connect(client *Client, socketID string, handlers map[string]wire.HandlerFunc, cleanup func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		if m.socketID != socketID {
			m.logger.Warn("duplicate socket connection, disconnecting previous",
				zap.String("previous_socket_id", m.socketID),
				zap.String("socket_id", socketID))
		}
		m.teardownLocked()
	}

	dispatcher := client.Dispatcher()
	events := make([]string, 0, len(handlers))
	for event, h := range handlers {
		dispatcher.RegisterFunc(event, h)
		events = append(events, event)
	}

	m.client = client
	m.socketID = socketID
	m.events = events
	m.cleanup = cleanup

	m.logger.Info("socket registered",
		zap.String("socket_id", socketID),
		zap.Int("handlers", len(handlers)))
}

// Disconnect tears down the current registration. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

// teardownLocked runs under m.mu.
func (m *Manager) teardownLocked() {
	if m.client == nil {
		return
	}

	if m.cleanup != nil {
		m.cleanup()
	}
	dispatcher := m.client.Dispatcher()
	for _, event := range m.events {
		dispatcher.Unregister(event)
	}

	m.logger.Info("socket unregistered", zap.String("socket_id", m.socketID))
	m.client = nil
	m.socketID = ""
	m.events = nil
	m.cleanup = nil
}

// IsConnected reports whether a registration exists and its transport is
// up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil && m.client.IsConnected()
}

// SocketID returns the current registration's id, empty when disconnected.
func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}
