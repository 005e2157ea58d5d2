package socket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

func noop(context.Context, *wire.Message) error { return nil }

func newTestClient() *Client {
	return NewClient("ws://localhost:0/socket", wire.NewDispatcher(), logger.Default())
}

func TestManagerConnect(t *testing.T) {
	t.Run("registers the handler set", func(t *testing.T) {
		m := NewManager(logger.Default())
		client := newTestClient()

		m.Connect(client, "sock-1", map[string]wire.HandlerFunc{
			wire.EventSessionMessage: noop,
			wire.EventSessionStop:    noop,
		}, nil)

		assert.Equal(t, "sock-1", m.SocketID())
		assert.True(t, client.Dispatcher().HasHandler(wire.EventSessionMessage))
		assert.True(t, client.Dispatcher().HasHandler(wire.EventSessionStop))
	})

	t.Run("re-registering the same id replaces the handlers", func(t *testing.T) {
		m := NewManager(logger.Default())
		client := newTestClient()

		cleanups := 0
		m.Connect(client, "sock-1", map[string]wire.HandlerFunc{
			wire.EventSessionMessage: noop,
		}, func() { cleanups++ })

		m.Connect(client, "sock-1", map[string]wire.HandlerFunc{
			wire.EventSessionStop: noop,
		}, nil)

		assert.Equal(t, 1, cleanups)
		assert.False(t, client.Dispatcher().HasHandler(wire.EventSessionMessage))
		assert.True(t, client.Dispatcher().HasHandler(wire.EventSessionStop))
		assert.Equal(t, 1, client.Dispatcher().HandlerCount())
	})

	t.Run("a new id displaces the previous registration", func(t *testing.T) {
		m := NewManager(logger.Default())
		old := newTestClient()
		fresh := newTestClient()

		oldTornDown := false
		m.Connect(old, "sock-1", map[string]wire.HandlerFunc{
			wire.EventSessionMessage: noop,
		}, func() { oldTornDown = true })

		m.Connect(fresh, "sock-2", map[string]wire.HandlerFunc{
			wire.EventSessionMessage: noop,
		}, nil)

		assert.True(t, oldTornDown)
		assert.Equal(t, "sock-2", m.SocketID())
		assert.False(t, old.Dispatcher().HasHandler(wire.EventSessionMessage))
		assert.True(t, fresh.Dispatcher().HasHandler(wire.EventSessionMessage))
	})
}

func TestManagerDisconnect(t *testing.T) {
	m := NewManager(logger.Default())
	client := newTestClient()

	cleanups := 0
	m.Connect(client, "sock-1", map[string]wire.HandlerFunc{
		wire.EventSessionMessage: noop,
	}, func() { cleanups++ })

	m.Disconnect()
	assert.Equal(t, 1, cleanups)
	assert.Empty(t, m.SocketID())
	assert.False(t, m.IsConnected())
	assert.False(t, client.Dispatcher().HasHandler(wire.EventSessionMessage))

	// Idempotent.
	m.Disconnect()
	assert.Equal(t, 1, cleanups)
}

func TestManagerIsConnected(t *testing.T) {
	m := NewManager(logger.Default())
	require.False(t, m.IsConnected())

	// A registration alone is not enough: the transport must be up too.
	m.Connect(newTestClient(), "sock-1", nil, nil)
	assert.False(t, m.IsConnected())
}
