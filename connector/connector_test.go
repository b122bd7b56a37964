package connector

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/internal/brokertest"
)

func TestNew(t *testing.T) {
	t.Run("requires a factory", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("rejects invalid configuration", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ConcurrentConsumers = 0
		_, err := New(&brokertest.Factory{}, WithConfig(cfg))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("accepts a resolver instead of a factory", func(t *testing.T) {
		factory := &brokertest.Factory{}
		calls := 0
		c, err := New(nil, WithFactoryResolver(func(ctx context.Context) (broker.ConnectionFactory, error) {
			calls++
			return factory, nil
		}))
		require.NoError(t, err)
		defer c.Dispose()

		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Disconnect(context.Background()))
		require.NoError(t, c.Connect(context.Background()))

		assert.Equal(t, 2, calls)
		assert.Equal(t, 2, factory.Count())
	})

	t.Run("logs with the connector name", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		cfg := DefaultConfig()
		cfg.Name = "orders"

		c, err := New(&brokertest.Factory{}, WithConfig(cfg), WithLogger(logger))
		require.NoError(t, err)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Dispose())

		assert.Contains(t, buf.String(), "connector=orders")
		assert.Contains(t, buf.String(), "connected to broker")
	})
}

func TestConnect(t *testing.T) {
	t.Run("connect is idempotent", func(t *testing.T) {
		c, factory := newConnectedConnector(t, nil)
		require.NoError(t, c.Connect(context.Background()))

		assert.Equal(t, 1, factory.Count())
		assert.True(t, c.IsConnected())
		assert.Equal(t, StateConnected, c.State().Lifecycle)
	})

	t.Run("factory failure is a connect error", func(t *testing.T) {
		factory := &brokertest.Factory{Err: brokertest.ErrBoom}
		c, err := New(factory)
		require.NoError(t, err)
		defer c.Dispose()

		err = c.Connect(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConnectFailed)
		assert.ErrorIs(t, err, brokertest.ErrBoom)

		var connectErr *ConnectError
		require.ErrorAs(t, err, &connectErr)
		assert.Equal(t, "connect", connectErr.Op)
		assert.False(t, c.IsConnected())
		assert.Equal(t, StateUninitialised, c.State().Lifecycle)
	})

	t.Run("setup failure closes the connection", func(t *testing.T) {
		factory := &brokertest.Factory{Configure: func(conn *brokertest.Connection) {
			conn.ClientIDErr = brokertest.ErrBoom
		}}
		cfg := DefaultConfig()
		cfg.ClientID = "client-1"
		c, err := New(factory, WithConfig(cfg))
		require.NoError(t, err)
		defer c.Dispose()

		err = c.Connect(context.Background())
		assert.ErrorIs(t, err, ErrConnectFailed)
		assert.True(t, factory.Last().IsClosed())
		assert.False(t, c.IsConnected())
	})

	t.Run("listener failure closes the connection", func(t *testing.T) {
		factory := &brokertest.Factory{Configure: func(conn *brokertest.Connection) {
			conn.ListenerErr = brokertest.ErrBoom
		}}
		c, err := New(factory)
		require.NoError(t, err)
		defer c.Dispose()

		assert.ErrorIs(t, c.Connect(context.Background()), ErrConnectFailed)
		assert.True(t, factory.Last().IsClosed())
	})

	t.Run("client id is only set when it differs", func(t *testing.T) {
		factory := &brokertest.Factory{Configure: func(conn *brokertest.Connection) {
			require.NoError(t, conn.SetClientID("client-1"))
			// a second set would fail, as it does on strict clients
			conn.ClientIDErr = brokertest.ErrBoom
		}}
		cfg := DefaultConfig()
		cfg.ClientID = "client-1"
		c, err := New(factory, WithConfig(cfg))
		require.NoError(t, err)
		defer c.Dispose()

		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, "client-1", c.Connection().ClientID())
	})

	t.Run("error listener is registered unless embedded", func(t *testing.T) {
		c, factory := newConnectedConnector(t, nil)
		assert.Same(t, c, factory.Last().ErrorListener())

		embedded, embeddedFactory := newConnectedConnector(t, func(cfg *Config) { cfg.EmbeddedMode = true })
		assert.Nil(t, embeddedFactory.Last().ErrorListener())
		assert.True(t, embedded.IsConnected())
	})

	t.Run("existing error listener is kept", func(t *testing.T) {
		existing := broker.ErrorListenerFunc(func(error) {})
		factory := &brokertest.Factory{Configure: func(conn *brokertest.Connection) {
			require.NoError(t, conn.SetErrorListener(existing))
		}}
		c, err := New(factory)
		require.NoError(t, err)
		defer c.Dispose()

		require.NoError(t, c.Connect(context.Background()))
		assert.IsType(t, broker.ErrorListenerFunc(nil), factory.Last().ErrorListener())
	})

	t.Run("credentials only without session caching", func(t *testing.T) {
		_, cached := newConnectedConnector(t, func(cfg *Config) {
			cfg.Username = "guest"
			cfg.Password = "secret"
		})
		assert.Nil(t, cached.Credentials[0])

		_, uncached := newConnectedConnector(t, func(cfg *Config) {
			cfg.Username = "guest"
			cfg.Password = "secret"
			cfg.CacheSessions = false
		})
		require.NotNil(t, uncached.Credentials[0])
		assert.Equal(t, "guest", uncached.Credentials[0].Username)
		assert.Equal(t, "secret", uncached.Credentials[0].Password)

		_, anonymous := newConnectedConnector(t, func(cfg *Config) { cfg.CacheSessions = false })
		assert.Nil(t, anonymous.Credentials[0])
	})

	t.Run("factory properties are applied", func(t *testing.T) {
		_, factory := newConnectedConnector(t, func(cfg *Config) {
			cfg.FactoryProperties = map[string]any{"heartbeat": "10s"}
		})
		assert.Equal(t, "10s", factory.Properties["heartbeat"])
	})

	t.Run("start on connect", func(t *testing.T) {
		c, factory := newConnectedConnector(t, func(cfg *Config) { cfg.StartOnConnect = true })
		assert.Equal(t, 1, factory.Last().Starts)
		assert.Equal(t, StateStarted, c.State().Lifecycle)
	})

	t.Run("start on connect failure closes the connection", func(t *testing.T) {
		factory := &brokertest.Factory{Configure: func(conn *brokertest.Connection) {
			conn.StartErr = brokertest.ErrBoom
		}}
		cfg := DefaultConfig()
		cfg.StartOnConnect = true
		c, err := New(factory, WithConfig(cfg))
		require.NoError(t, err)
		defer c.Dispose()

		err = c.Connect(context.Background())
		var connectErr *ConnectError
		require.ErrorAs(t, err, &connectErr)
		assert.Equal(t, "start", connectErr.Op)
		assert.True(t, factory.Last().IsClosed())
		assert.False(t, c.IsConnected())
	})
}

func TestStartStop(t *testing.T) {
	t.Run("start activates the connection", func(t *testing.T) {
		c, factory := newConnectedConnector(t, nil)
		require.NoError(t, c.Start(context.Background()))

		assert.Equal(t, 1, factory.Last().Starts)
		assert.Equal(t, StateStarted, c.State().Lifecycle)
	})

	t.Run("start without connection waits for reconnect", func(t *testing.T) {
		c, err := New(&brokertest.Factory{})
		require.NoError(t, err)
		defer c.Dispose()

		assert.NoError(t, c.Start(context.Background()))
		assert.Equal(t, StateUninitialised, c.State().Lifecycle)
	})

	t.Run("connect after a pending start starts the connection", func(t *testing.T) {
		factory := &brokertest.Factory{}
		c, err := New(factory)
		require.NoError(t, err)
		defer c.Dispose()

		require.NoError(t, c.Start(context.Background()))
		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, 1, factory.Last().Starts)
		assert.Equal(t, StateStarted, c.State().Lifecycle)

		require.NoError(t, c.Disconnect(context.Background()))
		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, 0, factory.Last().Starts)
	})

	t.Run("stop cancels a pending start", func(t *testing.T) {
		factory := &brokertest.Factory{}
		c, err := New(factory)
		require.NoError(t, err)
		defer c.Dispose()

		require.NoError(t, c.Start(context.Background()))
		require.NoError(t, c.Stop(context.Background()))
		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, 0, factory.Last().Starts)
		assert.Equal(t, StateConnected, c.State().Lifecycle)
	})

	t.Run("start failure is returned", func(t *testing.T) {
		c, factory := newConnectedConnector(t, nil)
		factory.Last().StartErr = brokertest.ErrBoom
		assert.ErrorIs(t, c.Start(context.Background()), brokertest.ErrBoom)
	})

	t.Run("stop tolerates a broken connection", func(t *testing.T) {
		c, factory := newConnectedConnector(t, nil)
		factory.Last().StopErr = brokertest.ErrBoom

		assert.NoError(t, c.Stop(context.Background()))
		assert.Equal(t, 1, factory.Last().Stops)
		assert.Equal(t, StateStopped, c.State().Lifecycle)
		assert.False(t, c.State().Stopping)
	})

	t.Run("stop drains deferred closes", func(t *testing.T) {
		c, _ := newConnectedConnector(t, nil)
		sessions := make([]*brokertest.Session, 5)
		for i := range sessions {
			sessions[i] = brokertest.NewSession()
			c.CloseQuietly(SessionResource(sessions[i]), true)
		}

		require.NoError(t, c.Stop(context.Background()))
		for _, s := range sessions {
			assert.True(t, s.IsClosed())
		}
	})

	t.Run("stop gives up after the drain timeout", func(t *testing.T) {
		c, _ := newConnectedConnector(t, func(cfg *Config) { cfg.DrainTimeout = 20 * time.Millisecond })
		release := make(chan struct{})
		defer close(release)
		blocking := brokertest.NewSession()
		blocking.OnClose = func() { <-release }
		c.CloseQuietly(SessionResource(blocking), true)

		start := time.Now()
		require.NoError(t, c.Stop(context.Background()))
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 1, c.Closer().Pending())
	})

	t.Run("sessions can be created again after stop", func(t *testing.T) {
		c, _ := newConnectedConnector(t, nil)
		require.NoError(t, c.Stop(context.Background()))
		require.NoError(t, c.Start(context.Background()))

		_, err := c.CreateSession(false, false)
		assert.NoError(t, err)
	})
}

func TestDisconnectDispose(t *testing.T) {
	t.Run("disconnect closes the connection", func(t *testing.T) {
		c, factory := newConnectedConnector(t, nil)
		require.NoError(t, c.Disconnect(context.Background()))

		assert.True(t, factory.Last().IsClosed())
		assert.Nil(t, c.Connection())
		assert.Equal(t, StateDisconnected, c.State().Lifecycle)
	})

	t.Run("disconnect tolerates close errors", func(t *testing.T) {
		c, factory := newConnectedConnector(t, nil)
		factory.Last().CloseErr = brokertest.ErrBoom

		assert.NoError(t, c.Disconnect(context.Background()))
		assert.False(t, c.IsConnected())
	})

	t.Run("disconnect without connection", func(t *testing.T) {
		c, err := New(&brokertest.Factory{})
		require.NoError(t, err)
		defer c.Dispose()

		assert.NoError(t, c.Disconnect(context.Background()))
		assert.Equal(t, StateDisconnected, c.State().Lifecycle)
	})

	t.Run("dispose closes the factory and the closer", func(t *testing.T) {
		factory := &brokertest.Factory{}
		c, err := New(factory)
		require.NoError(t, err)
		require.NoError(t, c.Connect(context.Background()))

		session := brokertest.NewSession()
		c.CloseQuietly(SessionResource(session), true)

		require.NoError(t, c.Dispose())
		assert.True(t, factory.Closed)
		assert.True(t, factory.Last().IsClosed())
		assert.True(t, session.IsClosed())
		assert.Equal(t, StateDisposed, c.State().Lifecycle)

		select {
		case <-c.Closer().Done():
		case <-time.After(time.Second):
			t.Fatal("closer worker still running")
		}
	})

	t.Run("operations after dispose", func(t *testing.T) {
		c, _ := newConnectedConnector(t, nil)
		require.NoError(t, c.Dispose())
		require.NoError(t, c.Dispose())

		ctx := context.Background()
		assert.ErrorIs(t, c.Connect(ctx), ErrDisposed)
		assert.ErrorIs(t, c.Start(ctx), ErrDisposed)
		assert.ErrorIs(t, c.Stop(ctx), ErrDisposed)
		assert.ErrorIs(t, c.Disconnect(ctx), ErrDisposed)

		c.OnError(brokertest.ErrBoom)
		assert.False(t, c.IsHandlingException())
	})
}
