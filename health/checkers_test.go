package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/connector"
	"github.com/glimte/mmate-connector/internal/brokertest"
)

type queueReceiver string

func (r queueReceiver) Key() string {
	return "queue:" + string(r)
}

func newTestConnector(t *testing.T) *connector.Connector {
	t.Helper()
	cfg := connector.DefaultConfig()
	cfg.Name = "orders"
	c, err := connector.New(&brokertest.Factory{}, connector.WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose() })
	return c
}

func TestConnectorChecker(t *testing.T) {
	t.Run("disconnected connector is unhealthy", func(t *testing.T) {
		c := newTestConnector(t)
		checker := NewConnectorChecker(c, 0, nil)

		result := checker.Check(context.Background())
		assert.Equal(t, "connector_orders", checker.Name())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, false, result.Details["connected"])
	})

	t.Run("started connector is healthy", func(t *testing.T) {
		c := newTestConnector(t)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Start(context.Background()))

		result := NewConnectorChecker(c, 0, nil).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "started", result.Details["lifecycle"])
		assert.Equal(t, "idle", result.Details["episode"])
		assert.Equal(t, 0, result.Details["deferred_pending"])
		assert.Equal(t, false, result.Details["retry_connection"])
	})

	t.Run("counting episode is degraded", func(t *testing.T) {
		c := newTestConnector(t)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.RegisterReceiver(queueReceiver("orders")))

		c.OnError(errors.New("consumer lost its channel"))

		result := NewConnectorChecker(c, 0, nil).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, "counting", result.Details["episode"])
		assert.Equal(t, 1, result.Details["reported"])
		assert.Equal(t, 4, result.Details["receivers"])
	})

	t.Run("disposed connector is unhealthy", func(t *testing.T) {
		c := newTestConnector(t)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Dispose())

		result := NewConnectorChecker(c, 0, nil).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "connector is disposed", result.Message)
	})
}

type receiverStats struct {
	running   bool
	processed int64
	failed    int64
}

func (r *receiverStats) Key() string      { return "queue:orders" }
func (r *receiverStats) Running() bool    { return r.running }
func (r *receiverStats) Processed() int64 { return r.processed }
func (r *receiverStats) Failed() int64    { return r.failed }

func TestReceiverChecker(t *testing.T) {
	stats := &receiverStats{running: true, processed: 12, failed: 1}
	checker := NewReceiverChecker(stats)
	assert.Equal(t, "receiver_queue:orders", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, int64(12), result.Details["processed"])
	assert.Equal(t, int64(1), result.Details["failed"])

	stats.running = false
	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
}

func TestMemoryChecker(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		checker := NewMemoryChecker(0, 0)
		assert.Equal(t, 500, checker.warnGoroutines)
		assert.Equal(t, 1000, checker.criticalGoroutines)
	})

	t.Run("reports runtime details", func(t *testing.T) {
		result := NewMemoryChecker(0, 0).Check(context.Background())
		assert.Equal(t, "memory", result.Name)
		assert.Contains(t, result.Details, "memory_used_mb")
		assert.Contains(t, result.Details, "gc_runs")
		assert.Greater(t, result.Details["goroutines"].(int), 0)
	})

	t.Run("thresholds", func(t *testing.T) {
		assert.Equal(t, StatusUnhealthy, NewMemoryChecker(1, 1).Check(context.Background()).Status)
		assert.Equal(t, StatusDegraded, NewMemoryChecker(1, 1_000_000).Check(context.Background()).Status)
		assert.Equal(t, StatusHealthy, NewMemoryChecker(1_000_000, 1_000_000).Check(context.Background()).Status)
	})
}

func TestComponentChecker(t *testing.T) {
	t.Run("passes through the component status", func(t *testing.T) {
		checker := NewComponentChecker("dead_letters", func(ctx context.Context) (Status, string, map[string]interface{}, error) {
			return StatusDegraded, "backlog", map[string]interface{}{"count": 3}, nil
		})

		result := checker.Check(context.Background())
		assert.Equal(t, "dead_letters", result.Name)
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, "backlog", result.Message)
		assert.Equal(t, 3, result.Details["count"])
	})

	t.Run("an error without a status is unhealthy", func(t *testing.T) {
		checker := NewComponentChecker("broken", func(ctx context.Context) (Status, string, map[string]interface{}, error) {
			return "", "", nil, errors.New("boom")
		})

		result := checker.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "boom", result.Error)
	})
}
