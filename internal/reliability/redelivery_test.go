package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/connector"
	"github.com/glimte/mmate-connector/internal/brokertest"
)

type MockTerminalHandler struct {
	mock.Mock
}

func (m *MockTerminalHandler) HandleRedeliveryExhausted(ctx context.Context, source string, msg *broker.Message, attempts int) error {
	args := m.Called(ctx, source, msg, attempts)
	return args.Error(0)
}

func redeliveryConfig(max int, initial, maximum time.Duration) connector.Config {
	cfg := connector.DefaultConfig()
	cfg.Name = "redelivery"
	cfg.MaxRedelivery = max
	cfg.InitialRedeliveryDelay = initial
	cfg.MaximumRedeliveryDelay = maximum
	return cfg
}

func redelivered(id string) *broker.Message {
	msg := broker.NewMessage([]byte("payload"))
	msg.ID = id
	msg.Redelivered = true
	return msg
}

func TestRedeliveryTracker(t *testing.T) {
	t.Run("attempts increase by one per receipt", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(5, connector.RedeliveryDelayUnset, connector.RedeliveryDelayUnset))

		for i := 1; i <= 4; i++ {
			assert.Equal(t, i, tracker.OnReceive("m1"))
		}
		assert.Equal(t, 4, tracker.Attempts("m1"))
		assert.Equal(t, 0, tracker.Attempts("m2"))
		assert.False(t, tracker.FirstSeen("m1").IsZero())
	})

	t.Run("limit of two with capped linear delay", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(2, 100*time.Millisecond, time.Second))

		tracker.OnReceive("m1")
		assert.True(t, tracker.ShouldRedeliver("m1"))
		assert.Equal(t, 100*time.Millisecond, tracker.NextDelay("m1"))

		tracker.OnReceive("m1")
		assert.True(t, tracker.ShouldRedeliver("m1"))
		assert.Equal(t, 200*time.Millisecond, tracker.NextDelay("m1"))

		tracker.OnReceive("m1")
		assert.False(t, tracker.ShouldRedeliver("m1"))
	})

	t.Run("delay is capped at the maximum", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(connector.RedeliveryIgnore, 400*time.Millisecond, time.Second))
		for i := 0; i < 5; i++ {
			tracker.OnReceive("m1")
		}
		assert.Equal(t, time.Second, tracker.NextDelay("m1"))
	})

	t.Run("no delay without both delay parameters", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(3, 100*time.Millisecond, connector.RedeliveryDelayUnset))
		tracker.OnReceive("m1")
		assert.Equal(t, time.Duration(0), tracker.NextDelay("m1"))
	})

	t.Run("zero fails on first redelivery", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(connector.RedeliveryFailOnFirst, 0, 0))
		tracker.OnReceive("m1")
		assert.False(t, tracker.ShouldRedeliver("m1"))
	})

	t.Run("ignore disables the limit", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(connector.RedeliveryIgnore, 0, 0))
		for i := 0; i < 1000; i++ {
			tracker.OnReceive("m1")
		}
		assert.True(t, tracker.ShouldRedeliver("m1"))
	})

	t.Run("acknowledge removes state", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(2, 0, 0))
		tracker.OnReceive("m1")
		tracker.Acknowledge("m1")

		assert.Equal(t, 0, tracker.Attempts("m1"))
		assert.Equal(t, 0, tracker.Tracked())
		assert.Equal(t, 1, tracker.OnReceive("m1"))
	})

	t.Run("tracked keys are bounded", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(2, 0, 0), WithTrackedMessages(2))
		tracker.OnReceive("a")
		tracker.OnReceive("b")
		tracker.OnReceive("c")

		assert.Equal(t, 2, tracker.Tracked())
		assert.Equal(t, 0, tracker.Attempts("a"))
	})

	t.Run("idle keys expire", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(2, 0, 0), WithRedeliveryTTL(20*time.Millisecond))
		tracker.OnReceive("a")

		assert.Eventually(t, func() bool { return tracker.Attempts("a") == 0 }, time.Second, 5*time.Millisecond)
	})
}

func TestRedeliveryTracker_Inspect(t *testing.T) {
	t.Run("first delivery passes untracked", func(t *testing.T) {
		terminal := &MockTerminalHandler{}
		tracker := NewRedeliveryTracker(redeliveryConfig(0, 0, 0), WithTerminalHandler(terminal))

		msg := broker.NewMessage([]byte("x"))
		decision, err := tracker.Inspect(context.Background(), "orders", msg)
		require.NoError(t, err)
		assert.True(t, decision.Deliver)
		assert.Equal(t, 0, tracker.Tracked())
		terminal.AssertNotCalled(t, "HandleRedeliveryExhausted", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("third attempt is routed to terminal handling", func(t *testing.T) {
		metrics, err := connector.NewMetrics(prometheus.NewRegistry())
		require.NoError(t, err)
		terminal := &MockTerminalHandler{}
		tracker := NewRedeliveryTracker(redeliveryConfig(2, 100*time.Millisecond, time.Second),
			WithTerminalHandler(terminal),
			WithRedeliveryMetrics(metrics),
		)
		msg := redelivered("m1")
		terminal.On("HandleRedeliveryExhausted", mock.Anything, "orders", msg, 3).Return(nil).Once()

		first, err := tracker.Inspect(context.Background(), "orders", msg)
		require.NoError(t, err)
		assert.Equal(t, RedeliveryDecision{Deliver: true, Attempts: 1, Delay: 100 * time.Millisecond}, first)

		second, err := tracker.Inspect(context.Background(), "orders", msg)
		require.NoError(t, err)
		assert.Equal(t, RedeliveryDecision{Deliver: true, Attempts: 2, Delay: 200 * time.Millisecond}, second)

		third, err := tracker.Inspect(context.Background(), "orders", msg)
		require.NoError(t, err)
		assert.False(t, third.Deliver)
		assert.Equal(t, 3, third.Attempts)
		assert.Equal(t, 0, tracker.Attempts("m1"))
		terminal.AssertExpectations(t)
	})

	t.Run("terminal handler errors are returned", func(t *testing.T) {
		terminal := TerminalHandlerFunc(func(ctx context.Context, source string, msg *broker.Message, attempts int) error {
			return brokertest.ErrBoom
		})
		tracker := NewRedeliveryTracker(redeliveryConfig(0, 0, 0), WithTerminalHandler(terminal))

		decision, err := tracker.Inspect(context.Background(), "orders", redelivered("m1"))
		assert.ErrorIs(t, err, brokertest.ErrBoom)
		assert.False(t, decision.Deliver)
		assert.Equal(t, 0, tracker.Tracked())
	})

	t.Run("messages without an id are not tracked", func(t *testing.T) {
		terminal := &MockTerminalHandler{}
		tracker := NewRedeliveryTracker(redeliveryConfig(1, 0, 0), WithTerminalHandler(terminal))

		a := &broker.Message{Body: []byte("a"), Redelivered: true}
		b := &broker.Message{Body: []byte("b"), Redelivered: true}
		for _, msg := range []*broker.Message{a, b, a, b} {
			decision, err := tracker.Inspect(context.Background(), "orders", msg)
			require.NoError(t, err)
			assert.True(t, decision.Deliver)
			assert.Equal(t, 0, decision.Attempts)
		}
		assert.Equal(t, 0, tracker.Tracked())
		terminal.AssertNotCalled(t, "HandleRedeliveryExhausted", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("correlation id keys messages without an id", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(1, 0, 0))

		a := &broker.Message{CorrelationID: "corr-a", Redelivered: true}
		b := &broker.Message{CorrelationID: "corr-b", Redelivered: true}
		for _, msg := range []*broker.Message{a, b} {
			decision, err := tracker.Inspect(context.Background(), "orders", msg)
			require.NoError(t, err)
			assert.True(t, decision.Deliver)
			assert.Equal(t, 1, decision.Attempts)
		}
		assert.Equal(t, 2, tracker.Tracked())
	})

	t.Run("exhausted without terminal handler drops state", func(t *testing.T) {
		tracker := NewRedeliveryTracker(redeliveryConfig(0, 0, 0))
		decision, err := tracker.Inspect(context.Background(), "orders", redelivered("m1"))
		require.NoError(t, err)
		assert.False(t, decision.Deliver)
		assert.Equal(t, 0, tracker.Tracked())
	})
}
