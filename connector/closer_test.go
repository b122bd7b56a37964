package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/internal/brokertest"
)

func TestClosable(t *testing.T) {
	t.Run("temporary destinations are deleted", func(t *testing.T) {
		dest := brokertest.NewTemporaryDestination("tmp.reply", broker.QueueDestination)
		res := TemporaryDestinationResource(dest)

		require.NoError(t, res.Close())
		assert.Equal(t, int32(1), dest.Deletes.Load())
		assert.Equal(t, KindTemporaryDestination, res.Kind())
		assert.Contains(t, res.String(), "tmp.reply")
	})

	t.Run("nil resources close as no-op", func(t *testing.T) {
		res := SessionResource(nil)
		assert.True(t, res.IsNil())
		assert.NoError(t, res.Close())
		assert.Equal(t, "session(nil)", res.String())
	})

	t.Run("session close errors are returned", func(t *testing.T) {
		session := brokertest.NewSession()
		session.CloseErr = brokertest.ErrBoom
		assert.ErrorIs(t, SessionResource(session).Close(), brokertest.ErrBoom)
	})
}

func TestDeferredCloser(t *testing.T) {
	t.Run("closes every resource once in order", func(t *testing.T) {
		closer := NewDeferredCloser()
		closer.Start()
		defer closer.Shutdown(time.Second)

		var mu sync.Mutex
		var order []string
		sessions := make([]*brokertest.Session, 10)
		for i := range sessions {
			s := brokertest.NewSession()
			s.OnClose = func() {
				mu.Lock()
				order = append(order, s.ID())
				mu.Unlock()
			}
			sessions[i] = s
		}
		for _, s := range sessions {
			require.True(t, closer.Defer(SessionResource(s)))
		}

		require.True(t, closer.WaitForEmptyOrTimeout(context.Background(), time.Second))
		assert.Equal(t, 0, closer.Pending())

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, order, len(sessions))
		for i, s := range sessions {
			assert.Equal(t, s.ID(), order[i])
			assert.Equal(t, int32(1), s.Closes.Load())
		}
	})

	t.Run("close failures do not stop the drain", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		metrics, err := NewMetrics(reg)
		require.NoError(t, err)

		closer := NewDeferredCloser(WithCloserMetrics("drain", metrics))
		closer.Start()
		defer closer.Shutdown(time.Second)

		failing := brokertest.NewSession()
		failing.CloseErr = brokertest.ErrBoom
		producer := brokertest.NewProducer("orders")
		after := brokertest.NewSession()

		closer.Defer(SessionResource(failing))
		closer.Defer(ProducerResource(producer))
		closer.Defer(SessionResource(after))

		require.True(t, closer.WaitForEmptyOrTimeout(context.Background(), time.Second))
		assert.Equal(t, int32(1), failing.Closes.Load())
		assert.Equal(t, int32(1), producer.Closes.Load())
		assert.Equal(t, int32(1), after.Closes.Load())

		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deferredCloses.WithLabelValues("drain", "session", "error")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deferredCloses.WithLabelValues("drain", "session", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deferredCloses.WithLabelValues("drain", "producer", "ok")))
	})

	t.Run("defer does not block while a close hangs", func(t *testing.T) {
		closer := NewDeferredCloser()
		closer.Start()

		release := make(chan struct{})
		blocking := brokertest.NewSession()
		blocking.OnClose = func() { <-release }
		closer.Defer(SessionResource(blocking))

		done := make(chan struct{})
		go func() {
			for i := 0; i < 100; i++ {
				closer.Defer(SessionResource(brokertest.NewSession()))
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Defer blocked behind a slow close")
		}

		assert.Equal(t, 101, closer.Pending())
		assert.False(t, closer.WaitForEmptyOrTimeout(context.Background(), 20*time.Millisecond))

		close(release)
		assert.True(t, closer.WaitForEmptyOrTimeout(context.Background(), time.Second))
		closer.Shutdown(time.Second)
	})

	t.Run("wait honours context cancellation", func(t *testing.T) {
		closer := NewDeferredCloser()
		closer.Start()

		release := make(chan struct{})
		blocking := brokertest.NewSession()
		blocking.OnClose = func() { <-release }
		closer.Defer(SessionResource(blocking))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, closer.WaitForEmptyOrTimeout(ctx, time.Minute))

		close(release)
		closer.Shutdown(time.Second)
	})

	t.Run("wait returns immediately when empty", func(t *testing.T) {
		closer := NewDeferredCloser()
		assert.True(t, closer.WaitForEmptyOrTimeout(context.Background(), 0))
	})

	t.Run("shutdown abandons what did not drain", func(t *testing.T) {
		closer := NewDeferredCloser()
		closer.Start()

		release := make(chan struct{})
		blocking := brokertest.NewSession()
		blocking.OnClose = func() { <-release }
		queued := brokertest.NewSession()

		closer.Defer(SessionResource(blocking))
		closer.Defer(SessionResource(queued))

		closer.Shutdown(20 * time.Millisecond)
		close(release)

		select {
		case <-closer.Done():
		case <-time.After(time.Second):
			t.Fatal("worker did not exit")
		}
		assert.Equal(t, int32(1), blocking.Closes.Load())
		assert.Equal(t, int32(0), queued.Closes.Load())
		assert.Equal(t, 0, closer.Pending())
	})

	t.Run("defer after shutdown is rejected", func(t *testing.T) {
		closer := NewDeferredCloser()
		closer.Start()
		closer.Shutdown(time.Second)

		session := brokertest.NewSession()
		assert.False(t, closer.Defer(SessionResource(session)))
		assert.Equal(t, int32(0), session.Closes.Load())
		<-closer.Done()
	})

	t.Run("shutdown without start releases done", func(t *testing.T) {
		closer := NewDeferredCloser()
		closer.Shutdown(time.Second)
		<-closer.Done()
		closer.Shutdown(time.Second)
	})

	t.Run("nil resources are rejected", func(t *testing.T) {
		closer := NewDeferredCloser()
		assert.False(t, closer.Defer(ProducerResource(nil)))
		assert.Equal(t, 0, closer.Pending())
	})
}
