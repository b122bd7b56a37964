package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockChannel is a testify mock of the channel operations the adapter uses
type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Tx() error {
	return m.Called().Error(0)
}

func (m *mockChannel) TxCommit() error {
	return m.Called().Error(0)
}

func (m *mockChannel) TxRollback() error {
	return m.Called().Error(0)
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	return m.Called(consumer, noWait).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	mockArgs := m.Called(name, ifUnused, ifEmpty, noWait)
	return mockArgs.Int(0), mockArgs.Error(1)
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	return m.Called(name, ifUnused, noWait).Error(0)
}

func (m *mockChannel) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockChannel) Nack(tag uint64, multiple bool, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

// fakeConnection hands out prepared channels and lets tests drive the
// close notification
type fakeConnection struct {
	mu         sync.Mutex
	channels   []*mockChannel
	channelErr error
	notify     chan *amqp.Error
	closed     atomic.Bool
	closes     atomic.Int32
}

func (c *fakeConnection) prepare(ch *mockChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, ch)
}

func (c *fakeConnection) Channel() (amqpChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	if len(c.channels) == 0 {
		return &mockChannel{}, nil
	}
	ch := c.channels[0]
	c.channels = c.channels[1:]
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	return c.closed.Load()
}

func (c *fakeConnection) Close() error {
	c.closes.Add(1)
	if c.closed.Swap(true) {
		return amqp.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notify != nil {
		close(c.notify)
		c.notify = nil
	}
	return nil
}

// fail simulates the client reporting an abnormal close
func (c *fakeConnection) fail(err *amqp.Error) {
	c.closed.Store(true)
	c.mu.Lock()
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()
	if notify != nil {
		notify <- err
		close(notify)
	}
}
