package broker

import (
	"time"

	"github.com/google/uuid"
)

// Message is a broker message as seen by the connector
type Message struct {
	ID            string
	CorrelationID string
	ReplyTo       string
	Body          []byte
	Headers       map[string]any
	Persistent    bool
	Priority      uint8
	Timestamp     time.Time

	// Redelivered is set by the broker when the message was delivered
	// before and not acknowledged.
	Redelivered bool

	// DeliveryCount is the broker-reported delivery count when available, zero otherwise.
	DeliveryCount int

	ack  func() error
	nack func(requeue bool) error
}

// NewMessage creates a message with a generated id
func NewMessage(body []byte) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Body:      body,
		Headers:   make(map[string]any),
		Timestamp: time.Now(),
	}
}

// WithAcknowledger attaches the ack/nack callbacks used in client acknowledge mode
func (m *Message) WithAcknowledger(ack func() error, nack func(requeue bool) error) *Message {
	m.ack = ack
	m.nack = nack
	return m
}

// Ack acknowledges the message. It is a no-op when no acknowledger is attached.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nack rejects the message, optionally requeueing it
func (m *Message) Nack(requeue bool) error {
	if m.nack == nil {
		return nil
	}
	return m.nack(requeue)
}

// Key returns the identity used for redelivery accounting
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.CorrelationID
}
