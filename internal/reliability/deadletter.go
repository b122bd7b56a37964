package reliability

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-connector/broker"
)

// Headers stamped on dead-lettered messages
const (
	HeaderOriginalDestination = "x-original-destination"
	HeaderRedeliveryCount     = "x-redelivery-count"
	HeaderDeathReason         = "x-death-reason"
	HeaderDeathTime           = "x-death-time"
	HeaderOriginalMessageID   = "x-original-message-id"
)

// MessageSender sends a message to a fixed destination
type MessageSender interface {
	Send(ctx context.Context, msg *broker.Message) error
	Destination() string
}

// DeadLetterHandler routes messages that exhausted their redeliveries to a
// dead letter destination.
type DeadLetterHandler struct {
	logger *slog.Logger
	sender MessageSender
	reason string
}

// DeadLetterOption configures the dead letter handler
type DeadLetterOption func(*DeadLetterHandler)

// WithDeadLetterLogger sets the logger
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(h *DeadLetterHandler) {
		h.logger = logger
	}
}

// WithDeadLetterReason sets the reason stamped on routed messages
func WithDeadLetterReason(reason string) DeadLetterOption {
	return func(h *DeadLetterHandler) {
		h.reason = reason
	}
}

// NewDeadLetterHandler creates a handler sending through sender
func NewDeadLetterHandler(sender MessageSender, options ...DeadLetterOption) *DeadLetterHandler {
	h := &DeadLetterHandler{
		logger: slog.Default(),
		sender: sender,
		reason: "max_redelivery_exceeded",
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

// HandleRedeliveryExhausted implements TerminalHandler. The original message
// is left untouched; a copy carrying the failure metadata is sent.
func (h *DeadLetterHandler) HandleRedeliveryExhausted(ctx context.Context, source string, msg *broker.Message, attempts int) error {
	if msg == nil {
		return ErrInvalidDeadLetter
	}
	if h.sender == nil {
		return &DeadLetterError{Op: "route", MessageID: msg.Key(), Err: ErrNoDeadLetterSender, Timestamp: time.Now()}
	}

	dead := h.deadLetterCopy(source, msg, attempts)
	if err := h.sender.Send(ctx, dead); err != nil {
		h.logger.Error("failed to route message to dead letter destination",
			"error", err,
			"messageId", msg.Key(),
			"destination", h.sender.Destination())
		return &DeadLetterError{
			Destination: h.sender.Destination(),
			MessageID:   msg.Key(),
			Op:          "send",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	h.logger.Info("message routed to dead letter destination",
		"messageId", msg.Key(),
		"source", source,
		"attempts", attempts,
		"destination", h.sender.Destination())
	return nil
}

func (h *DeadLetterHandler) deadLetterCopy(source string, msg *broker.Message, attempts int) *broker.Message {
	headers := make(map[string]any, len(msg.Headers)+5)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderOriginalDestination] = source
	headers[HeaderRedeliveryCount] = int64(attempts)
	headers[HeaderDeathReason] = h.reason
	headers[HeaderDeathTime] = time.Now().Unix()
	headers[HeaderOriginalMessageID] = msg.ID

	return &broker.Message{
		ID:            uuid.New().String(),
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Body:          msg.Body,
		Headers:       headers,
		Persistent:    true,
		Priority:      msg.Priority,
		Timestamp:     msg.Timestamp,
	}
}
