package connector

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/transaction"
)

// SessionFromTransaction returns the session bound to the ambient transaction
// for the current connection, or nil.
func (c *Connector) SessionFromTransaction(ctx context.Context) broker.Session {
	tx := transaction.FromContext(ctx)
	if tx == nil {
		return nil
	}
	conn := c.Connection()
	if conn == nil || !tx.HasResource(conn) {
		return nil
	}

	session, ok := tx.Resource(conn).(broker.Session)
	if !ok {
		return nil
	}
	c.logger.Debug("using session bound to transaction", "session", session.ID(), "tx", tx.ID())
	return session
}

// GetSession returns the session bound to the ambient transaction, creating
// and binding one when needed. Without a transaction the returned session is
// owned by the caller, who must close it.
func (c *Connector) GetSession(ctx context.Context, transacted, topic bool) (broker.Session, error) {
	if session := c.SessionFromTransaction(ctx); session != nil {
		return session, nil
	}

	tx := transaction.FromContext(ctx)
	session, err := c.CreateSession(transacted, topic)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("retrieved new session from connection",
		"topic", topic,
		"transacted", transacted,
		"ackMode", c.cfg.Ack().String(),
		"noLocal", c.cfg.NoLocal,
		"session", session.ID())

	if tx == nil {
		c.metrics.recordSession(c.cfg.Name, false)
		return session, nil
	}

	c.logger.Debug("binding session to current transaction", "session", session.ID(), "tx", tx.ID())
	if err := tx.BindResource(c.Connection(), session); err != nil {
		c.CloseQuietly(SessionResource(session), false)
		if rbErr := tx.SetRollbackOnly(); rbErr != nil {
			c.logger.Warn("failed to mark transaction rollback-only", "tx", tx.ID(), "error", rbErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	c.metrics.recordSession(c.cfg.Name, true)
	return session, nil
}

// CreateSession creates an unbound session. It fails fast while the connector
// stops or while a failure episode is open.
func (c *Connector) CreateSession(transacted, topic bool) (broker.Session, error) {
	s := c.state.Load()
	if s.Stopping {
		return nil, ErrConnectionStopping
	}
	if s.HandlingException() {
		return nil, ErrExceptionInProgress
	}

	conn := c.Connection()
	if conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnectionUnavailable)
	}

	return conn.CreateSession(broker.SessionOptions{
		Topic:      topic,
		Transacted: transacted,
		AckMode:    c.cfg.Ack(),
		NoLocal:    c.cfg.NoLocal,
		Durable:    c.cfg.Durable,
	})
}

// CloseSessionIfNoTransactionActive closes session unless an ambient
// transaction owns it. With deferred set the close happens in the background.
func (c *Connector) CloseSessionIfNoTransactionActive(ctx context.Context, session broker.Session, deferred bool) {
	if tx := transaction.FromContext(ctx); tx != nil {
		if session != nil {
			c.logger.Debug("not closing transacted session", "session", session.ID(), "tx", tx.ID())
		}
		return
	}
	if session != nil {
		c.logger.Debug("closing non-transacted session", "session", session.ID(), "deferred", deferred)
	}
	c.CloseQuietly(SessionResource(session), deferred)
}

// Close closes res synchronously and returns any error
func (c *Connector) Close(res Closable) error {
	if res.IsNil() {
		c.logger.Debug("nothing to close", "kind", res.Kind().String())
		return nil
	}
	c.logger.Debug("closing resource", "resource", res.String())
	return res.Close()
}

// CloseQuietly closes res, logging instead of returning failures. With
// deferred set the resource is handed to the background closer.
func (c *Connector) CloseQuietly(res Closable, deferred bool) {
	if deferred {
		c.closer.Defer(res)
		return
	}

	// read the name first, deleting a temporary destination may invalidate it
	desc := res.String()
	if err := c.Close(res); err != nil {
		c.logger.Warn("failed to close resource", "resource", desc, "error", err)
	}
}
