// Package transaction carries the ambient transaction that session-scoped
// resources are bound to.
//
// A transaction travels in a context.Context. Resources are keyed by the
// identity of the connection that produced them, so a transaction holds at
// most one session per connection.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrAlreadyCompleted = errors.New("transaction: already completed")
	ErrResourceBound    = errors.New("transaction: resource already bound for key")
	ErrRollbackOnly     = errors.New("transaction: marked rollback-only")
	ErrNilResource      = errors.New("transaction: nil key or resource")
)

// Transaction is the collaborator the session binder consults.
// Implementations are used by one goroutine at a time.
type Transaction interface {
	ID() string
	HasResource(key any) bool
	Resource(key any) any
	BindResource(key, resource any) error
	SetRollbackOnly() error
}

type contextKey struct{}

// NewContext returns a context carrying tx as the ambient transaction
func NewContext(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, tx)
}

// FromContext returns the ambient transaction, or nil
func FromContext(ctx context.Context) Transaction {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(contextKey{}).(Transaction)
	return tx
}

// MarkRollbackOnly marks the ambient transaction, if any, for rollback
func MarkRollbackOnly(ctx context.Context) error {
	tx := FromContext(ctx)
	if tx == nil {
		return nil
	}
	if err := tx.SetRollbackOnly(); err != nil {
		return fmt.Errorf("failed to mark transaction for rollback: %w", err)
	}
	return nil
}

type committer interface {
	Commit() error
}

type rollbacker interface {
	Rollback() error
}

// Local is an in-process transaction. Bound resources that can commit or
// roll back are driven on completion and closed afterwards.
type Local struct {
	id           string
	resources    map[any]any
	order        []any
	rollbackOnly bool
	committed    bool
	rolledBack   bool
	logger       *slog.Logger
	mu           sync.Mutex
}

// Option configures a Local transaction
type Option func(*Local)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(tx *Local) {
		tx.logger = logger
	}
}

// Begin starts a new local transaction
func Begin(options ...Option) *Local {
	tx := &Local{
		id:        uuid.New().String(),
		resources: make(map[any]any),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(tx)
	}
	return tx
}

// ID returns the transaction id
func (tx *Local) ID() string {
	return tx.id
}

func (tx *Local) String() string {
	return "tx-" + tx.id
}

// HasResource implements Transaction
func (tx *Local) HasResource(key any) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	_, ok := tx.resources[key]
	return ok
}

// Resource implements Transaction
func (tx *Local) Resource(key any) any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.resources[key]
}

// BindResource implements Transaction. Keys must be comparable.
func (tx *Local) BindResource(key, resource any) error {
	if key == nil || resource == nil {
		return ErrNilResource
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed || tx.rolledBack {
		return ErrAlreadyCompleted
	}
	if _, ok := tx.resources[key]; ok {
		return ErrResourceBound
	}

	tx.resources[key] = resource
	tx.order = append(tx.order, key)
	return nil
}

// SetRollbackOnly implements Transaction
func (tx *Local) SetRollbackOnly() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed || tx.rolledBack {
		return ErrAlreadyCompleted
	}
	tx.rollbackOnly = true
	return nil
}

// IsRollbackOnly reports whether the transaction can only roll back
func (tx *Local) IsRollbackOnly() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.rollbackOnly
}

// Commit commits every bound resource in bind order, then closes them.
// A rollback-only transaction is rolled back instead and ErrRollbackOnly returned.
func (tx *Local) Commit() error {
	tx.mu.Lock()
	if tx.committed || tx.rolledBack {
		tx.mu.Unlock()
		return ErrAlreadyCompleted
	}
	if tx.rollbackOnly {
		tx.mu.Unlock()
		if err := tx.Rollback(); err != nil {
			return err
		}
		return ErrRollbackOnly
	}
	tx.committed = true
	resources := tx.drain()
	tx.mu.Unlock()

	var errs []error
	for _, r := range resources {
		if c, ok := r.(committer); ok {
			if err := c.Commit(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	tx.closeAll(resources)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx.logger.Debug("transaction committed", "tx", tx.id, "resources", len(resources))
	return nil
}

// Rollback rolls back every bound resource, then closes them
func (tx *Local) Rollback() error {
	tx.mu.Lock()
	if tx.committed {
		tx.mu.Unlock()
		return ErrAlreadyCompleted
	}
	if tx.rolledBack {
		tx.mu.Unlock()
		return nil
	}
	tx.rolledBack = true
	resources := tx.drain()
	tx.mu.Unlock()

	var errs []error
	for _, r := range resources {
		if rb, ok := r.(rollbacker); ok {
			if err := rb.Rollback(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	tx.closeAll(resources)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	tx.logger.Debug("transaction rolled back", "tx", tx.id, "resources", len(resources))
	return nil
}

// drain must be called with tx.mu held
func (tx *Local) drain() []any {
	resources := make([]any, 0, len(tx.order))
	for _, key := range tx.order {
		resources = append(resources, tx.resources[key])
	}
	tx.resources = make(map[any]any)
	tx.order = nil
	return resources
}

func (tx *Local) closeAll(resources []any) {
	for _, r := range resources {
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				tx.logger.Warn("failed to close transacted resource", "tx", tx.id, "error", err)
			}
		}
	}
}
