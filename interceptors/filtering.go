package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-connector/broker"
)

// ErrMessageFiltered is returned by filters configured to reject
var ErrMessageFiltered = errors.New("interceptors: message filtered")

// MessageFilter decides whether a message reaches the handler
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg *broker.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *broker.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *broker.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the message without handling it
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the message so it is redelivered
	SkipWithError
	// SkipWithLog acknowledges the message and logs it
	SkipWithLog
)

// FilteringInterceptor drops messages rejected by its filter
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *broker.Message, next Handler) error {
	ok, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return next(ctx, msg)
	}

	switch i.skipBehavior {
	case SkipWithError:
		return fmt.Errorf("%w: id=%s", ErrMessageFiltered, msg.ID)
	case SkipWithLog:
		i.logger.Info("message skipped by filter", "messageId", msg.ID)
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter passes when every filter passes
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter combines filters with AND logic
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *broker.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter passes when any filter passes
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter combines filters with OR logic
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *broker.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HeaderFilter passes messages whose header key holds one of the allowed values
type HeaderFilter struct {
	key     string
	allowed map[string]struct{}
}

// NewHeaderFilter creates a header filter
func NewHeaderFilter(key string, allowed ...string) *HeaderFilter {
	f := &HeaderFilter{key: key, allowed: make(map[string]struct{}, len(allowed))}
	for _, v := range allowed {
		f.allowed[v] = struct{}{}
	}
	return f
}

// ShouldProcess implements MessageFilter
func (f *HeaderFilter) ShouldProcess(ctx context.Context, msg *broker.Message) (bool, error) {
	v, ok := msg.Headers[f.key]
	if !ok {
		return false, nil
	}
	_, ok = f.allowed[fmt.Sprint(v)]
	return ok, nil
}
