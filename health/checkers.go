package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/mmate-connector/connector"
)

// ConnectorChecker reports the lifecycle of a connector. A connector without
// a connection is unhealthy; a failure episode or a backlog of deferred
// closes degrades it.
type ConnectorChecker struct {
	connector  *connector.Connector
	maxPending int
	logger     *slog.Logger
}

// NewConnectorChecker creates a checker for c. maxPending is the deferred
// close backlog tolerated before the connector is reported degraded.
func NewConnectorChecker(c *connector.Connector, maxPending int, logger *slog.Logger) *ConnectorChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectorChecker{
		connector:  c,
		maxPending: maxPending,
		logger:     logger,
	}
}

func (c *ConnectorChecker) Name() string {
	return "connector_" + c.connector.Name()
}

func (c *ConnectorChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.connector.State()
	pending := c.connector.Closer().Pending()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"lifecycle":        state.Lifecycle.String(),
			"episode":          state.Episode.String(),
			"reported":         state.Reported,
			"receivers":        c.connector.ExpectedReceiverCount(),
			"deferred_pending": pending,
			"connected":        c.connector.IsConnected(),
			"retry_connection": state.RetryBrokerConnection,
		},
	}

	switch {
	case state.Lifecycle == connector.StateDisposed:
		result.Status = StatusUnhealthy
		result.Message = "connector is disposed"
	case !c.connector.IsConnected():
		result.Status = StatusUnhealthy
		result.Message = "connector is not connected"
	case state.Episode != connector.EpisodeIdle:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("connection failure episode %s", state.Episode)
	case c.maxPending > 0 && pending > c.maxPending:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d deferred closes pending", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "connector is " + state.Lifecycle.String()
	}

	if result.Status != StatusHealthy {
		c.logger.Debug("connector health check", "status", result.Status, "message", result.Message)
	}

	result.Duration = time.Since(start)
	return result
}

// ReceiverStats is the view of a receiver the health check needs
type ReceiverStats interface {
	Key() string
	Running() bool
	Processed() int64
	Failed() int64
}

// ReceiverChecker reports whether a receiver is consuming
type ReceiverChecker struct {
	receiver ReceiverStats
}

// NewReceiverChecker creates a checker for r
func NewReceiverChecker(r ReceiverStats) *ReceiverChecker {
	return &ReceiverChecker{receiver: r}
}

func (c *ReceiverChecker) Name() string {
	return "receiver_" + c.receiver.Key()
}

func (c *ReceiverChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"running":   c.receiver.Running(),
			"processed": c.receiver.Processed(),
			"failed":    c.receiver.Failed(),
		},
	}

	if c.receiver.Running() {
		result.Status = StatusHealthy
		result.Message = "receiver is consuming"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "receiver is stopped"
	}

	result.Duration = time.Since(start)
	return result
}

// MemoryChecker watches the goroutine count. Leaked consumers and closers
// show up here first.
type MemoryChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewMemoryChecker creates a checker with goroutine thresholds. Zero values
// fall back to 500 and 1000.
func NewMemoryChecker(warnGoroutines, criticalGoroutines int) *MemoryChecker {
	if warnGoroutines <= 0 {
		warnGoroutines = 500
	}
	if criticalGoroutines <= 0 {
		criticalGoroutines = 1000
	}
	return &MemoryChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"goroutines":     goroutines,
		},
	}

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker wraps an arbitrary check function
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Timestamp: start,
		Details:   details,
	}
	if err != nil {
		result.Error = err.Error()
		if status == "" {
			result.Status = StatusUnhealthy
		}
	}
	result.Duration = time.Since(start)
	return result
}
