// Package interceptors wraps receiver message handlers with cross-cutting
// behaviour.
//
// An interceptor sees every message before the handler does and decides
// whether and how to continue the chain. Built-in interceptors:
//   - LoggingInterceptor: logs processing with timing information
//   - MetricsInterceptor: records handler outcomes in Prometheus
//   - FilteringInterceptor: skips or rejects messages failing a filter
//
// Example usage:
//
//	metrics, _ := interceptors.NewHandlerMetrics(registry)
//	chain := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewMetricsInterceptor(metrics, "orders"),
//	)
//	handler := chain.Then(handleOrder)
//
// A handler returned by Then has the same shape as a receiver message
// handler and converts to one directly.
package interceptors
