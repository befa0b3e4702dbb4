// Package interceptors wraps message handlers with cross-cutting concerns.
//
// Built-in interceptors:
//   - RecoveryInterceptor: turns a handler panic into an error
//   - LoggingInterceptor: logs each delivery with timing information
//   - MetricsInterceptor: counts deliveries, failures and processing time
//
// Interceptors run in the order they are added to the chain, with the final
// handler called last:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewLoggingInterceptor(logger))
//
//	err := chain.Execute(ctx, delivery, handler)
package interceptors
