// Package telemetry provides observability instrumentation for Gantry.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring and debugging deployment operations.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "gantry"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithEnvironment("demo").WithStage("Provisioning")
//	logger.Info("Starting provisioning")
//	logger.WithError(err).Error("Provisioning failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into operation flow and performance:
//
//	ctx, span := tel.Tracer.StartDeploySpan(ctx, "demo", "provision")
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// The active trace ID (telemetry.TraceID(ctx)) is what failure transitions
// record as their trace reference, tying a failed stage on disk back to the
// trace that produced it.
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	tel.Metrics.RecordOperationStarted("provision")
//	tel.Metrics.RecordOperationCompleted("provision", "succeeded", duration)
//	tel.Metrics.RecordTransition("Created", "Provisioning")
//	tel.Metrics.ObserveLockWait("save", waited)
//	tel.Metrics.RecordProviderCall("localdir", "provision", duration)
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishStageChanged("demo", "Created", "Provisioning")
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByEnvironment
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	ctx = telemetry.WithDeployContext(ctx, name, "provision")
//	defer func() { telemetry.EndDeployContext(ctx, name, "provision", stage, err) }()
//
//	err := telemetry.RecordProviderOperation(ctx, "localdir", "provision", func() error {
//	    return provider.Provision(ctx, req)
//	})
//
// # Key Metrics
//
//   - gantry_operations_started_total{operation}
//   - gantry_operations_completed_total{operation,status}
//   - gantry_operation_duration_seconds{operation,status}
//   - gantry_stage_transitions_total{from_stage,to_stage}
//   - gantry_environments_by_stage{stage}
//   - gantry_lock_wait_seconds{op}
//   - gantry_provider_calls_total{provider,operation}
//   - gantry_errors_by_class_total{class}
//   - gantry_policy_denials_total{policy}
//   - gantry_active_operations
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
package telemetry
