// Package telemetry provides observability instrumentation for traverse.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and lifecycle event publishing.
//
// # Usage
//
// Initialize telemetry at startup and put it on the context:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Logger wraps zerolog with field helpers for workflow instances, activities
// and calendar events:
//
//	logger := tel.Logger.WithInstanceID(id).WithActivity("CreateTask")
//	logger.Info("Task created")
//
// Workflow code must log through the workflow context logger, which is silent
// while history is being replayed.
//
// # Tracing
//
// Each execution pass of an instance, each live activity attempt and each call
// to an external service gets a span. Exporters are otlp, stdout and none.
//
// # Metrics
//
// Metrics are registered on a private registry and exposed by the API server
// through Metrics.Handler. All recorders are no-ops on a nil or disabled
// collector.
//
// # Events
//
// EventPublisher delivers instance, signal and approval events to
// subscribers. AuditSubscriber persists them to the audit table:
//
//	tel.Events.Subscribe(telemetry.AuditSubscriber(store, tel.Logger), nil)
package telemetry
