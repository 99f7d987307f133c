// Package telemetry provides the observability stack of logfleet: structured logging
// (zerolog), distributed tracing (OpenTelemetry) and Prometheus metrics.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// NewTelemetry installs its logger as the global zerolog logger and its tracer
// provider as the global OpenTelemetry provider. Library packages log through
// github.com/rs/zerolog/log and start spans through otel.Tracer, so they need no
// reference to the Telemetry value.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("deploy")
//	logger.WithInstanceID(7).WithOperationID(taskID).Info("starting instance")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// The lifecycle package opens one span per operation and one child span per recipe
// step. Fleet-wide operations add a parent span:
//
//	ctx, span := tel.Tracer.StartFanoutSpan(ctx, "start", processID, len(instances))
//	defer span.End()
//
// Supported exporters: "otlp" (gRPC, to a collector), "stdout" and "none".
//
// # Metrics
//
// Metrics implements lifecycle.Observer; pass it to lifecycle.WithObserver. Exposed
// series, prefixed with the configured namespace:
//
//   - operations_started_total{operation}
//   - operations_finished_total{operation,result}
//   - operation_duration_seconds{operation}
//   - operations_in_flight{operation}
//   - steps_finished_total{step,status}
//   - step_duration_seconds{step}
//   - state_transitions_total{state}
//   - fanout_instances_total{operation,result}
//
// Metrics.Serve exposes them over HTTP (default :9090/metrics) until its context is
// cancelled.
package telemetry
