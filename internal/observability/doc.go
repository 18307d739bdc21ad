// Package observability provides logging and metrics support for the
// IGEO bridge.
//
// # Logging
//
// Create a logger from configuration:
//
//	logger := observability.NewLogger(observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stdout",
//	})
//
// Each component tags its logger, and per-message code adds delivery or
// sample fields:
//
//	logger = observability.WithComponent(logger, "inbound")
//	log := observability.WithDeliveryContext(logger, queue, d.DeliveryTag, d.MessageId, d.Redelivered)
//
// # Metrics
//
// Metrics are registered once per process:
//
//	metrics := observability.NewMetrics("igeo_bridge")
//	metrics.RecordCommandReceived("create")
//
// A nil *Metrics is valid and records nothing.
//
// # Context Helpers
//
//	ctx = observability.WithCorrelationID(ctx, d.CorrelationId)
//	ctx = observability.WithSampleReference(ctx, ref)
//	log := observability.FromContext(ctx, logger)
package observability
