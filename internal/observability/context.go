package observability

import (
	"context"
)

// Context keys for observability data.
type contextKey string

const (
	correlationIDKey   contextKey = "correlation_id"
	sampleReferenceKey contextKey = "sample_reference"
	workerKey          contextKey = "worker"
)

// WithCorrelationID adds a correlation ID to the context. Consumers use the
// AMQP correlation or message id; the ops server uses the request id.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext retrieves the correlation ID from context.
// Returns empty string if not present.
func CorrelationIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, correlationIDKey)
}

// WithSampleReference adds the sample reference code being processed to the context.
func WithSampleReference(ctx context.Context, reference string) context.Context {
	return context.WithValue(ctx, sampleReferenceKey, reference)
}

// SampleReferenceFromContext retrieves the sample reference code from context.
// Returns empty string if not present.
func SampleReferenceFromContext(ctx context.Context) string {
	return stringFromContext(ctx, sampleReferenceKey)
}

// WithWorker adds the supervisor worker name to the context.
func WithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerKey, worker)
}

// WorkerFromContext retrieves the worker name from context.
// Returns empty string if not present.
func WorkerFromContext(ctx context.Context) string {
	return stringFromContext(ctx, workerKey)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
