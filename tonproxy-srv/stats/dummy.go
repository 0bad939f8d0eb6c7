package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector.
// It is used when statistics collection is disabled.
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// StartConnection records the start of a connection (no-op)
func (d *DummyCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	return 0, nil
}

// EndConnection records the end of a connection (no-op)
func (d *DummyCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

// RecordHTTPRequest records an HTTP request (no-op)
func (d *DummyCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string) error {
	return nil
}

// RecordError records an error (no-op)
func (d *DummyCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return nil
}

// GetOverviewStats returns empty statistics (no-op)
func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{}, nil
}

// HealthCheck always succeeds (no-op)
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close cleans up resources (no-op)
func (d *DummyCollector) Close() error {
	return nil
}
