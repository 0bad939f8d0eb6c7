package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics.
// Implementations must be safe for concurrent use; failures are logged
// by callers and never interrupt the data path.
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Request tracking
	RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Dashboard queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// ConnectionInfo holds information about a connection
type ConnectionInfo struct {
	ID            int64
	ClientIP      string
	TargetHost    string
	TargetPort    int
	Protocol      string
	StartedAt     time.Time
	EndedAt       *time.Time
	BytesSent     int64
	BytesReceived int64
	Duration      time.Duration
	CloseReason   string
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TotalRequests     int64 `json:"total_requests"`
	TotalErrors       int64 `json:"total_errors"`
	TotalBytesIn      int64 `json:"total_bytes_in"`
	TotalBytesOut     int64 `json:"total_bytes_out"`
}
