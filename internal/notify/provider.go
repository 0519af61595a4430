package notify

import "time"

// Provider defines the notification contract for job events. Keeping it
// an interface allows other backends (email, webhooks) and makes the
// orchestrator testable without a Slack endpoint.
type Provider interface {
	// JobStarted sends notification when a migration job starts.
	JobStarted(runID, namespace string, tableCount int) error

	// JobCompleted sends notification when a job finishes successfully.
	JobCompleted(runID string, startTime time.Time, duration time.Duration, tableCount int, rowCount int64, throughput float64) error

	// JobFailed sends notification when a job fails.
	JobFailed(runID string, err error, duration time.Duration) error

	// TableFailed sends notification for an individual table failure.
	TableFailed(runID, tableName string, err error) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
