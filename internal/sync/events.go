package sync

// Event names broadcast to realtime subscribers
const (
	EventSyncStarted      = "sync_started"
	EventSyncProgress     = "sync_progress"
	EventSyncCompleted    = "sync_completed"
	EventSyncFailed       = "sync_failed"
	EventSyncCancelled    = "sync_cancelled"
	EventConflictDetected = "conflict_detected"
	EventWebhookProcessed = "webhook_processed"
)

// EventPublisher fans sync lifecycle notifications out to connected
// operator clients. Implementations must not block.
type EventPublisher interface {
	Publish(event string, payload map[string]interface{})
}
