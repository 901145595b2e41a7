package journal

import "github.com/ChuLiYu/warlock/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: task lifecycle events persisted by the supervisor
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventQueue  EventType = "QUEUE"  // Task added to the registry (carries the full record)
	EventLaunch EventType = "LAUNCH" // Worker process spawned or agent attached
	EventStatus EventType = "STATUS" // Status change observed by the supervisor
	EventRetry  EventType = "RETRY"  // Task requeued after a failure
	EventCancel EventType = "CANCEL" // Cancel sent to the worker
	EventRemove EventType = "REMOVE" // Task reaped from the registry
)

// Event represents one journal line
type Event struct {
	Seq       uint64            `json:"seq"`              // Monotonically increasing, survives Rotate
	Type      EventType         `json:"type"`             // Event type
	TaskID    types.TaskID      `json:"task_id"`          // Task the event applies to
	Status    types.Status      `json:"status"`           // Task status after the event
	Retries   int               `json:"retries"`          // Retry counter after the event
	Record    *types.TaskRecord `json:"record,omitempty"` // Only on QUEUE
	Timestamp int64             `json:"timestamp"`        // Unix milliseconds
	Checksum  uint32            `json:"checksum"`         // CRC32 over everything above except Timestamp
}

// Handler is applied to every event during Replay. Returning an error aborts
// the replay.
type Handler func(event Event) error
