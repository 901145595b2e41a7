package worker

// Environment handed from the supervisor to a spawned `warlock worker` child.
const (
	EnvTaskID    = "WARLOCK_TASK_ID"   // task id, also the pipe GUID
	EnvTask      = "WARLOCK_TASK"      // JSON encoded types.TaskSpec
	EnvHeartbeat = "WARLOCK_HEARTBEAT" // heartbeat interval, time.Duration syntax
)

// Handshake headers an agent sends so the supervisor can create its task.
const (
	HeaderType = "X-Warlock-Type" // worker type, required for unknown CIDs
	HeaderName = "X-Warlock-Name" // optional display name
)
