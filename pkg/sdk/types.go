package sdk

import "time"

// Common types used by the SDK.

// ExecuteRequest is the body of a task execution call.
type ExecuteRequest struct {
	Args       []interface{}          `json:"args,omitempty"`
	Env        map[string]interface{} `json:"env,omitempty"`
	Priority   string                 `json:"priority,omitempty"`
	TimeoutMS  int64                  `json:"timeoutMs,omitempty"`
	NoCoalesce bool                   `json:"noCoalesce,omitempty"`
}

// ExecuteResult is the body of a task execution response: exactly one of
// Value or Error is populated, mirroring Safe-mode's Fulfilled/Rejected
// discriminator.
type ExecuteResult struct {
	Status     string      `json:"status"`
	Value      interface{} `json:"value,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"durationMs"`
}

// TurboRequest is the body of a Map call.
type TurboRequest struct {
	Items []interface{} `json:"items"`
}

// TurboResult is the body of a Map response.
type TurboResult struct {
	Items []interface{} `json:"items,omitempty"`
	Error string        `json:"error,omitempty"`
}

// PoolStats mirrors taskengine.Stats's wire shape for clients that only
// want the JSON without importing the engine package (the server marshals
// that struct directly, with no json tags, so field names must match
// exactly).
type PoolStats struct {
	Normal    PoolSnapshot
	Generator PoolSnapshot
}

// PoolSnapshot mirrors pool.Stats.
type PoolSnapshot struct {
	PoolSize        int
	BusyCount       int
	IdleCount       int
	QueueLength     int
	ActiveTemporary int
	MaxQueueSize    int
	Pressure        float64
}

// MetricsSnapshot mirrors metrics.Snapshot's wire shape for the websocket
// feed (the engine marshals that struct directly, with no json tags, so
// field names must match exactly).
type MetricsSnapshot struct {
	TasksExecuted           uint64
	TasksFailed             uint64
	Retries                 uint64
	AffinityHits            uint64
	AffinityMisses          uint64
	TemporaryWorkersCreated uint64
	ActiveTemporaryWorkers  int64
	CoalescedCount          uint64
	UniqueCount             uint64
	TakenAt                 time.Time
}
