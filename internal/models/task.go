package models

import (
	"time"
)

// State enumerates task lifecycle states.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether a task in this state is never mutated again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Task is a point-in-time view of one unit of work owned by the queue.
type Task struct {
	ID          string     `json:"id"`
	InputKey    string     `json:"input_key"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Result      []byte     `json:"result,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	FromCache   bool       `json:"from_cache"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// StatusDistribution counts tasks per state.
type StatusDistribution struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// TaskStats aggregates outcome counters across all tasks observed by a queue.
type TaskStats struct {
	TotalTasks        int64   `json:"total_tasks"`
	CompletedTasks    int64   `json:"completed_tasks"`
	FailedTasks       int64   `json:"failed_tasks"`
	CancelledTasks    int64   `json:"cancelled_tasks"`
	RetriedTasks      int64   `json:"retried_tasks"`
	DeduplicatedTasks int64   `json:"deduplicated_tasks"`
	SuccessRate       float64 `json:"success_rate"`
}

// MetricsSnapshot is the queue status view consumed by dashboards.
type MetricsSnapshot struct {
	TotalTasks         int64              `json:"total_tasks"`
	QueuedTasks        int64              `json:"queued_tasks"`
	ProcessingTasks    int64              `json:"processing_tasks"`
	CompletedTasks     int64              `json:"completed_tasks"`
	FailedTasks        int64              `json:"failed_tasks"`
	CancelledTasks     int64              `json:"cancelled_tasks"`
	IsProcessing       bool               `json:"is_processing"`
	StatusDistribution StatusDistribution `json:"status_distribution"`
	Stats              TaskStats          `json:"stats"`
	Cache              CacheStats         `json:"cache"`
}

// CacheStats reports result cache usage.
type CacheStats struct {
	Backend             string  `json:"backend"`
	TotalEntriesCached  int64   `json:"total_entries_cached"`
	Hits                int64   `json:"cache_hits"`
	Misses              int64   `json:"cache_misses"`
	CacheHitRate        float64 `json:"cache_hit_rate"`
	StorageSizeEstimate int64   `json:"storage_size_estimate"`
	StorageSizeMB       float64 `json:"storage_size_mb"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Ratio returns num/(num+other), or 0 when both are zero.
func Ratio(num, other int64) float64 {
	if num+other == 0 {
		return 0
	}
	return float64(num) / float64(num+other)
}
