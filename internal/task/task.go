// Package task defines the Task entity shared by the store, scheduler,
// worker, and API layers.
package task

import "time"

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a state the task never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the unit of work flowing through the queue. Identity and the
// immutable fields are set at creation and never change; the mutable
// fields are owned by the store and updated only through its operations.
type Task struct {
	// Identity (set at creation, immutable)
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`

	// Immutable inputs
	Backend      string         `json:"backend"`       // requested backend tag, "" = auto-select
	FileName     string         `json:"file_name"`
	InputPath    string         `json:"input_path"`
	OutputDir    string         `json:"output_dir"`
	Options      map[string]any `json:"options,omitempty"`
	Priority     int            `json:"priority"`
	MaxRetries   int            `json:"max_retries"`

	// Mutable — owned by the store
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	WorkerID    string     `json:"worker_id,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ResultDir   string     `json:"result_dir,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Upload describes a streamed file artifact accepted by the API before a
// Task is created for it.
type Upload struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	OriginalName string    `json:"original_name"`
	StoredPath   string    `json:"stored_path"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
}

// Result is the worker's output handed back to the store on completion.
type Result struct {
	TaskID       string `json:"task_id"`
	MarkdownPath string `json:"markdown_path"`
	JSONPath     string `json:"json_path,omitempty"`
	ImageDir     string `json:"image_dir,omitempty"`
}

// QueueStats summarizes the queue for the admin/list endpoints.
type QueueStats struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
