package sqlite

import "time"

// TaskStatus is the lifecycle state of a transcription task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known status value
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state that no update may leave
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the status machine permits moving from s
// to next. Staying on the same non-terminal status is allowed (a no-op
// reconcile refreshes updated_at); leaving a terminal status is not.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	}
	return false
}

// TaskRecord represents one transcription task row.
// ExternalID is the identifier assigned by the speech-to-text provider at
// submit time; it stays empty if the submit call never succeeded.
type TaskRecord struct {
	ID           int64      `json:"id"`
	ExternalID   string     `json:"task_id,omitempty"`
	AudioURL     string     `json:"audio_url"`
	Status       TaskStatus `json:"status"`
	Transcript   *string    `json:"transcript"`
	ErrorMessage *string    `json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// TaskUpdate is a field-level partial update. Nil fields are left untouched
// so concurrent writers touching different fields do not clobber each other.
type TaskUpdate struct {
	ExternalID   *string
	Status       *TaskStatus
	Transcript   *string
	ErrorMessage *string
}

// ListFilter bounds and filters task listings
type ListFilter struct {
	Status TaskStatus // empty means all statuses
	Limit  int        // defaults to DefaultListLimit when <= 0
	Offset int
}

// DefaultListLimit bounds list results when the caller does not
const DefaultListLimit = 100
