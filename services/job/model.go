package job

import (
	"time"
)

const (
	StateCreated    = "created"
	StateReserved   = "reserved"
	StateDispatched = "dispatched"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
	StateSettled    = "settled"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

const (
	ReasonInsufficientCredits = "InsufficientCredits"
	ReasonExternalBackend     = "ExternalBackendError"
	ReasonTimeout             = "Timeout"
)

// ProcessingJob tracks one unit of work from submission to settlement.
// State walks created → reserved → dispatched → succeeded|failed → settled;
// Outcome survives the final transition so settled jobs keep their verdict.
type ProcessingJob struct {
	ID            string    `gorm:"column:id;primaryKey"`
	UserID        string    `gorm:"column:user_id;index"`
	Kind          string    `gorm:"column:kind;index:idx_job_identity"`
	Params        string    `gorm:"column:params;index:idx_job_identity"`
	Hash          string    `gorm:"column:hash;index:idx_job_identity"`
	DurationMS    int64     `gorm:"column:duration_ms"`
	DurationKnown bool      `gorm:"column:duration_known"`
	State         string    `gorm:"column:state;index"`
	Outcome       string    `gorm:"column:outcome"`
	FailureReason string    `gorm:"column:failure_reason"`
	Cost          int64     `gorm:"column:cost"`
	ReservationID string    `gorm:"column:reservation_id"`
	InputRef      string    `gorm:"column:input_ref"`
	ExternalRef   string    `gorm:"column:external_ref"`
	ResultRef     string    `gorm:"column:result_ref"`
	CreatedAt     time.Time `gorm:"column:created_at;index"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// Terminal reports whether the job reached a final verdict. Completion
// reports arriving after this point are ignored.
func (j *ProcessingJob) Terminal() bool {
	switch j.State {
	case StateSucceeded, StateFailed, StateSettled:
		return true
	}
	return false
}

// InFlight reports whether a new identical submission should attach to this
// job instead of starting another.
func (j *ProcessingJob) InFlight() bool {
	switch j.State {
	case StateCreated, StateReserved, StateDispatched:
		return true
	}
	return false
}

// Watcher records a caller attached to an in-flight job. The original
// submission owns billing; watchers only observe the outcome.
type Watcher struct {
	ID        string    `gorm:"column:id;primaryKey"`
	JobID     string    `gorm:"column:job_id;uniqueIndex:idx_watcher"`
	UserID    string    `gorm:"column:user_id;uniqueIndex:idx_watcher"`
	CreatedAt time.Time `gorm:"column:created_at"`
}
