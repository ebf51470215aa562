package progress

import (
	"time"

	"educoin-engine/services/catalog"
)

// Status is the lifecycle state of a UserTask. Transitions are enforced by
// CanTransition; nothing else in the engine moves a task between states.
type Status string

const (
	StatusLocked        Status = "locked"
	StatusAvailable     Status = "available"
	StatusInProgress    Status = "in_progress"
	StatusAwaitingProof Status = "awaiting_proof"
	StatusUnderReview   Status = "under_review"
	StatusCompleted     Status = "completed"
	StatusRejected      Status = "rejected"
)

var transitions = map[Status][]Status{
	StatusLocked:        {StatusAvailable},
	StatusAvailable:     {StatusInProgress},
	StatusInProgress:    {StatusAwaitingProof, StatusUnderReview},
	StatusAwaitingProof: {StatusUnderReview},
	StatusUnderReview:   {StatusCompleted, StatusRejected},
	// rejected is not terminal: the learner may retry.
	StatusRejected:  {StatusInProgress},
	StatusCompleted: {},
}

// CanTransition is the single authority on legal status moves.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// UserTask is the per-(user, task) progress record. Rows are never deleted;
// history fields accumulate across retries.
type UserTask struct {
	ID             string     `gorm:"column:id;primaryKey" json:"id"`
	UserID         string     `gorm:"column:user_id;not null;uniqueIndex:idx_user_task" json:"user_id"`
	TaskID         string     `gorm:"column:task_id;not null;uniqueIndex:idx_user_task" json:"task_id"`
	Status         Status     `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	UnlockedAt     *time.Time `gorm:"column:unlocked_at" json:"unlocked_at,omitempty"`
	StartedAt      *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	ProofAskedAt   *time.Time `gorm:"column:proof_asked_at" json:"proof_asked_at,omitempty"`
	SubmittedAt    *time.Time `gorm:"column:submitted_at" json:"submitted_at,omitempty"`
	ResolvedAt     *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	ProofID        string     `gorm:"column:proof_id" json:"proof_id,omitempty"`
	ReviewerID     string     `gorm:"column:reviewer_id" json:"reviewer_id,omitempty"`
	RejectedReason string     `gorm:"column:rejected_reason" json:"rejected_reason,omitempty"`
	RetryCount     int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (UserTask) TableName() string {
	return "user_tasks"
}

// Proof is submitted evidence for a UserTask. Immutable once written except
// for the reviewer's note.
type Proof struct {
	ID          string              `gorm:"column:id;primaryKey" json:"id"`
	UserTaskID  string              `gorm:"column:user_task_id;index;not null" json:"user_task_id"`
	Type        catalog.ProofPolicy `gorm:"column:type;type:varchar(10);not null" json:"type"`
	Content     string              `gorm:"column:content;type:text" json:"content,omitempty"`
	ObjectKey   string              `gorm:"column:object_key" json:"object_key,omitempty"`
	ContentType string              `gorm:"column:content_type" json:"content_type,omitempty"`
	SizeBytes   int64               `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`
	ReviewNote  string              `gorm:"column:review_note" json:"review_note,omitempty"`
	SubmittedAt time.Time           `gorm:"column:submitted_at;autoCreateTime" json:"submitted_at"`
}

func (Proof) TableName() string {
	return "proofs"
}

// Decision is a reviewer's verdict on a task under review.
type Decision string

const (
	DecisionCompleted Decision = "completed"
	DecisionRejected  Decision = "rejected"
)

func (d Decision) Valid() bool {
	return d == DecisionCompleted || d == DecisionRejected
}
