package domain

import (
	"fmt"
	"time"
)

const (
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// JobModeRate marks a job payload as a pricing request
const JobModeRate = "rate"

// Priority orders batches in the downstream queue
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps the wire value to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(s), nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// QueuePriority is the AMQP message priority for p
func (p Priority) QueuePriority() uint8 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 9
	default:
		return 5
	}
}

// Lane is one origin/destination pricing unit as submitted by the caller
type Lane struct {
	Origin                string   `json:"origin"`
	Destination           string   `json:"destination"`
	EquipmentType         string   `json:"equipment_type"`
	PickupDate            string   `json:"pickup_date"`
	Weight                *float64 `json:"weight,omitempty"`
	Hazmat                *bool    `json:"hazmat,omitempty"`
	TemperatureControlled *bool    `json:"temperature_controlled,omitempty"`
	SpecialRequirements   []string `json:"special_requirements,omitempty"`
}

// JobPayload is the body stored on each rating job row
type JobPayload struct {
	Lane     Lane     `json:"lane"`
	Mode     string   `json:"mode"`
	Priority Priority `json:"priority"`
}

// NewJobPayload wraps lane as a rate job at the batch priority
func NewJobPayload(lane Lane, priority Priority) JobPayload {
	return JobPayload{Lane: lane, Mode: JobModeRate, Priority: priority}
}

// Submission is a validated bulk rating request
type Submission struct {
	Lanes       []Lane
	Priority    Priority
	CallbackURL string
	// ClaimedCompanyID is the body company_id. It is logged, never trusted.
	ClaimedCompanyID string
	// Digest is the hash of the raw request body
	Digest string
}

// Admission is the result of an accepted batch
type Admission struct {
	RequestID           string
	Accepted            int
	EstimatedCompletion time.Time
}

// JobCounts groups a batch's jobs by status
type JobCounts struct {
	Pending int
	Running int
	Done    int
	Failed  int
}

// BatchStatus is the externally visible state of a batch
type BatchStatus struct {
	RequestID           string
	Status              string
	TotalJobs           int
	Priority            Priority
	EstimatedCompletion time.Time
	CreatedAt           time.Time
	Jobs                JobCounts
}

// BatchMessage is the queue notification for a committed batch
type BatchMessage struct {
	RequestID string   `json:"request_id"`
	CompanyID string   `json:"company_id"`
	TotalJobs int      `json:"total_jobs"`
	Priority  Priority `json:"priority"`
}
