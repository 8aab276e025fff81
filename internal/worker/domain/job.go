package domain

import (
	"encoding/json"
	"fmt"
)

// Job is a claimed rating job
type Job struct {
	ID            int64  `db:"id"`
	CompanyID     string `db:"company_id"`
	BulkRequestID string `db:"bulk_request_id"`
	JobIndex      int    `db:"job_index"`
	FnName        string `db:"fn_name"`
	Payload       string `db:"payload"`
}

// Lane is the pricing unit submitted by the tenant
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

// JobPayload is the body of a rating job row
type JobPayload struct {
	Lane     Lane   `json:"lane"`
	Mode     string `json:"mode"`
	Priority string `json:"priority"`
}

// ParsePayload decodes and checks a job payload
func ParsePayload(raw string) (*JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Mode != JobModeRate {
		return nil, fmt.Errorf("%w: unsupported mode %q", ErrInvalidPayload, p.Mode)
	}
	return &p, nil
}

// BatchMessage is the queue notification for a committed batch
type BatchMessage struct {
	RequestID string `json:"request_id"`
	CompanyID string `json:"company_id"`
	TotalJobs int    `json:"total_jobs"`
	Priority  string `json:"priority"`
}

// BatchOutcome describes a batch that just reached a terminal status
type BatchOutcome struct {
	RequestID   string `db:"id"`
	CompanyID   string `db:"company_id"`
	Status      string `db:"status"`
	TotalJobs   int    `db:"total_jobs"`
	CallbackURL string `db:"callback_url"`
	Done        int    `db:"done"`
	Failed      int    `db:"failed"`
}
