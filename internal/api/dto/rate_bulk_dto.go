package dto

import (
	"time"

	"github.com/cuongbtq/rate-bulk/internal/api/domain"
)

// EstimatedCompletionLayout is the wire format of estimated_completion and created_at
const EstimatedCompletionLayout = "2006-01-02T15:04:05.000Z07:00"

type RateBulkRequest struct {
	CompanyID   string         `json:"company_id"`
	Jobs        []RatingJobDTO `json:"jobs" binding:"dive"`
	Priority    string         `json:"priority" binding:"omitempty,oneof=low normal high"`
	CallbackURL string         `json:"callback_url" binding:"omitempty,url"`
}

type RatingJobDTO struct {
	Origin                string   `json:"origin" binding:"required"`
	Destination           string   `json:"destination" binding:"required"`
	EquipmentType         string   `json:"equipment_type" binding:"required"`
	PickupDate            string   `json:"pickup_date" binding:"required"`
	Weight                *float64 `json:"weight" binding:"omitempty,gte=0"`
	Hazmat                *bool    `json:"hazmat"`
	TemperatureControlled *bool    `json:"temperature_controlled"`
	SpecialRequirements   []string `json:"special_requirements"`
}

// ToLane converts the wire job to the domain lane
func (j RatingJobDTO) ToLane() domain.Lane {
	return domain.Lane{
		Origin:                j.Origin,
		Destination:           j.Destination,
		EquipmentType:         j.EquipmentType,
		PickupDate:            j.PickupDate,
		Weight:                j.Weight,
		Hazmat:                j.Hazmat,
		TemperatureControlled: j.TemperatureControlled,
		SpecialRequirements:   j.SpecialRequirements,
	}
}

type RateBulkResponse struct {
	RequestID           string `json:"request_id"`
	Accepted            int    `json:"accepted"`
	EstimatedCompletion string `json:"estimated_completion"`
	Status              string `json:"status"`
}

// NewRateBulkResponse renders an accepted admission
func NewRateBulkResponse(a *domain.Admission) RateBulkResponse {
	return RateBulkResponse{
		RequestID:           a.RequestID,
		Accepted:            a.Accepted,
		EstimatedCompletion: FormatTime(a.EstimatedCompletion),
		Status:              "accepted",
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type JobCountsDTO struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

type BatchStatusResponse struct {
	RequestID           string       `json:"request_id"`
	Status              string       `json:"status"`
	TotalJobs           int          `json:"total_jobs"`
	Priority            string       `json:"priority"`
	EstimatedCompletion string       `json:"estimated_completion"`
	CreatedAt           string       `json:"created_at"`
	Jobs                JobCountsDTO `json:"jobs"`
}

func NewBatchStatusResponse(s *domain.BatchStatus) BatchStatusResponse {
	return BatchStatusResponse{
		RequestID:           s.RequestID,
		Status:              s.Status,
		TotalJobs:           s.TotalJobs,
		Priority:            string(s.Priority),
		EstimatedCompletion: FormatTime(s.EstimatedCompletion),
		CreatedAt:           FormatTime(s.CreatedAt),
		Jobs: JobCountsDTO{
			Pending: s.Jobs.Pending,
			Running: s.Jobs.Running,
			Done:    s.Jobs.Done,
			Failed:  s.Jobs.Failed,
		},
	}
}

// FormatTime renders t in UTC with millisecond precision
func FormatTime(t time.Time) string {
	return t.UTC().Format(EstimatedCompletionLayout)
}
