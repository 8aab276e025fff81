package admission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cuongbtq/rate-bulk/internal/api/audit"
	"github.com/cuongbtq/rate-bulk/internal/api/domain"
	"github.com/cuongbtq/rate-bulk/internal/api/dto"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// DecodeSubmission parses and validates a rate-bulk request body
func DecodeSubmission(body []byte) (*domain.Submission, error) {
	var req dto.RateBulkRequest
	if err := binding.JSON.BindBody(body, &req); err != nil {
		return nil, domain.InvalidRequest(describeBindError(err))
	}

	if len(req.Jobs) == 0 {
		return nil, domain.InvalidRequest("jobs must be a non-empty array")
	}

	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return nil, domain.InvalidRequest(err.Error())
	}

	lanes := make([]domain.Lane, len(req.Jobs))
	for i, j := range req.Jobs {
		lanes[i] = j.ToLane()
	}

	return &domain.Submission{
		Lanes:            lanes,
		Priority:         priority,
		CallbackURL:      req.CallbackURL,
		ClaimedCompanyID: req.CompanyID,
		Digest:           audit.Digest(body),
	}, nil
}

func describeBindError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.TrimPrefix(fe.Namespace(), "RateBulkRequest.")
		switch fe.Tag() {
		case "required":
			return fmt.Sprintf("%s is required", field)
		case "oneof":
			return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
		case "url":
			return fmt.Sprintf("%s must be a valid URL", field)
		default:
			return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
		}
	}
	return "request body must be valid JSON"
}
