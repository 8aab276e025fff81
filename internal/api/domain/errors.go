package domain

import (
	"errors"
	"fmt"
)

// Admission error codes. These are part of the wire contract.
const (
	CodeUnauthorized     = "unauthorized"
	CodeNotFound         = "not_found"
	CodeAccountSuspended = "account_suspended"
	CodeInvalidRequest   = "invalid_request"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal_error"
)

// Rate limit reasons
const (
	ReasonBatchSize = "batch_size"
	ReasonFrequency = "frequency"
)

var (
	ErrCompanyNotFound = errors.New("company not found")
	ErrBatchNotFound   = errors.New("batch not found")
)

// AdmissionError is a terminal outcome of an admission request
type AdmissionError struct {
	Code    string
	Reason  string
	Message string
	Err     error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// Label is the code plus reason, used for statistics
func (e *AdmissionError) Label() string {
	if e.Reason == "" {
		return e.Code
	}
	return e.Code + ":" + e.Reason
}

func Unauthorized(message string, err error) *AdmissionError {
	return &AdmissionError{Code: CodeUnauthorized, Message: message, Err: err}
}

func CompanyNotFound(companyID string) *AdmissionError {
	return &AdmissionError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("company %s not found", companyID),
		Err:     ErrCompanyNotFound,
	}
}

func BatchNotFound(requestID string) *AdmissionError {
	return &AdmissionError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("bulk request %s not found", requestID),
		Err:     ErrBatchNotFound,
	}
}

func AccountSuspended(companyID string) *AdmissionError {
	return &AdmissionError{
		Code:    CodeAccountSuspended,
		Message: fmt.Sprintf("account %s is suspended", companyID),
	}
}

func InvalidRequest(message string) *AdmissionError {
	return &AdmissionError{Code: CodeInvalidRequest, Message: message}
}

func BatchTooLarge(tier Tier, jobs, max int) *AdmissionError {
	return &AdmissionError{
		Code:   CodeRateLimited,
		Reason: ReasonBatchSize,
		Message: fmt.Sprintf("batch of %d jobs exceeds the %s tier limit of %d jobs per request",
			jobs, tier, max),
	}
}

func TooManyRequests(tier Tier, limit int) *AdmissionError {
	return &AdmissionError{
		Code:    CodeRateLimited,
		Reason:  ReasonFrequency,
		Message: fmt.Sprintf("hourly limit of %d bulk requests reached for the %s tier", limit, tier),
	}
}

func Internal(message string, err error) *AdmissionError {
	return &AdmissionError{Code: CodeInternal, Message: message, Err: err}
}

// AsAdmissionError unwraps err to an AdmissionError, classifying anything
// else as internal.
func AsAdmissionError(err error) *AdmissionError {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae
	}
	return Internal("internal server error", err)
}
