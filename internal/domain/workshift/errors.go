package workshift

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no workshift matches the requested identifier.
var ErrNotFound = errors.New("workshift not found")

// Reason classifies a ValidationError.
type Reason string

const (
	ReasonField   Reason = "field"
	ReasonPeriod  Reason = "period"
	ReasonOverlap Reason = "overlap"
	ReasonQuota   Reason = "quota"
)

// ValidationError is a client error. Message is returned to the caller verbatim.
type ValidationError struct {
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(reason Reason, format string, args ...interface{}) error {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsReason reports whether err is a ValidationError of the given reason.
func IsReason(err error, reason Reason) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Reason == reason
}

const (
	msgOverlap      = "Doctor already has a shift during this period"
	msgQuota        = "Doctor already has %s hours scheduled this week; cannot exceed 40 hours per week"
	msgBulkRequired = "doctorId, clinicId, periodStartDate, and periodEndDate are required"
	msgSpanDay      = "The work period must be at least one day long"
	msgSameWeek     = "The work period must be within the same week"
	msgUpdateFields = "startDate and duration are required"
)

func overlapError() error { return invalid(ReasonOverlap, msgOverlap) }

func quotaError(existingMinutes int) error {
	return invalid(ReasonQuota, msgQuota, formatHours(existingMinutes))
}

func formatHours(minutes int) string {
	return fmt.Sprintf("%g", float64(minutes)/60)
}
