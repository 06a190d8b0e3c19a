package models

import "strings"

// InterestStatus is the lifecycle state of a tradesperson's interest in a job.
type InterestStatus string

const (
	InterestInterested    InterestStatus = "interested"
	InterestPending       InterestStatus = "pending"
	InterestContactShared InterestStatus = "contact_shared"
	InterestPaidAccess    InterestStatus = "paid_access"
	InterestCancelled     InterestStatus = "cancelled"
)

var knownInterestStatuses = []InterestStatus{
	InterestInterested,
	InterestPending,
	InterestContactShared,
	InterestPaidAccess,
	InterestCancelled,
}

// InterestRecord is owned by the marketplace's interest tracking and is read-only here.
type InterestRecord struct {
	JobID          string         `json:"jobId" db:"job_id" yaml:"job_id"`
	TradespersonID string         `json:"tradespersonId" db:"tradesperson_id" yaml:"tradesperson_id"`
	Status         InterestStatus `json:"status" db:"status" yaml:"status"`

	// Malformed is set by stores that found a non-string status value.
	Malformed bool `json:"-" db:"-" yaml:"malformed,omitempty"`
}

// IsPaidAccess is the single comparison used to gate conversations on payment.
// It is an exact, case-sensitive match with no trimming: anything else fails closed.
func IsPaidAccess(status InterestStatus) bool {
	return status == InterestPaidAccess
}

// ParseInterestStatus returns the known status equal to raw, if any.
func ParseInterestStatus(raw string) (InterestStatus, bool) {
	for _, s := range knownInterestStatuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// NearMiss reports whether raw only differs from a known status by case or surrounding
// whitespace. Such values are treated as corrupted, never as the status they resemble.
func NearMiss(raw string) (InterestStatus, bool) {
	if _, ok := ParseInterestStatus(raw); ok {
		return "", false
	}
	folded := strings.ToLower(strings.TrimSpace(raw))
	for _, s := range knownInterestStatuses {
		if string(s) == folded {
			return s, true
		}
	}
	return "", false
}
