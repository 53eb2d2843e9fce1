package database

import (
	"context"
	"errors"

	"github.com/lib/pq"
)

// UniqueConstraint names a unique constraint in the schema. Keep these in
// sync with the migrations.
type UniqueConstraint string

const (
	UniqueUsageEventsEventID UniqueConstraint = "usage_events_event_id_key"
	UniqueUsageLogsWindow    UniqueConstraint = "usage_logs_device_id_app_key_window_start_window_end_key"
	UniqueDevicesDeviceUID   UniqueConstraint = "devices_device_uid_key"
	UniqueAccountsEnrollKey  UniqueConstraint = "accounts_enrollment_key_key"
)

// IsUniqueViolation checks if the error is due to a unique violation.
// If one or more specific unique constraints are given as arguments,
// the error must be caused by one of them. If no constraints are given,
// this function returns true for any unique violation.
func IsUniqueViolation(err error, uniqueConstraints ...UniqueConstraint) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Name() == "unique_violation" {
			if len(uniqueConstraints) == 0 {
				return true
			}
			for _, uc := range uniqueConstraints {
				if pqErr.Constraint == string(uc) {
					return true
				}
			}
		}
	}

	return false
}

// IsSerializedError checks if the error is a serialization failure, which
// InTx retries at the serializable isolation level.
func IsSerializedError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "serialization_failure"
	}
	return false
}

// IsQueryCanceledError checks if the error is due to a query being canceled.
func IsQueryCanceledError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "57014" // query_canceled
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}
