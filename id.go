package stepflow

import (
	"time"

	"github.com/google/uuid"
)

// NewExecutionID generates a globally unique, time-sortable UUIDv7
// (RFC 9562), suitable as an executionId when a caller does not supply
// their own.
func NewExecutionID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// clock is the seam tests use to control time without sleeping for real.
type clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
