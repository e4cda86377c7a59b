package utils

import (
	"time"
)

// Phone constants
const (
	// MinPhoneDigits is the shortest digit run accepted as a phone number
	MinPhoneDigits = 7
)

// Dispatch constants
const (
	// SystemActor is recorded as performer of automatic ledger entries
	SystemActor = "system"

	// StalePendingReason is the error recorded on messages that never got a provider signal
	StalePendingReason = "no provider confirmation received"

	// DefaultStaleAfter is how long a message may stay pending without provider confirmation
	DefaultStaleAfter = 24 * time.Hour

	// ReconcileBatchSize is the number of messages polled per reconciliation run
	ReconcileBatchSize = 100
)
