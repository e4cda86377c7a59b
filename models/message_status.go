package models

// MessageStatus represents the lifecycle state of a message
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Rank orders the forward path pending < sent < delivered < read.
// Failed has no rank and returns -1.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusPending:
		return 0
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return -1
}

// IsValid reports whether s is a known status
func (s MessageStatus) IsValid() bool {
	return s == MessageStatusFailed || s.Rank() >= 0
}

// CanTransitionTo reports whether moving from s to next is a forward move.
// Failed is reachable only from pending or sent. A failed message may still
// be promoted to sent, delivered or read when a late provider signal proves
// the send went through. Same-status updates are not transitions.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if s == next || !next.IsValid() {
		return false
	}
	if next == MessageStatusFailed {
		return s == MessageStatusPending || s == MessageStatusSent
	}
	if s == MessageStatusFailed {
		return next.Rank() >= MessageStatusSent.Rank()
	}
	return next.Rank() > s.Rank()
}

// IsFinal returns true when no further provider signal can advance the status
func (s MessageStatus) IsFinal() bool {
	return s == MessageStatusRead
}

func (s MessageStatus) String() string {
	return string(s)
}
