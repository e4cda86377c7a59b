package businessflow

import (
	"context"
	"time"

	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/rs/zerolog"
)

const publishTimeout = 10 * time.Second

// EventPublisher receives MessageStatusChanged notifications. Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event services.MessageStatusChanged) error
}

// statusNotifier publishes status changes off the caller's goroutine
type statusNotifier struct {
	publisher EventPublisher
	logger    zerolog.Logger
}

func newStatusNotifier(publisher EventPublisher, logger zerolog.Logger) *statusNotifier {
	return &statusNotifier{publisher: publisher, logger: logger}
}

func (n *statusNotifier) emit(message *models.Message, previous, next models.MessageStatus, at time.Time) {
	if n == nil || n.publisher == nil {
		return
	}
	event := services.MessageStatusChanged{
		MessageID:      message.ID,
		MessageUUID:    message.UUID.String(),
		ConversationID: message.ConversationID,
		AccountID:      message.AccountID,
		NewStatus:      next,
		PreviousStatus: previous,
		OccurredAt:     at,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := n.publisher.Publish(ctx, event); err != nil {
			n.logger.Warn().
				Err(err).
				Str("message_uuid", event.MessageUUID).
				Str("status", next.String()).
				Msg("Failed to publish status change")
		}
	}()
}
