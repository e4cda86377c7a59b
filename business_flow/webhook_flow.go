package businessflow

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/rs/zerolog"
)

// WebhookFlow translates provider callbacks into reconciler calls. Every method reports
// how many updates were applied; individual failures are logged and skipped.
type WebhookFlow interface {
	HandleSMS(ctx context.Context, payload *dto.SMSWebhookPayload) (int, error)
	HandleBridge(ctx context.Context, token string, payload *dto.BridgeWebhookPayload) (int, error)
	HandleOfficial(ctx context.Context, token string, payload *dto.OfficialWebhookPayload) (int, error)
}

// WebhookFlowImpl implements WebhookFlow
type WebhookFlowImpl struct {
	accountRepo repository.AccountRepository
	reconciler  StatusReconciler
	logger      zerolog.Logger
}

// NewWebhookFlow creates a new webhook flow instance
func NewWebhookFlow(accountRepo repository.AccountRepository, reconciler StatusReconciler, logger zerolog.Logger) WebhookFlow {
	return &WebhookFlowImpl{
		accountRepo: accountRepo,
		reconciler:  reconciler,
		logger:      logger.With().Str("component", "webhook_flow").Logger(),
	}
}

func (f *WebhookFlowImpl) HandleSMS(ctx context.Context, payload *dto.SMSWebhookPayload) (int, error) {
	if payload == nil || payload.Payload.MessageID == "" {
		return 0, nil
	}

	var status string
	var at *time.Time
	switch strings.ToLower(payload.Event) {
	case "sms:sent":
		status, at = "sent", parseRFC3339(payload.Payload.SentAt)
	case "sms:delivered":
		status, at = "delivered", parseRFC3339(payload.Payload.DeliveredAt)
	case "sms:failed":
		status, at = "failed", parseRFC3339(payload.Payload.FailedAt)
	default:
		status = payload.Payload.State
	}

	update := ProviderStatusUpdate{
		Channel:           models.ChannelSMS,
		ProviderMessageID: payload.Payload.MessageID,
		Status:            status,
		OccurredAt:        at,
		Error:             payload.Payload.Reason,
		Metadata:          map[string]any{"webhookEvent": payload.Event},
		Source:            StatusSourceWebhook,
	}
	return f.apply(ctx, update), nil
}

func (f *WebhookFlowImpl) HandleBridge(ctx context.Context, token string, payload *dto.BridgeWebhookPayload) (int, error) {
	if payload == nil {
		return 0, nil
	}
	p := payload.Payload

	switch payload.Event {
	case "message.ack":
		if p.ID == "" || p.Ack == nil {
			return 0, nil
		}
		update := ProviderStatusUpdate{
			Channel:           models.ChannelWhatsappUnofficial,
			ProviderMessageID: p.ID,
			Status:            services.BridgeAckStatus(*p.Ack),
			OccurredAt:        unixSeconds(p.Timestamp),
			Metadata:          map[string]any{"ack": *p.Ack, "ackName": p.AckName},
			Source:            StatusSourceWebhook,
		}
		return f.apply(ctx, update), nil

	case "message":
		if p.FromMe {
			return 0, nil
		}
		account, err := f.accountForToken(ctx, token)
		if err != nil {
			return 0, err
		}
		incoming := IncomingMessage{
			AccountID:         account.ID,
			Channel:           models.ChannelWhatsappUnofficial,
			From:              strings.TrimSuffix(p.From, "@c.us"),
			Body:              p.Body,
			ProviderMessageID: p.ID,
			ReceivedAt:        unixSeconds(p.Timestamp),
		}
		return f.record(ctx, incoming), nil
	}

	f.logger.Debug().Str("event", payload.Event).Msg("Ignoring bridge event")
	return 0, nil
}

func (f *WebhookFlowImpl) HandleOfficial(ctx context.Context, token string, payload *dto.OfficialWebhookPayload) (int, error) {
	if payload == nil {
		return 0, nil
	}

	applied := 0
	var account *models.Account
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				update := ProviderStatusUpdate{
					Channel:           models.ChannelWhatsappOfficial,
					ProviderMessageID: st.ID,
					Status:            st.Status,
					OccurredAt:        unixSecondsString(st.Timestamp),
					Metadata:          map[string]any{"recipientId": st.RecipientID},
					Source:            StatusSourceWebhook,
				}
				if len(st.Errors) > 0 {
					update.Error = st.Errors[0].Title
					update.Metadata["errorCode"] = st.Errors[0].Code
				}
				applied += f.apply(ctx, update)
			}

			for _, msg := range change.Value.Messages {
				if account == nil {
					var err error
					account, err = f.accountForToken(ctx, token)
					if err != nil {
						return applied, err
					}
				}
				body := ""
				if msg.Text != nil {
					body = msg.Text.Body
				}
				applied += f.record(ctx, IncomingMessage{
					AccountID:         account.ID,
					Channel:           models.ChannelWhatsappOfficial,
					From:              msg.From,
					Body:              body,
					ProviderMessageID: msg.ID,
					ReceivedAt:        unixSecondsString(msg.Timestamp),
				})
			}
		}
	}
	return applied, nil
}

func (f *WebhookFlowImpl) apply(ctx context.Context, update ProviderStatusUpdate) int {
	changed, err := f.reconciler.ApplyProviderStatus(ctx, update)
	if err != nil {
		f.logger.Warn().
			Err(err).
			Str("channel", update.Channel.String()).
			Str("provider_message_id", update.ProviderMessageID).
			Str("status", update.Status).
			Msg("Webhook status update not applied")
		return 0
	}
	if changed {
		return 1
	}
	return 0
}

func (f *WebhookFlowImpl) record(ctx context.Context, incoming IncomingMessage) int {
	_, created, err := f.reconciler.RecordIncoming(ctx, incoming)
	if err != nil {
		f.logger.Warn().
			Err(err).
			Str("channel", incoming.Channel.String()).
			Str("provider_message_id", incoming.ProviderMessageID).
			Msg("Incoming message not recorded")
		return 0
	}
	if created {
		return 1
	}
	return 0
}

func (f *WebhookFlowImpl) accountForToken(ctx context.Context, token string) (*models.Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NewBusinessError("UNAUTHORIZED", "Incoming messages need the account token", ErrUnauthorized)
	}
	account, err := f.accountRepo.ByToken(ctx, token)
	if err != nil {
		return nil, NewBusinessError("ACCOUNT_LOOKUP_FAILED", "Failed to lookup account", err)
	}
	if account == nil || !account.IsActive {
		return nil, NewBusinessError("UNAUTHORIZED", "Invalid or inactive token", ErrUnauthorized)
	}
	return account, nil
}

func parseRFC3339(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func unixSeconds(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func unixSecondsString(v string) *time.Time {
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return unixSeconds(sec)
}
