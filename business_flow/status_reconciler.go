package businessflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

// Sources of a provider status signal
const (
	StatusSourceWebhook = "webhook"
	StatusSourcePoll    = "poll"
)

const (
	defaultLockWait       = 5 * time.Second
	defaultBatchBudget    = 45 * time.Second
	defaultBalanceTimeout = 15 * time.Second
	staleSweepLimit       = 1000
)

// ProviderStatusUpdate is one status signal from a provider, pushed or polled
type ProviderStatusUpdate struct {
	Channel           models.Channel
	ProviderMessageID string
	Status            string // provider vocabulary
	OccurredAt        *time.Time
	Error             string
	Metadata          map[string]any
	Source            string
}

// ReaderAcknowledgement marks an incoming message as read by one operator
type ReaderAcknowledgement struct {
	MessageUUID string
	ReaderID    string
	ReaderName  string
	ReadAt      *time.Time
}

// IncomingMessage is a message received from a recipient through a provider webhook
type IncomingMessage struct {
	AccountID         uint
	Channel           models.Channel
	From              string
	Body              string
	ProviderMessageID string
	ConversationID    *string
	ReceivedAt        *time.Time
}

// PollStats summarizes one polling run
type PollStats struct {
	Checked         int
	Updated         int
	Skipped         int
	Failed          int
	BudgetExhausted bool
}

// ReconcilerOptions tunes batch sizes and time bounds of the reconciler
type ReconcilerOptions struct {
	BatchSize   int
	BatchBudget time.Duration
	StaleAfter  time.Duration
	LockWait    time.Duration
}

// StatusReconciler applies asynchronous provider signals to stored messages
type StatusReconciler interface {
	MapProviderStatus(raw string) (models.MessageStatus, bool)
	ApplyProviderStatus(ctx context.Context, update ProviderStatusUpdate) (bool, error)
	MarkRead(ctx context.Context, ack ReaderAcknowledgement) (bool, error)
	RecordIncoming(ctx context.Context, incoming IncomingMessage) (*models.Message, bool, error)
	PollOnce(ctx context.Context) PollStats
	SweepStale(ctx context.Context) (int, error)
	RefreshProviderBalances(ctx context.Context) []dto.ProviderBalanceItem
}

// StatusReconcilerImpl implements StatusReconciler
type StatusReconcilerImpl struct {
	messageRepo repository.MessageRepository
	accountRepo repository.AccountRepository
	registry    *services.AdapterRegistry
	locker      MessageLocker
	notifier    *statusNotifier
	clock       clockwork.Clock
	opts        ReconcilerOptions
	logger      zerolog.Logger
}

// NewStatusReconciler creates a new status reconciler
func NewStatusReconciler(
	messageRepo repository.MessageRepository,
	accountRepo repository.AccountRepository,
	registry *services.AdapterRegistry,
	locker MessageLocker,
	publisher EventPublisher,
	clock clockwork.Clock,
	opts ReconcilerOptions,
	logger zerolog.Logger,
) StatusReconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if locker == nil {
		locker = NewLocalMessageLocker()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = utils.ReconcileBatchSize
	}
	if opts.BatchBudget <= 0 {
		opts.BatchBudget = defaultBatchBudget
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = utils.DefaultStaleAfter
	}
	if opts.LockWait <= 0 {
		opts.LockWait = defaultLockWait
	}
	logger = logger.With().Str("component", "status_reconciler").Logger()
	return &StatusReconcilerImpl{
		messageRepo: messageRepo,
		accountRepo: accountRepo,
		registry:    registry,
		locker:      locker,
		notifier:    newStatusNotifier(publisher, logger),
		clock:       clock,
		opts:        opts,
		logger:      logger,
	}
}

// MapProviderStatus translates provider vocabulary to a message status.
// ok is false for values that carry no actionable state.
func MapProviderStatus(raw string) (models.MessageStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delivered", "received":
		return models.MessageStatusDelivered, true
	case "sent":
		return models.MessageStatusSent, true
	case "read":
		return models.MessageStatusRead, true
	case "failed", "cancelled", "error":
		return models.MessageStatusFailed, true
	}
	return "", false
}

func (s *StatusReconcilerImpl) MapProviderStatus(raw string) (models.MessageStatus, bool) {
	return MapProviderStatus(raw)
}

// ApplyProviderStatus moves the message identified by the provider id forward.
// It reports whether a transition was persisted.
func (s *StatusReconcilerImpl) ApplyProviderStatus(ctx context.Context, update ProviderStatusUpdate) (bool, error) {
	source := update.Source
	if source == "" {
		source = StatusSourceWebhook
	}

	next, ok := MapProviderStatus(update.Status)
	if !ok {
		reconcileUpdatesTotal.WithLabelValues(source, "ignored").Inc()
		s.logger.Debug().
			Str("channel", update.Channel.String()).
			Str("provider_message_id", update.ProviderMessageID).
			Str("status", update.Status).
			Msg("Ignoring non-actionable provider status")
		return false, nil
	}

	providerID := strings.TrimSpace(update.ProviderMessageID)
	if providerID == "" {
		reconcileUpdatesTotal.WithLabelValues(source, "unknown").Inc()
		return false, NewBusinessError("MESSAGE_NOT_FOUND", "Provider message id is missing", ErrMessageNotFound)
	}

	message, err := s.messageRepo.ByProviderMessageID(ctx, providerID)
	if err != nil {
		reconcileUpdatesTotal.WithLabelValues(source, "error").Inc()
		return false, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to lookup message", err)
	}
	if message == nil {
		reconcileUpdatesTotal.WithLabelValues(source, "unknown").Inc()
		return false, NewBusinessErrorf("MESSAGE_NOT_FOUND", "No message with provider id %s", ErrMessageNotFound, providerID)
	}

	return s.applyLocked(ctx, message.ID, next, update, source)
}

// applyLocked reloads the message under its lock and applies next when it moves forward
func (s *StatusReconcilerImpl) applyLocked(ctx context.Context, messageID uint, next models.MessageStatus, update ProviderStatusUpdate, source string) (bool, error) {
	unlock, err := s.lock(ctx, messageID)
	if err != nil {
		reconcileUpdatesTotal.WithLabelValues(source, "busy").Inc()
		return false, NewBusinessError("MESSAGE_LOCK_FAILED", "Failed to lock message", err)
	}
	defer unlock()

	persistCtx := context.WithoutCancel(ctx)
	message, err := s.messageRepo.ByID(persistCtx, messageID)
	if err != nil {
		reconcileUpdatesTotal.WithLabelValues(source, "error").Inc()
		return false, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to lookup message", err)
	}
	if message == nil {
		reconcileUpdatesTotal.WithLabelValues(source, "unknown").Inc()
		return false, NewBusinessError("MESSAGE_NOT_FOUND", "Message not found", ErrMessageNotFound)
	}

	current := message.Status
	if !current.CanTransitionTo(next) {
		reconcileUpdatesTotal.WithLabelValues(source, "dropped").Inc()
		s.logger.Debug().
			Str("message_uuid", message.UUID.String()).
			Str("current", current.String()).
			Str("next", next.String()).
			Str("source", source).
			Msg("Dropping status update that does not move forward")
		return false, nil
	}

	now := s.clock.Now().UTC()
	at := now
	if update.OccurredAt != nil && !update.OccurredAt.IsZero() {
		at = update.OccurredAt.UTC()
	}

	fields := map[string]any{"status": next}
	switch next {
	case models.MessageStatusSent:
		if message.SentAt == nil {
			fields["sent_at"] = at
		}
	case models.MessageStatusDelivered:
		if message.SentAt == nil {
			fields["sent_at"] = at
		}
		if message.DeliveredAt == nil {
			fields["delivered_at"] = at
		}
	case models.MessageStatusRead:
		if message.SentAt == nil {
			fields["sent_at"] = at
		}
		if message.DeliveredAt == nil {
			fields["delivered_at"] = at
		}
		if message.ReadAt == nil {
			fields["read_at"] = at
		}
	case models.MessageStatusFailed:
		reason := strings.TrimSpace(update.Error)
		if reason == "" {
			reason = "provider reported failure"
		}
		fields["error_message"] = reason
	}
	if current == models.MessageStatusFailed {
		fields["error_message"] = nil
	}

	metadata := datatypes.JSONMap{}
	for k, v := range message.ProviderMetadata {
		metadata[k] = v
	}
	for k, v := range update.Metadata {
		metadata[k] = v
	}
	metadata[models.MetadataKeyLastUpdate] = now.Format(time.RFC3339)
	fields["provider_metadata"] = metadata

	swapped, err := s.messageRepo.CompareAndSetStatus(persistCtx, message.ID, current, fields)
	if err != nil {
		reconcileUpdatesTotal.WithLabelValues(source, "error").Inc()
		return false, NewBusinessError("STATUS_UPDATE_FAILED", "Failed to update message status", err)
	}
	if !swapped {
		reconcileUpdatesTotal.WithLabelValues(source, "conflict").Inc()
		return false, nil
	}

	reconcileUpdatesTotal.WithLabelValues(source, "applied").Inc()
	s.logger.Info().
		Str("message_uuid", message.UUID.String()).
		Str("from", current.String()).
		Str("to", next.String()).
		Str("source", source).
		Msg("Message status updated")

	s.notifier.emit(message, current, next, at)
	return true, nil
}

func (s *StatusReconcilerImpl) lock(ctx context.Context, messageID uint) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockWait)
	defer cancel()
	return s.locker.Lock(lockCtx, messageID)
}

// MarkRead records an operator reading an incoming message. Duplicate acknowledgements
// from the same reader change nothing.
func (s *StatusReconcilerImpl) MarkRead(ctx context.Context, ack ReaderAcknowledgement) (bool, error) {
	readerID := strings.TrimSpace(ack.ReaderID)
	if readerID == "" {
		return false, NewBusinessError("INVALID_READER", "Reader id is required", ErrInvalidReader)
	}
	id, err := uuid.Parse(strings.TrimSpace(ack.MessageUUID))
	if err != nil {
		return false, NewBusinessError("MESSAGE_NOT_FOUND", "Message not found", ErrMessageNotFound)
	}

	message, err := s.messageRepo.ByUUID(ctx, id)
	if err != nil {
		return false, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to lookup message", err)
	}
	if message == nil {
		return false, NewBusinessError("MESSAGE_NOT_FOUND", "Message not found", ErrMessageNotFound)
	}

	unlock, err := s.lock(ctx, message.ID)
	if err != nil {
		return false, NewBusinessError("MESSAGE_LOCK_FAILED", "Failed to lock message", err)
	}
	defer unlock()

	persistCtx := context.WithoutCancel(ctx)
	message, err = s.messageRepo.ByID(persistCtx, message.ID)
	if err != nil {
		return false, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to lookup message", err)
	}
	if message == nil {
		return false, NewBusinessError("MESSAGE_NOT_FOUND", "Message not found", ErrMessageNotFound)
	}
	if message.Direction != models.MessageDirectionIncoming {
		return false, NewBusinessError("MESSAGE_NOT_INCOMING", "Only incoming messages can be marked read", ErrMessageNotIncoming)
	}
	// read is terminal for acknowledgements; later readers are not recorded
	if message.HasReader(readerID) || message.Status == models.MessageStatusRead {
		return false, nil
	}

	readAt := s.clock.Now().UTC()
	if ack.ReadAt != nil && !ack.ReadAt.IsZero() {
		readAt = ack.ReadAt.UTC()
	}
	readers := make(datatypes.JSONSlice[models.ReadReceipt], 0, len(message.ReadBy)+1)
	readers = append(readers, message.ReadBy...)
	readers = append(readers, models.ReadReceipt{
		ReaderID:   readerID,
		ReaderName: strings.TrimSpace(ack.ReaderName),
		ReadAt:     readAt,
	})

	current := message.Status
	fields := map[string]any{"read_by": readers}
	promote := current.CanTransitionTo(models.MessageStatusRead)
	if promote {
		fields["status"] = models.MessageStatusRead
		if message.ReadAt == nil {
			fields["read_at"] = readAt
		}
	}

	swapped, err := s.messageRepo.CompareAndSetStatus(persistCtx, message.ID, current, fields)
	if err != nil {
		return false, NewBusinessError("MARK_READ_FAILED", "Failed to mark message read", err)
	}
	if !swapped {
		return false, nil
	}

	s.logger.Info().
		Str("message_uuid", message.UUID.String()).
		Str("reader_id", readerID).
		Msg("Incoming message acknowledged")

	if promote {
		s.notifier.emit(message, current, models.MessageStatusRead, readAt)
	}
	return true, nil
}

// RecordIncoming stores a message received from a recipient. Replays of the same
// provider message id return the stored message.
func (s *StatusReconcilerImpl) RecordIncoming(ctx context.Context, incoming IncomingMessage) (*models.Message, bool, error) {
	providerID := strings.TrimSpace(incoming.ProviderMessageID)
	if providerID == "" || strings.TrimSpace(incoming.From) == "" {
		return nil, false, NewBusinessError("INVALID_INCOMING_MESSAGE", "Sender and provider id are required", ErrMissingFields)
	}

	existing, err := s.messageRepo.ByProviderMessageID(ctx, providerID)
	if err != nil {
		return nil, false, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to lookup message", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	account, err := s.accountRepo.ByID(ctx, incoming.AccountID)
	if err != nil {
		return nil, false, NewBusinessError("ACCOUNT_LOOKUP_FAILED", "Failed to lookup account", err)
	}
	if account == nil {
		return nil, false, NewBusinessError("ACCOUNT_NOT_FOUND", "Account not found", ErrAccountNotFound)
	}

	hint := utils.CountryHint{CallingCode: account.DefaultCallingCode, Region: account.DefaultRegion}
	sender, err := utils.NormalizePhone(incoming.From, hint)
	if err != nil {
		sender = strings.TrimSpace(incoming.From)
	}

	now := s.clock.Now().UTC()
	receivedAt := now
	if incoming.ReceivedAt != nil && !incoming.ReceivedAt.IsZero() {
		receivedAt = incoming.ReceivedAt.UTC()
	}

	message := &models.Message{
		AccountID:          account.ID,
		Direction:          models.MessageDirectionIncoming,
		ConversationID:     incoming.ConversationID,
		Recipients:         datatypes.JSONSlice[string]{sender},
		OriginalRecipients: datatypes.JSONSlice[string]{incoming.From},
		Content:            incoming.Body,
		Status:             models.MessageStatusDelivered,
		ChannelUsed:        incoming.Channel,
		ProviderMessageID:  &providerID,
		ProviderMetadata: datatypes.JSONMap{
			models.MetadataKeyProvider:   incoming.Channel.String(),
			models.MetadataKeyLastUpdate: now.Format(time.RFC3339),
		},
		DeliveredAt: &receivedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.messageRepo.Save(ctx, message); err != nil {
		return nil, false, NewBusinessError("MESSAGE_CREATION_FAILED", "Failed to store incoming message", err)
	}

	s.logger.Info().
		Str("message_uuid", message.UUID.String()).
		Str("channel", incoming.Channel.String()).
		Uint("account_id", account.ID).
		Msg("Incoming message recorded")
	return message, true, nil
}

// PollOnce asks providers for the status of the oldest unresolved messages. The whole
// run is bounded by the batch budget.
func (s *StatusReconcilerImpl) PollOnce(ctx context.Context) PollStats {
	var stats PollStats

	channels := s.registry.PollableChannels()
	if len(channels) == 0 {
		return stats
	}

	budgetCtx, cancel := context.WithTimeout(ctx, s.opts.BatchBudget)
	defer cancel()

	messages, err := s.messageRepo.ListReconcilable(budgetCtx, channels, s.opts.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list messages for reconciliation")
		return stats
	}

	for _, message := range messages {
		if budgetCtx.Err() != nil {
			stats.BudgetExhausted = true
			break
		}
		stats.Checked++

		adapter, ok := s.registry.Get(message.ChannelUsed)
		if !ok || message.ProviderMessageID == nil {
			stats.Skipped++
			continue
		}

		var statusOpts services.StatusOptions
		if deviceID, ok := message.ProviderMetadata[models.MetadataKeyDeviceID].(string); ok {
			statusOpts.DeviceID = deviceID
		}
		res := adapter.CheckStatus(budgetCtx, *message.ProviderMessageID, statusOpts)
		if !res.Success {
			if res.Err != nil && errors.Is(res.Err, services.ErrOperationUnsupported) {
				stats.Skipped++
				continue
			}
			stats.Failed++
			event := s.logger.Warn().
				Str("message_uuid", message.UUID.String()).
				Str("channel", message.ChannelUsed.String())
			if res.Err != nil {
				event = event.Err(res.Err)
			}
			event.Msg("Provider status query failed")
			continue
		}

		next, ok := MapProviderStatus(res.CanonicalStatus)
		if !ok {
			stats.Skipped++
			continue
		}

		update := ProviderStatusUpdate{
			Channel:           message.ChannelUsed,
			ProviderMessageID: *message.ProviderMessageID,
			Status:            res.CanonicalStatus,
			OccurredAt:        polledAt(next, res),
			Source:            StatusSourcePoll,
		}
		if res.RawStatus != "" {
			update.Metadata = map[string]any{"providerStatus": res.RawStatus}
		}
		if next == models.MessageStatusFailed {
			update.Error = fmt.Sprintf("provider reported %s", firstNonEmpty(res.RawStatus, res.CanonicalStatus))
		}

		changed, err := s.applyLocked(budgetCtx, message.ID, next, update, StatusSourcePoll)
		switch {
		case err != nil:
			stats.Failed++
			s.logger.Warn().Err(err).Str("message_uuid", message.UUID.String()).Msg("Failed to apply polled status")
		case changed:
			stats.Updated++
		default:
			stats.Skipped++
		}
	}

	if budgetCtx.Err() != nil && stats.Checked < len(messages) {
		stats.BudgetExhausted = true
	}
	if stats.BudgetExhausted {
		s.logger.Warn().
			Int("checked", stats.Checked).
			Int("listed", len(messages)).
			Dur("budget", s.opts.BatchBudget).
			Msg("Polling budget exhausted")
	}
	return stats
}

func polledAt(next models.MessageStatus, res services.StatusResult) *time.Time {
	switch next {
	case models.MessageStatusDelivered, models.MessageStatusRead:
		if res.DeliveredAt != nil {
			return res.DeliveredAt
		}
		return res.SentAt
	case models.MessageStatusSent:
		return res.SentAt
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// SweepStale fails pending messages that never received a provider confirmation
func (s *StatusReconcilerImpl) SweepStale(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.opts.StaleAfter)

	messages, err := s.messageRepo.ListPendingOlderThan(ctx, cutoff, staleSweepLimit)
	if err != nil {
		return 0, NewBusinessError("STALE_SWEEP_FAILED", "Failed to list stale messages", err)
	}

	swept := 0
	for _, message := range messages {
		if ctx.Err() != nil {
			break
		}
		if s.sweepOne(ctx, message, now) {
			swept++
		}
	}

	if swept > 0 {
		staleMessagesTotal.Add(float64(swept))
		s.logger.Info().Int("count", swept).Time("cutoff", cutoff).Msg("Stale pending messages failed")
	}
	return swept, nil
}

func (s *StatusReconcilerImpl) sweepOne(ctx context.Context, message *models.Message, now time.Time) bool {
	// A message still held by a worker is being dispatched right now
	unlock, err := s.lock(ctx, message.ID)
	if err != nil {
		s.logger.Debug().Str("message_uuid", message.UUID.String()).Msg("Stale message busy, skipping")
		return false
	}
	defer unlock()

	metadata := datatypes.JSONMap{}
	for k, v := range message.ProviderMetadata {
		metadata[k] = v
	}
	metadata[models.MetadataKeyLastUpdate] = now.Format(time.RFC3339)

	swapped, err := s.messageRepo.CompareAndSetStatus(context.WithoutCancel(ctx), message.ID, models.MessageStatusPending, map[string]any{
		"status":            models.MessageStatusFailed,
		"error_message":     utils.StalePendingReason,
		"provider_metadata": metadata,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("message_uuid", message.UUID.String()).Msg("Failed to fail stale message")
		return false
	}
	if swapped {
		s.notifier.emit(message, models.MessageStatusPending, models.MessageStatusFailed, now)
	}
	return swapped
}

// RefreshProviderBalances queries every ready provider and updates the balance gauge
func (s *StatusReconcilerImpl) RefreshProviderBalances(ctx context.Context) []dto.ProviderBalanceItem {
	channels := s.registry.ReadyChannels()
	items := make([]dto.ProviderBalanceItem, 0, len(channels))

	for _, channel := range channels {
		adapter, ok := s.registry.Get(channel)
		if !ok {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, defaultBalanceTimeout)
		res := adapter.CheckBalance(callCtx)
		cancel()

		item := dto.ProviderBalanceItem{Channel: channel.String()}
		if res.Success {
			item.Available = true
			item.Balance = res.Balance
			item.Currency = res.Currency
			providerBalanceGauge.WithLabelValues(channel.String(), res.Currency).Set(res.Balance)
		} else if res.Err != nil {
			item.Error = res.Err.Error()
			if !errors.Is(res.Err, services.ErrOperationUnsupported) {
				s.logger.Warn().Err(res.Err).Str("channel", channel.String()).Msg("Provider balance query failed")
			}
		}
		items = append(items, item)
	}
	return items
}
