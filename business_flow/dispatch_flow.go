package businessflow

import (
	"context"
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
	"gorm.io/gorm"
)

const defaultChannelTimeout = 20 * time.Second

// DispatchJob asks a worker to run the provider fallback for one accepted message
type DispatchJob struct {
	MessageID  uint
	AccountID  uint
	Order      []models.Channel
	EnqueuedAt time.Time
}

// DispatchQueue hands accepted messages to background workers
type DispatchQueue interface {
	Enqueue(job DispatchJob) error
}

// DispatchFlow accepts send requests and executes them against the providers
type DispatchFlow interface {
	Send(ctx context.Context, req *dto.SendMessageRequest) (*dto.SendMessageResponse, error)
	Deliver(ctx context.Context, job DispatchJob) error
	GetMessageStatus(ctx context.Context, req *dto.GetMessageStatusRequest) (*dto.MessageStatusResponse, error)
}

// DispatchFlowImpl implements DispatchFlow
type DispatchFlowImpl struct {
	accountRepo    repository.AccountRepository
	messageRepo    repository.MessageRepository
	policy         AccountPolicy
	registry       *services.AdapterRegistry
	queue          DispatchQueue
	locker         MessageLocker
	notifier       *statusNotifier
	db             *gorm.DB
	clock          clockwork.Clock
	channelTimeout time.Duration
	logger         zerolog.Logger
}

// NewDispatchFlow creates a new dispatch flow instance
func NewDispatchFlow(
	accountRepo repository.AccountRepository,
	messageRepo repository.MessageRepository,
	policy AccountPolicy,
	registry *services.AdapterRegistry,
	queue DispatchQueue,
	locker MessageLocker,
	publisher EventPublisher,
	db *gorm.DB,
	clock clockwork.Clock,
	channelTimeout time.Duration,
	logger zerolog.Logger,
) DispatchFlow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if locker == nil {
		locker = NewLocalMessageLocker()
	}
	if channelTimeout <= 0 {
		channelTimeout = defaultChannelTimeout
	}
	logger = logger.With().Str("component", "dispatch_flow").Logger()
	return &DispatchFlowImpl{
		accountRepo:    accountRepo,
		messageRepo:    messageRepo,
		policy:         policy,
		registry:       registry,
		queue:          queue,
		locker:         locker,
		notifier:       newStatusNotifier(publisher, logger),
		db:             db,
		clock:          clock,
		channelTimeout: channelTimeout,
		logger:         logger,
	}
}

// Send validates the request, records a pending message and hands it to the dispatch queue.
// Provider calls never happen on this path.
func (s *DispatchFlowImpl) Send(ctx context.Context, req *dto.SendMessageRequest) (*dto.SendMessageResponse, error) {
	token := strings.TrimSpace(req.Token)
	rawPhone := strings.TrimSpace(req.Phone)
	if token == "" || rawPhone == "" || strings.TrimSpace(req.Message) == "" {
		sendRequestsTotal.WithLabelValues("missing_fields").Inc()
		return nil, NewBusinessError("MISSING_FIELDS", "Phone, token and message are required", ErrMissingFields)
	}

	requested := models.Channel(strings.TrimSpace(req.Channel))
	if requested != "" && !requested.IsValid() {
		sendRequestsTotal.WithLabelValues("invalid_channel").Inc()
		return nil, NewBusinessErrorf("INVALID_CHANNEL", "Unknown channel %q", ErrInvalidChannel, requested)
	}

	account, err := s.accountRepo.ByToken(ctx, token)
	if err != nil {
		sendRequestsTotal.WithLabelValues("internal_error").Inc()
		return nil, NewBusinessError("ACCOUNT_LOOKUP_FAILED", "Failed to lookup account", err)
	}
	if account == nil || !account.IsActive {
		sendRequestsTotal.WithLabelValues("unauthorized").Inc()
		return nil, NewBusinessError("UNAUTHORIZED", "Invalid or inactive token", ErrUnauthorized)
	}

	// The country hint comes from the account of this request only
	hint := utils.CountryHint{CallingCode: account.DefaultCallingCode, Region: account.DefaultRegion}
	address, err := utils.NormalizePhone(rawPhone, hint)
	if err != nil {
		s.recordInvalidRecipient(ctx, account, req, rawPhone, requested, err)
		sendRequestsTotal.WithLabelValues("invalid_phone").Inc()
		return nil, NewBusinessError("INVALID_PHONE_NUMBER", "Invalid phone number", err)
	}

	ok, err := s.policy.CheckDailyLimit(ctx, account)
	if err != nil {
		sendRequestsTotal.WithLabelValues("internal_error").Inc()
		return nil, NewBusinessError("QUOTA_CHECK_FAILED", "Failed to check daily limit", err)
	}
	if !ok {
		sendRequestsTotal.WithLabelValues("daily_limit").Inc()
		return nil, NewBusinessError("DAILY_LIMIT_EXCEEDED", "Daily message limit exceeded", ErrDailyLimitExceeded)
	}
	ok, err = s.policy.CheckMonthlyLimit(ctx, account)
	if err != nil {
		sendRequestsTotal.WithLabelValues("internal_error").Inc()
		return nil, NewBusinessError("QUOTA_CHECK_FAILED", "Failed to check monthly limit", err)
	}
	if !ok {
		sendRequestsTotal.WithLabelValues("monthly_limit").Inc()
		return nil, NewBusinessError("MONTHLY_LIMIT_EXCEEDED", "Monthly message limit exceeded", ErrMonthlyLimitExceeded)
	}

	// Pre-check at the cheapest enabled rate; the chosen channel's rate is charged later
	segments := s.policy.SegmentCount(req.Message)
	estimate := float64(segments) * s.policy.CheapestEnabledMultiplier(account)
	if account.Balance < estimate {
		sendRequestsTotal.WithLabelValues("insufficient_balance").Inc()
		return nil, NewBusinessErrorf("INSUFFICIENT_BALANCE", "Balance %.2f does not cover %.2f", ErrInsufficientBalance, account.Balance, estimate)
	}

	order := s.policy.ResolveChannelOrder(account, requested)
	if len(order) == 0 {
		sendRequestsTotal.WithLabelValues("no_channel_enabled").Inc()
		return nil, NewBusinessError("NO_CHANNEL_ENABLED", "No channel enabled for account", ErrNoChannelEnabled)
	}
	if !s.anyReady(order) {
		sendRequestsTotal.WithLabelValues("no_channel_initialized").Inc()
		return nil, NewBusinessError("NO_CHANNEL_INITIALIZED", "No enabled channel is available", ErrNoChannelInitialized)
	}

	preferred := requested
	if preferred == "" {
		preferred = account.PreferredChannel
	}
	now := s.clock.Now().UTC()
	message := &models.Message{
		AccountID:          account.ID,
		Direction:          models.MessageDirectionOutgoing,
		ConversationID:     req.ConversationID,
		Recipients:         datatypes.JSONSlice[string]{address},
		OriginalRecipients: datatypes.JSONSlice[string]{req.Phone},
		Content:            req.Message,
		Status:             models.MessageStatusPending,
		PreferredChannel:   preferred,
		ProviderMetadata:   datatypes.JSONMap{models.MetadataKeyAttempts: []attemptRecord{}},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.messageRepo.Save(ctx, message); err != nil {
		sendRequestsTotal.WithLabelValues("internal_error").Inc()
		return nil, NewBusinessError("MESSAGE_CREATION_FAILED", "Failed to create message", err)
	}

	job := DispatchJob{MessageID: message.ID, AccountID: account.ID, Order: order, EnqueuedAt: now}
	if err := s.queue.Enqueue(job); err != nil {
		s.abandon(ctx, message, fmt.Sprintf("dispatch queue unavailable: %v", err))
		sendRequestsTotal.WithLabelValues("queue_unavailable").Inc()
		return nil, NewBusinessError("DISPATCH_UNAVAILABLE", "Dispatch queue unavailable", fmt.Errorf("%w: %v", ErrDispatchUnavailable, err))
	}

	sendRequestsTotal.WithLabelValues("accepted").Inc()
	s.logger.Info().
		Str("message_uuid", message.UUID.String()).
		Uint("account_id", account.ID).
		Strs("order", channelNames(order)).
		Int("segments", segments).
		Msg("Message accepted for dispatch")

	return &dto.SendMessageResponse{
		Message:       "Message accepted for dispatch",
		MessageID:     message.ID,
		MessageUUID:   message.UUID.String(),
		Status:        message.Status.String(),
		Recipient:     address,
		Segments:      segments,
		EstimatedCost: estimate,
		ChannelOrder:  channelNames(order),
		CreatedAt:     message.CreatedAt,
	}, nil
}

func (s *DispatchFlowImpl) anyReady(order []models.Channel) bool {
	for _, ch := range order {
		if s.registry.Ready(ch) {
			return true
		}
	}
	return false
}

// recordInvalidRecipient writes the audit record of a send rejected for its phone number
func (s *DispatchFlowImpl) recordInvalidRecipient(ctx context.Context, account *models.Account, req *dto.SendMessageRequest, rawPhone string, requested models.Channel, cause error) {
	now := s.clock.Now().UTC()
	errMsg := cause.Error()
	message := &models.Message{
		AccountID:          account.ID,
		Direction:          models.MessageDirectionOutgoing,
		ConversationID:     req.ConversationID,
		Recipients:         datatypes.JSONSlice[string]{rawPhone},
		OriginalRecipients: datatypes.JSONSlice[string]{req.Phone},
		Content:            req.Message,
		Status:             models.MessageStatusFailed,
		PreferredChannel:   requested,
		ErrorMessage:       &errMsg,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.messageRepo.Save(ctx, message); err != nil {
		s.logger.Error().Err(err).Uint("account_id", account.ID).Msg("Failed to record invalid recipient")
	}
}

// abandon fails a pending message that never reached a worker
func (s *DispatchFlowImpl) abandon(ctx context.Context, message *models.Message, reason string) {
	swapped, err := s.messageRepo.CompareAndSetStatus(context.WithoutCancel(ctx), message.ID, models.MessageStatusPending, map[string]any{
		"status":        models.MessageStatusFailed,
		"error_message": reason,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("message_uuid", message.UUID.String()).Msg("Failed to abandon message")
		return
	}
	if swapped {
		s.notifier.emit(message, models.MessageStatusPending, models.MessageStatusFailed, s.clock.Now().UTC())
	}
}

// Deliver runs the ordered fallback for one accepted message. Channels are tried one at
// a time; every attempt is persisted before the next one starts.
func (s *DispatchFlowImpl) Deliver(ctx context.Context, job DispatchJob) error {
	unlock, err := s.locker.Lock(ctx, job.MessageID)
	if err != nil {
		return NewBusinessError("MESSAGE_LOCK_FAILED", "Failed to lock message", err)
	}
	defer unlock()

	// Writes must land even when the job deadline fires mid-attempt
	persistCtx := context.WithoutCancel(ctx)

	message, err := s.messageRepo.ByID(persistCtx, job.MessageID)
	if err != nil {
		return NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to lookup message", err)
	}
	if message == nil {
		return NewBusinessError("MESSAGE_NOT_FOUND", "Message not found", ErrMessageNotFound)
	}
	if message.Status != models.MessageStatusPending {
		s.logger.Debug().
			Str("message_uuid", message.UUID.String()).
			Str("status", message.Status.String()).
			Msg("Message already left pending, skipping dispatch")
		return nil
	}

	account, err := s.accountRepo.ByID(persistCtx, message.AccountID)
	if err != nil {
		return NewBusinessError("ACCOUNT_LOOKUP_FAILED", "Failed to lookup account", err)
	}
	if account == nil {
		return s.fail(persistCtx, message, decodeAttempts(message.ProviderMetadata), ErrAccountNotFound.Error())
	}

	order := job.Order
	if len(order) == 0 {
		order = s.policy.ResolveChannelOrder(account, message.PreferredChannel)
	}

	attempts := decodeAttempts(message.ProviderMetadata)
	failures := make([]string, 0, len(order))
	for _, channel := range order {
		if ctx.Err() != nil {
			failures = append(failures, fmt.Sprintf("dispatch interrupted: %v", ctx.Err()))
			break
		}
		adapter, ok := s.registry.Get(channel)
		if !ok {
			s.logger.Debug().Str("channel", channel.String()).Msg("Channel not initialized, skipping")
			continue
		}

		result := s.attempt(ctx, adapter, account, message)
		record := attemptRecord{Channel: channel, Success: result.Success, At: s.clock.Now().UTC()}

		if result.Success {
			attempts = append(attempts, record)
			return s.markSent(persistCtx, account, message, channel, result, attempts)
		}

		adapterErr := result.Err
		if adapterErr == nil {
			adapterErr = services.NewAdapterError(services.AdapterErrUnknown, channel, 0, "provider reported failure", nil)
		}
		record.ErrorKind = string(adapterErr.Kind)
		record.Error = adapterErr.Error()
		attempts = append(attempts, record)
		failures = append(failures, fmt.Sprintf("%s: %s", channel, adapterErr.Error()))

		s.logger.Warn().
			Str("message_uuid", message.UUID.String()).
			Str("channel", channel.String()).
			Str("kind", string(adapterErr.Kind)).
			Err(adapterErr).
			Msg("Provider attempt failed, falling back")

		message.ProviderMetadata = withAttempts(message.ProviderMetadata, attempts)
		if err := s.messageRepo.UpdateFields(persistCtx, message.ID, map[string]any{
			"provider_metadata": message.ProviderMetadata,
		}); err != nil {
			s.logger.Error().Err(err).Str("message_uuid", message.UUID.String()).Msg("Failed to persist attempt")
		}
	}

	reason := "no initialized channel available"
	if len(failures) > 0 {
		reason = "all channels failed: " + strings.Join(failures, "; ")
	}
	return s.fail(persistCtx, message, attempts, reason)
}

// attempt makes one bounded provider call
func (s *DispatchFlowImpl) attempt(ctx context.Context, adapter services.ProviderAdapter, account *models.Account, message *models.Message) services.SendResult {
	channel := adapter.Channel()
	attemptCtx, cancel := context.WithTimeout(ctx, s.channelTimeout)
	defer cancel()

	opts := services.SendOptions{
		DeviceID:    account.DeviceID,
		AccountID:   account.ID,
		MessageUUID: message.UUID.String(),
	}
	if channel == models.ChannelWhatsappOfficial && account.OfficialTemplateName != "" {
		opts.Template = &services.TemplateInvocation{
			Name:     account.OfficialTemplateName,
			Language: account.OfficialTemplateLanguage,
		}
	}

	start := time.Now()
	result := adapter.Send(attemptCtx, message.PrimaryRecipient(), message.Content, opts)
	dispatchAttemptDuration.WithLabelValues(channel.String()).Observe(time.Since(start).Seconds())

	if !result.Success && result.Err == nil && attemptCtx.Err() != nil {
		result.Err = services.NewAdapterError(services.AdapterErrProviderUnavailable, channel, 0, "attempt timed out", attemptCtx.Err())
	}
	if result.Success && result.ProviderMessageID == "" {
		result = services.SendResult{Err: services.NewAdapterError(services.AdapterErrUnknown, channel, 0, "provider returned no message id", nil)}
	}

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	dispatchAttemptsTotal.WithLabelValues(channel.String(), outcome).Inc()
	return result
}

// markSent records the accepted attempt and charges the account at that channel's rate
func (s *DispatchFlowImpl) markSent(ctx context.Context, account *models.Account, message *models.Message, channel models.Channel, result services.SendResult, attempts []attemptRecord) error {
	now := s.clock.Now().UTC()
	providerID := result.ProviderMessageID

	metadata := datatypes.JSONMap{}
	for k, v := range message.ProviderMetadata {
		metadata[k] = v
	}
	metadata[models.MetadataKeyProvider] = channel.String()
	if deviceID, ok := result.RawResponse["deviceId"].(string); ok && deviceID != "" {
		metadata[models.MetadataKeyDeviceID] = deviceID
	} else if account.DeviceID != "" {
		metadata[models.MetadataKeyDeviceID] = account.DeviceID
	}
	metadata[models.MetadataKeyRawResponse] = result.RawResponse
	metadata[models.MetadataKeyLastUpdate] = now.Format(time.RFC3339)
	metadata[models.MetadataKeyAttempts] = attempts

	// The send is persisted on its own so a failed charge never hides an accepted message
	swapped, err := s.messageRepo.CompareAndSetStatus(ctx, message.ID, models.MessageStatusPending, map[string]any{
		"status":              models.MessageStatusSent,
		"channel_used":        channel,
		"provider_message_id": providerID,
		"provider_metadata":   metadata,
		"sent_at":             now,
		"error_message":       nil,
	})
	if err == nil && !swapped {
		err = fmt.Errorf("message %d left pending during dispatch", message.ID)
	}
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("message_uuid", message.UUID.String()).
			Str("channel", channel.String()).
			Str("provider_message_id", providerID).
			Msg("Provider accepted message but recording it failed")
		return NewBusinessError("DISPATCH_RECORD_FAILED", "Failed to record sent message", err)
	}

	message.Status = models.MessageStatusSent
	message.ChannelUsed = channel
	message.ProviderMessageID = &providerID
	message.ProviderMetadata = metadata
	message.SentAt = &now
	message.ErrorMessage = nil

	cost := s.policy.ComputeCost(message.Content, channel)
	if err := s.charge(ctx, account, message, channel, cost); err != nil {
		dispatchChargeFailuresTotal.WithLabelValues(channel.String()).Inc()
		s.logger.Error().
			Err(err).
			Str("message_uuid", message.UUID.String()).
			Uint("account_id", account.ID).
			Float64("cost", cost).
			Msg("Message sent but charging the account failed")

		metadata[models.MetadataKeyChargeFailed] = true
		metadata[models.MetadataKeyChargeError] = err.Error()
		if uerr := s.messageRepo.UpdateFields(ctx, message.ID, map[string]any{"provider_metadata": metadata}); uerr != nil {
			s.logger.Error().Err(uerr).Str("message_uuid", message.UUID.String()).Msg("Failed to flag uncharged message")
		}
	} else {
		dispatchChargedTotal.WithLabelValues(channel.String()).Add(cost)
	}

	s.logger.Info().
		Str("message_uuid", message.UUID.String()).
		Str("channel", channel.String()).
		Str("provider_message_id", providerID).
		Float64("cost", cost).
		Msg("Message sent")

	s.notifier.emit(message, models.MessageStatusPending, models.MessageStatusSent, now)
	return nil
}

// charge debits the account for a sent message and bumps its sent counter
func (s *DispatchFlowImpl) charge(ctx context.Context, account *models.Account, message *models.Message, channel models.Channel, cost float64) error {
	description := fmt.Sprintf("Message %s via %s (%d segments)", message.UUID, channel, s.policy.SegmentCount(message.Content))
	return repository.WithTransaction(ctx, s.db, func(txCtx context.Context) error {
		if _, err := s.policy.Debit(txCtx, account, &message.ID, cost, description); err != nil {
			return err
		}
		return s.accountRepo.IncrementSentCounter(txCtx, account.ID)
	})
}

// fail closes a message whose every attempt failed; no balance is charged
func (s *DispatchFlowImpl) fail(ctx context.Context, message *models.Message, attempts []attemptRecord, reason string) error {
	metadata := withAttempts(message.ProviderMetadata, attempts)
	metadata[models.MetadataKeyLastUpdate] = s.clock.Now().UTC().Format(time.RFC3339)

	swapped, err := s.messageRepo.CompareAndSetStatus(ctx, message.ID, models.MessageStatusPending, map[string]any{
		"status":            models.MessageStatusFailed,
		"error_message":     reason,
		"provider_metadata": metadata,
	})
	if err != nil {
		return NewBusinessError("DISPATCH_RECORD_FAILED", "Failed to record failed message", err)
	}

	s.logger.Warn().
		Str("message_uuid", message.UUID.String()).
		Str("reason", reason).
		Msg("Message dispatch failed")

	if swapped {
		message.Status = models.MessageStatusFailed
		message.ErrorMessage = &reason
		message.ProviderMetadata = metadata
		s.notifier.emit(message, models.MessageStatusPending, models.MessageStatusFailed, s.clock.Now().UTC())
	}
	return NewBusinessError("ALL_CHANNELS_FAILED", reason, ErrAllChannelsFailed)
}

// GetMessageStatus returns a message of the calling account
func (s *DispatchFlowImpl) GetMessageStatus(ctx context.Context, req *dto.GetMessageStatusRequest) (*dto.MessageStatusResponse, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return nil, NewBusinessError("UNAUTHORIZED", "Invalid or inactive token", ErrUnauthorized)
	}
	account, err := s.accountRepo.ByToken(ctx, token)
	if err != nil {
		return nil, NewBusinessError("ACCOUNT_LOOKUP_FAILED", "Failed to lookup account", err)
	}
	if account == nil || !account.IsActive {
		return nil, NewBusinessError("UNAUTHORIZED", "Invalid or inactive token", ErrUnauthorized)
	}

	id, err := uuid.Parse(req.MessageUUID)
	if err != nil {
		return nil, NewBusinessError("MESSAGE_NOT_FOUND", "Message not found", ErrMessageNotFound)
	}
	message, err := s.messageRepo.ByUUID(ctx, id)
	if err != nil {
		return nil, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to lookup message", err)
	}
	if message == nil || message.AccountID != account.ID {
		return nil, NewBusinessError("MESSAGE_NOT_FOUND", "Message not found", ErrMessageNotFound)
	}

	resp := ToMessageStatusResponse(message)
	return &resp, nil
}

// withAttempts copies metadata and replaces its attempt list
func withAttempts(metadata datatypes.JSONMap, attempts []attemptRecord) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range metadata {
		out[k] = v
	}
	out[models.MetadataKeyAttempts] = attempts
	return out
}

func channelNames(channels []models.Channel) []string {
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		out = append(out, c.String())
	}
	return out
}
