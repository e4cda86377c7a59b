package services

import (
	"errors"
	"sync"

	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/rs/zerolog"
)

// ErrAdapterNotRegistered is reported for channels without an adapter
var ErrAdapterNotRegistered = errors.New("no adapter registered for channel")

// AdapterRegistry maps channels to their adapters and remembers initialization failures
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[models.Channel]ProviderAdapter
	initErrs map[models.Channel]error
}

// NewAdapterRegistry creates an empty registry
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		adapters: make(map[models.Channel]ProviderAdapter),
		initErrs: make(map[models.Channel]error),
	}
}

// Register initializes adapter with cfg and stores it under its channel.
// The adapter is kept even when initialization fails so the failure stays visible.
func (r *AdapterRegistry) Register(adapter ProviderAdapter, cfg AdapterConfig) error {
	err := adapter.Initialize(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Channel()] = adapter
	if err != nil {
		r.initErrs[adapter.Channel()] = err
	} else {
		delete(r.initErrs, adapter.Channel())
	}
	return err
}

// Get returns the adapter of channel if it initialized successfully
func (r *AdapterRegistry) Get(channel models.Channel) (ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channel]
	if !ok {
		return nil, false
	}
	if r.initErrs[channel] != nil {
		return nil, false
	}
	return adapter, true
}

// Ready reports whether channel has an initialized adapter
func (r *AdapterRegistry) Ready(channel models.Channel) bool {
	_, ok := r.Get(channel)
	return ok
}

// InitError returns why channel is not ready, or nil when it is
func (r *AdapterRegistry) InitError(channel models.Channel) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.adapters[channel]; !ok {
		return ErrAdapterNotRegistered
	}
	return r.initErrs[channel]
}

// ReadyChannels lists initialized channels in fallback priority order
func (r *AdapterRegistry) ReadyChannels() []models.Channel {
	out := make([]models.Channel, 0, len(models.AllChannels))
	for _, ch := range models.AllChannels {
		if r.Ready(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// webhookOnlyStatus is implemented by adapters whose providers push status and cannot be polled
type webhookOnlyStatus interface {
	StatusViaWebhookOnly() bool
}

// PollableChannels lists ready channels whose adapters answer CheckStatus
func (r *AdapterRegistry) PollableChannels() []models.Channel {
	out := make([]models.Channel, 0, len(models.AllChannels))
	for _, ch := range r.ReadyChannels() {
		adapter, _ := r.Get(ch)
		if w, ok := adapter.(webhookOnlyStatus); ok && w.StatusViaWebhookOnly() {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// BuildAdapterRegistry registers an adapter for every provider enabled in cfg.
// Initialization failures are logged and leave the channel not ready.
func BuildAdapterRegistry(cfg *config.ProductionConfig, logger zerolog.Logger) *AdapterRegistry {
	registry := NewAdapterRegistry()

	type entry struct {
		enabled bool
		adapter ProviderAdapter
		cfg     AdapterConfig
	}
	entries := []entry{
		{
			enabled: cfg.SMS.Enabled,
			adapter: NewSMSAdapter(),
			cfg: AdapterConfig{
				BaseURL:    cfg.SMS.BaseURL,
				Username:   cfg.SMS.Username,
				Password:   cfg.SMS.Password,
				DeviceID:   cfg.SMS.DeviceID,
				Timeout:    cfg.SMS.Timeout,
				RatePerSec: cfg.SMS.RatePerSec,
			},
		},
		{
			enabled: cfg.WhatsappUnofficial.Enabled,
			adapter: NewWhatsappUnofficialAdapter(),
			cfg: AdapterConfig{
				BaseURL:    cfg.WhatsappUnofficial.BaseURL,
				APIKey:     cfg.WhatsappUnofficial.APIKey,
				Session:    cfg.WhatsappUnofficial.Session,
				Timeout:    cfg.WhatsappUnofficial.Timeout,
				RatePerSec: cfg.WhatsappUnofficial.RatePerSec,
			},
		},
		{
			enabled: cfg.WhatsappOfficial.Enabled,
			adapter: NewWhatsappOfficialAdapter(),
			cfg: AdapterConfig{
				BaseURL:       cfg.WhatsappOfficial.BaseURL,
				APIVersion:    cfg.WhatsappOfficial.APIVersion,
				PhoneNumberID: cfg.WhatsappOfficial.PhoneNumberID,
				AccessToken:   cfg.WhatsappOfficial.AccessToken,
				Timeout:       cfg.WhatsappOfficial.Timeout,
				RatePerSec:    cfg.WhatsappOfficial.RatePerSec,
			},
		},
	}

	for _, e := range entries {
		channel := e.adapter.Channel()
		if !e.enabled {
			logger.Info().Str("channel", channel.String()).Msg("Provider disabled")
			continue
		}
		if err := registry.Register(e.adapter, e.cfg); err != nil {
			logger.Error().Err(err).Str("channel", channel.String()).Msg("Provider adapter failed to initialize")
			continue
		}
		logger.Info().Str("channel", channel.String()).Msg("Provider adapter ready")
	}

	return registry
}
