package businessflow

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Segment sizes of a single SMS part
const (
	segmentLimitLatin  = 160
	segmentLimitArabic = 70
)

// channelCostMultiplier is the price of one segment per channel in balance points
var channelCostMultiplier = map[models.Channel]float64{
	models.ChannelSMS:                1.0,
	models.ChannelWhatsappUnofficial: 0.25,
	models.ChannelWhatsappOfficial:   0.25,
}

// AccountPolicy decides quotas, costs and channel order for an account
type AccountPolicy interface {
	SegmentCount(body string) int
	ComputeCost(body string, channel models.Channel) float64
	CheckDailyLimit(ctx context.Context, account *models.Account) (bool, error)
	CheckMonthlyLimit(ctx context.Context, account *models.Account) (bool, error)
	ResolveChannelOrder(account *models.Account, requestedPreferred models.Channel) []models.Channel
	CheapestEnabledMultiplier(account *models.Account) float64
	Debit(ctx context.Context, account *models.Account, messageID *uint, amount float64, description string) (*models.BalanceTransaction, error)
	Deposit(ctx context.Context, accountID uint, amount float64, description, performedBy string) (*models.BalanceTransaction, error)
}

// AccountPolicyImpl implements AccountPolicy
type AccountPolicyImpl struct {
	accountRepo repository.AccountRepository
	messageRepo repository.MessageRepository
	ledgerRepo  repository.BalanceTransactionRepository
	db          *gorm.DB
	clock       clockwork.Clock
	location    *time.Location
	logger      zerolog.Logger
}

// NewAccountPolicy creates a new account policy. Quota windows start at midnight in location.
func NewAccountPolicy(
	accountRepo repository.AccountRepository,
	messageRepo repository.MessageRepository,
	ledgerRepo repository.BalanceTransactionRepository,
	db *gorm.DB,
	clock clockwork.Clock,
	location *time.Location,
	logger zerolog.Logger,
) AccountPolicy {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if location == nil {
		location = time.UTC
	}
	return &AccountPolicyImpl{
		accountRepo: accountRepo,
		messageRepo: messageRepo,
		ledgerRepo:  ledgerRepo,
		db:          db,
		clock:       clock,
		location:    location,
		logger:      logger.With().Str("component", "account_policy").Logger(),
	}
}

// SegmentCount returns how many SMS parts body occupies
func SegmentCount(body string) int {
	runes := utf8.RuneCountInString(body)
	if runes == 0 {
		return 0
	}
	limit := segmentLimitLatin
	if containsArabic(body) {
		limit = segmentLimitArabic
	}
	return (runes + limit - 1) / limit
}

func containsArabic(s string) bool {
	for _, r := range s {
		if r >= 0x0600 && r <= 0x06FF {
			return true
		}
	}
	return false
}

// CostMultiplier returns the per-segment price of channel
func CostMultiplier(channel models.Channel) float64 {
	if m, ok := channelCostMultiplier[channel]; ok {
		return m
	}
	return channelCostMultiplier[models.ChannelSMS]
}

// ComputeCost returns segments of body times the channel multiplier
func ComputeCost(body string, channel models.Channel) float64 {
	return float64(SegmentCount(body)) * CostMultiplier(channel)
}

func (p *AccountPolicyImpl) SegmentCount(body string) int {
	return SegmentCount(body)
}

func (p *AccountPolicyImpl) ComputeCost(body string, channel models.Channel) float64 {
	return ComputeCost(body, channel)
}

// CheckDailyLimit reports whether the account may create another message today
func (p *AccountPolicyImpl) CheckDailyLimit(ctx context.Context, account *models.Account) (bool, error) {
	return p.withinLimit(ctx, account, account.DailyLimit, utils.StartOfDay(p.clock.Now(), p.location))
}

// CheckMonthlyLimit reports whether the account may create another message this month
func (p *AccountPolicyImpl) CheckMonthlyLimit(ctx context.Context, account *models.Account) (bool, error) {
	return p.withinLimit(ctx, account, account.MonthlyLimit, utils.StartOfMonth(p.clock.Now(), p.location))
}

func (p *AccountPolicyImpl) withinLimit(ctx context.Context, account *models.Account, limit int64, since time.Time) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	count, err := p.messageRepo.CountCreatedSince(ctx, account.ID, since.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to count messages of account %d: %w", account.ID, err)
	}
	return count < limit, nil
}

// ResolveChannelOrder puts the preferred channel first, then official, unofficial and sms.
// Disabled and duplicate channels are skipped.
func (p *AccountPolicyImpl) ResolveChannelOrder(account *models.Account, requestedPreferred models.Channel) []models.Channel {
	order := make([]models.Channel, 0, len(models.AllChannels))
	add := func(c models.Channel) {
		if !c.IsValid() || !account.IsChannelEnabled(c) {
			return
		}
		for _, existing := range order {
			if existing == c {
				return
			}
		}
		order = append(order, c)
	}

	preferred := requestedPreferred
	if preferred == "" {
		preferred = account.PreferredChannel
	}
	add(preferred)
	for _, c := range models.AllChannels {
		add(c)
	}
	return order
}

// CheapestEnabledMultiplier returns the lowest per-segment price among enabled channels,
// or the sms price when none is enabled
func (p *AccountPolicyImpl) CheapestEnabledMultiplier(account *models.Account) float64 {
	cheapest := math.Inf(1)
	for _, c := range account.EnabledChannels() {
		if m := CostMultiplier(c); m < cheapest {
			cheapest = m
		}
	}
	if math.IsInf(cheapest, 1) {
		return CostMultiplier(models.ChannelSMS)
	}
	return cheapest
}

// Debit charges amount with one conditional update and writes exactly one usage ledger row.
// When a concurrent charge consumed the balance after acceptance the charge is still applied,
// leaving a negative balance as the artifact of this last charge.
func (p *AccountPolicyImpl) Debit(ctx context.Context, account *models.Account, messageID *uint, amount float64, description string) (*models.BalanceTransaction, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	var entry *models.BalanceTransaction
	err := repository.WithTransaction(ctx, p.db, func(txCtx context.Context) error {
		after, ok, err := p.accountRepo.DebitBalance(txCtx, account.ID, amount)
		if err != nil {
			return err
		}
		if !ok {
			p.logger.Warn().
				Uint("account_id", account.ID).
				Float64("amount", amount).
				Msg("Balance no longer covers accepted send; charging anyway")
			after, err = p.accountRepo.ForceDebitBalance(txCtx, account.ID, amount)
			if err != nil {
				return err
			}
		}

		entry = &models.BalanceTransaction{
			AccountID:     account.ID,
			MessageID:     messageID,
			Type:          models.BalanceTransactionTypeUsage,
			Amount:        amount,
			BalanceBefore: after + amount,
			BalanceAfter:  after,
			Description:   description,
			PerformedBy:   utils.SystemActor,
		}
		return p.ledgerRepo.Save(txCtx, entry)
	})
	if err != nil {
		return nil, NewBusinessError("DEBIT_FAILED", "Failed to debit account", err)
	}

	account.Balance = entry.BalanceAfter
	return entry, nil
}

// Deposit tops up an account and writes a deposit ledger row
func (p *AccountPolicyImpl) Deposit(ctx context.Context, accountID uint, amount float64, description, performedBy string) (*models.BalanceTransaction, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, NewBusinessError("DEPOSIT_FAILED", "Deposit failed", ErrInvalidAmount)
	}
	performedBy = strings.TrimSpace(performedBy)
	if performedBy == "" {
		performedBy = utils.SystemActor
	}

	var entry *models.BalanceTransaction
	err := repository.WithTransaction(ctx, p.db, func(txCtx context.Context) error {
		account, err := p.accountRepo.ByID(txCtx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ErrAccountNotFound
		}

		after, err := p.accountRepo.CreditBalance(txCtx, accountID, amount)
		if err != nil {
			return err
		}

		entry = &models.BalanceTransaction{
			AccountID:     accountID,
			Type:          models.BalanceTransactionTypeDeposit,
			Amount:        amount,
			BalanceBefore: after - amount,
			BalanceAfter:  after,
			Description:   description,
			PerformedBy:   performedBy,
		}
		return p.ledgerRepo.Save(txCtx, entry)
	})
	if err != nil {
		return nil, NewBusinessError("DEPOSIT_FAILED", "Deposit failed", err)
	}

	p.logger.Info().
		Uint("account_id", accountID).
		Float64("amount", amount).
		Float64("balance_after", entry.BalanceAfter).
		Str("performed_by", performedBy).
		Msg("Account balance deposited")
	return entry, nil
}
