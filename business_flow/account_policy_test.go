package businessflow_test

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	testingutil "github.com/amirphl/orochi-dispatch/testing"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentCountAndCost(t *testing.T) {
	arabic140 := strings.Repeat("م", 140)
	latin140 := strings.Repeat("a", 140)

	tests := []struct {
		name     string
		body     string
		segments int
	}{
		{"Empty", "", 0},
		{"Short", "hello", 1},
		{"ExactlyOneLatinSegment", strings.Repeat("a", 160), 1},
		{"TwoLatinSegments", strings.Repeat("a", 161), 2},
		{"ExactlyOneArabicSegment", strings.Repeat("م", 70), 1},
		{"TwoArabicSegments", arabic140, 2},
		{"OneArabicRuneSwitchesLimit", strings.Repeat("a", 70) + "م", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.segments, businessflow.SegmentCount(tt.body))
		})
	}

	t.Run("Cost", func(t *testing.T) {
		assert.InDelta(t, 1.0, businessflow.ComputeCost(latin140, models.ChannelSMS), 1e-9)
		assert.InDelta(t, 0.25, businessflow.ComputeCost(latin140, models.ChannelWhatsappUnofficial), 1e-9)
		assert.InDelta(t, 2.0, businessflow.ComputeCost(arabic140, models.ChannelSMS), 1e-9)
		assert.InDelta(t, 0.5, businessflow.ComputeCost(arabic140, models.ChannelWhatsappOfficial), 1e-9)
	})
}

func TestAccountPolicy(t *testing.T) {
	ctx := context.Background()

	withDB(t, func(testDB *testingutil.TestDB) {
		fixtures := testingutil.NewTestFixtures(testDB)
		accountRepo := repository.NewAccountRepository(testDB.DB)
		messageRepo := repository.NewMessageRepository(testDB.DB)
		ledgerRepo := repository.NewBalanceTransactionRepository(testDB.DB)
		clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC))
		policy := businessflow.NewAccountPolicy(accountRepo, messageRepo, ledgerRepo, testDB.DB, clock, time.UTC, zerolog.Nop())

		all := []models.Channel{models.ChannelSMS, models.ChannelWhatsappUnofficial, models.ChannelWhatsappOfficial}

		t.Run("ResolveChannelOrder", func(t *testing.T) {
			tests := []struct {
				name      string
				enabled   []models.Channel
				account   models.Channel
				requested models.Channel
				want      []models.Channel
			}{
				{
					name:      "RequestedFirstThenFixedPriority",
					enabled:   all,
					requested: models.ChannelWhatsappUnofficial,
					want:      []models.Channel{models.ChannelWhatsappUnofficial, models.ChannelWhatsappOfficial, models.ChannelSMS},
				},
				{
					name:    "AccountPreferenceWhenNoneRequested",
					enabled: all,
					account: models.ChannelSMS,
					want:    []models.Channel{models.ChannelSMS, models.ChannelWhatsappOfficial, models.ChannelWhatsappUnofficial},
				},
				{
					name:    "NoPreference",
					enabled: all,
					want:    []models.Channel{models.ChannelWhatsappOfficial, models.ChannelWhatsappUnofficial, models.ChannelSMS},
				},
				{
					name:      "DisabledPreferenceSkipped",
					enabled:   []models.Channel{models.ChannelSMS},
					requested: models.ChannelWhatsappOfficial,
					want:      []models.Channel{models.ChannelSMS},
				},
				{
					name: "NothingEnabled",
					want: []models.Channel{},
				},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					account := &models.Account{PreferredChannel: tt.account}
					testingutil.WithChannels(tt.enabled...)(account)
					assert.Equal(t, tt.want, policy.ResolveChannelOrder(account, tt.requested))
				})
			}
		})

		t.Run("CheapestEnabledMultiplier", func(t *testing.T) {
			account := &models.Account{}
			assert.InDelta(t, 1.0, policy.CheapestEnabledMultiplier(account), 1e-9)
			testingutil.WithChannels(models.ChannelSMS)(account)
			assert.InDelta(t, 1.0, policy.CheapestEnabledMultiplier(account), 1e-9)
			testingutil.WithChannels(models.ChannelSMS, models.ChannelWhatsappOfficial)(account)
			assert.InDelta(t, 0.25, policy.CheapestEnabledMultiplier(account), 1e-9)
		})

		t.Run("DailyAndMonthlyLimits", func(t *testing.T) {
			account, err := fixtures.CreateTestAccount(testingutil.WithLimits(2, 3))
			require.NoError(t, err)
			now := clock.Now()

			_, err = fixtures.CreateTestMessage(account, models.MessageStatusSent, "", now.Add(-time.Hour))
			require.NoError(t, err)
			_, err = fixtures.CreateTestMessage(account, models.MessageStatusSent, "", now.AddDate(0, 0, -3))
			require.NoError(t, err)
			_, err = fixtures.CreateTestMessage(account, models.MessageStatusSent, "", now.AddDate(0, -1, 0))
			require.NoError(t, err)

			ok, err := policy.CheckDailyLimit(ctx, account)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = policy.CheckMonthlyLimit(ctx, account)
			require.NoError(t, err)
			assert.True(t, ok)

			_, err = fixtures.CreateTestMessage(account, models.MessageStatusFailed, "", now.Add(-time.Minute))
			require.NoError(t, err)

			ok, err = policy.CheckDailyLimit(ctx, account)
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = policy.CheckMonthlyLimit(ctx, account)
			require.NoError(t, err)
			assert.False(t, ok)
		})

		t.Run("ZeroLimitIsUnlimited", func(t *testing.T) {
			account, err := fixtures.CreateTestAccount(testingutil.WithLimits(0, 0))
			require.NoError(t, err)
			_, err = fixtures.CreateTestMessage(account, models.MessageStatusSent, "", clock.Now())
			require.NoError(t, err)

			ok, err := policy.CheckDailyLimit(ctx, account)
			require.NoError(t, err)
			assert.True(t, ok)
		})

		t.Run("ConcurrentDebits", func(t *testing.T) {
			account, err := fixtures.CreateTestAccount(testingutil.WithBalance(10))
			require.NoError(t, err)

			const n = 10
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					local := *account
					_, err := policy.Debit(ctx, &local, nil, 1, "concurrent")
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			stored, err := accountRepo.ByID(ctx, account.ID)
			require.NoError(t, err)
			assert.InDelta(t, 0.0, stored.Balance, 1e-9)

			rows, err := ledgerRepo.ListByAccount(ctx, account.ID, nil, nil)
			require.NoError(t, err)
			assert.Len(t, rows, n)
			for _, row := range rows {
				assert.InDelta(t, row.BalanceBefore-row.Amount, row.BalanceAfter, 1e-9)
			}
		})

		t.Run("DebitPastZeroStillCharges", func(t *testing.T) {
			account, err := fixtures.CreateTestAccount(testingutil.WithBalance(0.5))
			require.NoError(t, err)

			entry, err := policy.Debit(ctx, account, nil, 1, "late charge")
			require.NoError(t, err)
			assert.InDelta(t, -0.5, entry.BalanceAfter, 1e-9)
			assert.InDelta(t, -0.5, account.Balance, 1e-9)
		})

		t.Run("Deposit", func(t *testing.T) {
			account, err := fixtures.CreateTestAccount(testingutil.WithBalance(2))
			require.NoError(t, err)

			entry, err := policy.Deposit(ctx, account.ID, 5, "top up", "operator-1")
			require.NoError(t, err)
			assert.Equal(t, models.BalanceTransactionTypeDeposit, entry.Type)
			assert.InDelta(t, 2.0, entry.BalanceBefore, 1e-9)
			assert.InDelta(t, 7.0, entry.BalanceAfter, 1e-9)
			assert.Equal(t, "operator-1", entry.PerformedBy)

			_, err = policy.Deposit(ctx, account.ID, 0, "", "")
			assert.True(t, businessflow.IsInvalidAmount(err))
			_, err = policy.Deposit(ctx, account.ID, math.NaN(), "", "")
			assert.True(t, businessflow.IsInvalidAmount(err))
			_, err = policy.Deposit(ctx, 99999, 5, "", "")
			assert.True(t, businessflow.IsAccountNotFound(err))
		})
	})
}
