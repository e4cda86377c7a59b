package businessflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	testingutil "github.com/amirphl/orochi-dispatch/testing"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapProviderStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want models.MessageStatus
		ok   bool
	}{
		{"delivered", models.MessageStatusDelivered, true},
		{"RECEIVED", models.MessageStatusDelivered, true},
		{"sent", models.MessageStatusSent, true},
		{"read", models.MessageStatusRead, true},
		{"failed", models.MessageStatusFailed, true},
		{"cancelled", models.MessageStatusFailed, true},
		{" error ", models.MessageStatusFailed, true},
		{"queued", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := businessflow.MapProviderStatus(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyProviderStatus(t *testing.T) {
	ctx := context.Background()

	withDB(t, func(testDB *testingutil.TestDB) {
		h := newHarness(t, testDB, models.ChannelSMS)
		account, err := h.fixtures.CreateTestAccount()
		require.NoError(t, err)

		apply := func(providerID, status string) (bool, error) {
			return h.reconciler.ApplyProviderStatus(ctx, businessflow.ProviderStatusUpdate{
				Channel:           models.ChannelSMS,
				ProviderMessageID: providerID,
				Status:            status,
				Source:            businessflow.StatusSourceWebhook,
			})
		}

		t.Run("Monotonic", func(t *testing.T) {
			message, err := h.fixtures.CreateTestMessage(account, models.MessageStatusSent, "p-mono", h.clock.Now())
			require.NoError(t, err)

			changed, err := apply("p-mono", "delivered")
			require.NoError(t, err)
			assert.True(t, changed)

			for _, stale := range []string{"sent", "failed", "delivered"} {
				changed, err = apply("p-mono", stale)
				require.NoError(t, err)
				assert.False(t, changed, stale)
			}

			changed, err = apply("p-mono", "read")
			require.NoError(t, err)
			assert.True(t, changed)

			stored := h.reloadMessage(t, message.ID)
			assert.Equal(t, models.MessageStatusRead, stored.Status)
			assert.NotNil(t, stored.DeliveredAt)
			assert.NotNil(t, stored.ReadAt)
			assert.NotNil(t, stored.ProviderMetadata[models.MetadataKeyLastUpdate])

			assert.Eventually(t, func() bool {
				return h.publisher.Has(message.UUID.String(), models.MessageStatusRead)
			}, time.Second, 10*time.Millisecond)
		})

		t.Run("ProvidedTimestampIsKept", func(t *testing.T) {
			message, err := h.fixtures.CreateTestMessage(account, models.MessageStatusSent, "p-ts", h.clock.Now())
			require.NoError(t, err)

			at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			changed, err := h.reconciler.ApplyProviderStatus(ctx, businessflow.ProviderStatusUpdate{
				ProviderMessageID: "p-ts",
				Status:            "delivered",
				OccurredAt:        &at,
				Metadata:          map[string]any{"gateway": "edge-1"},
			})
			require.NoError(t, err)
			require.True(t, changed)

			stored := h.reloadMessage(t, message.ID)
			require.NotNil(t, stored.DeliveredAt)
			assert.True(t, at.Equal(stored.DeliveredAt.UTC()))
			assert.Equal(t, "edge-1", stored.ProviderMetadata["gateway"])
		})

		t.Run("DuplicateWebhookIsNoop", func(t *testing.T) {
			_, err := h.fixtures.CreateTestMessage(account, models.MessageStatusSent, "p-dup", h.clock.Now())
			require.NoError(t, err)

			first, err := apply("p-dup", "delivered")
			require.NoError(t, err)
			second, err := apply("p-dup", "delivered")
			require.NoError(t, err)
			assert.True(t, first)
			assert.False(t, second)
		})

		t.Run("FailureFromSentKeepsReason", func(t *testing.T) {
			message, err := h.fixtures.CreateTestMessage(account, models.MessageStatusSent, "p-fail", h.clock.Now())
			require.NoError(t, err)

			changed, err := h.reconciler.ApplyProviderStatus(ctx, businessflow.ProviderStatusUpdate{
				ProviderMessageID: "p-fail",
				Status:            "failed",
				Error:             "handset unreachable",
			})
			require.NoError(t, err)
			assert.True(t, changed)

			stored := h.reloadMessage(t, message.ID)
			assert.Equal(t, models.MessageStatusFailed, stored.Status)
			require.NotNil(t, stored.ErrorMessage)
			assert.Equal(t, "handset unreachable", *stored.ErrorMessage)

			// a late delivery receipt promotes the message again
			changed, err = apply("p-fail", "delivered")
			require.NoError(t, err)
			assert.True(t, changed)
			stored = h.reloadMessage(t, message.ID)
			assert.Equal(t, models.MessageStatusDelivered, stored.Status)
			assert.Nil(t, stored.ErrorMessage)
		})

		t.Run("UnknownVocabularyIgnored", func(t *testing.T) {
			changed, err := apply("p-mono", "queued")
			require.NoError(t, err)
			assert.False(t, changed)
		})

		t.Run("UnknownProviderID", func(t *testing.T) {
			_, err := apply("does-not-exist", "delivered")
			require.Error(t, err)
			assert.True(t, businessflow.IsMessageNotFound(err))
		})
	})
}

func TestIncomingMessagesAndReadAcknowledgements(t *testing.T) {
	ctx := context.Background()

	withDB(t, func(testDB *testingutil.TestDB) {
		h := newHarness(t, testDB, models.ChannelSMS)
		account, err := h.fixtures.CreateTestAccount()
		require.NoError(t, err)

		incoming, created, err := h.reconciler.RecordIncoming(ctx, businessflow.IncomingMessage{
			AccountID:         account.ID,
			Channel:           models.ChannelWhatsappUnofficial,
			From:              "+966512345678",
			Body:              "hi there",
			ProviderMessageID: "in-1",
		})
		require.NoError(t, err)
		require.True(t, created)
		assert.Equal(t, models.MessageDirectionIncoming, incoming.Direction)
		assert.Equal(t, models.MessageStatusDelivered, incoming.Status)
		assert.Equal(t, "+966512345678", incoming.PrimaryRecipient())

		t.Run("ReplayReturnsStoredMessage", func(t *testing.T) {
			again, created, err := h.reconciler.RecordIncoming(ctx, businessflow.IncomingMessage{
				AccountID:         account.ID,
				Channel:           models.ChannelWhatsappUnofficial,
				From:              "+966512345678",
				Body:              "hi there",
				ProviderMessageID: "in-1",
			})
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, incoming.ID, again.ID)
		})

		t.Run("MarkReadIsIdempotentPerReader", func(t *testing.T) {
			ack := businessflow.ReaderAcknowledgement{MessageUUID: incoming.UUID.String(), ReaderID: "op-1", ReaderName: "Operator One"}

			changed, err := h.reconciler.MarkRead(ctx, ack)
			require.NoError(t, err)
			assert.True(t, changed)

			changed, err = h.reconciler.MarkRead(ctx, ack)
			require.NoError(t, err)
			assert.False(t, changed)

			// a second reader after read leaves the message untouched
			changed, err = h.reconciler.MarkRead(ctx, businessflow.ReaderAcknowledgement{MessageUUID: incoming.UUID.String(), ReaderID: "op-2"})
			require.NoError(t, err)
			assert.False(t, changed)

			stored := h.reloadMessage(t, incoming.ID)
			assert.Equal(t, models.MessageStatusRead, stored.Status)
			require.Len(t, stored.ReadBy, 1)
			assert.Equal(t, "op-1", stored.ReadBy[0].ReaderID)
			assert.Equal(t, "Operator One", stored.ReadBy[0].ReaderName)
		})

		t.Run("OutgoingMessagesRejected", func(t *testing.T) {
			outgoing, err := h.fixtures.CreateTestMessage(account, models.MessageStatusSent, "out-1", h.clock.Now())
			require.NoError(t, err)

			_, err = h.reconciler.MarkRead(ctx, businessflow.ReaderAcknowledgement{MessageUUID: outgoing.UUID.String(), ReaderID: "op-1"})
			assert.True(t, businessflow.IsMessageNotIncoming(err))
		})

		t.Run("ReaderRequired", func(t *testing.T) {
			_, err := h.reconciler.MarkRead(ctx, businessflow.ReaderAcknowledgement{MessageUUID: incoming.UUID.String()})
			assert.True(t, businessflow.IsInvalidReader(err))
		})
	})
}

func TestSweepStale(t *testing.T) {
	ctx := context.Background()

	withDB(t, func(testDB *testingutil.TestDB) {
		h := newHarness(t, testDB, models.ChannelSMS)
		account, err := h.fixtures.CreateTestAccount()
		require.NoError(t, err)

		now := h.clock.Now()
		stale, err := h.fixtures.CreateTestMessage(account, models.MessageStatusPending, "", now.Add(-25*time.Hour))
		require.NoError(t, err)
		fresh, err := h.fixtures.CreateTestMessage(account, models.MessageStatusPending, "", now.Add(-time.Hour))
		require.NoError(t, err)
		sent, err := h.fixtures.CreateTestMessage(account, models.MessageStatusSent, "p-old", now.Add(-48*time.Hour))
		require.NoError(t, err)

		swept, err := h.reconciler.SweepStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, swept)

		storedStale := h.reloadMessage(t, stale.ID)
		assert.Equal(t, models.MessageStatusFailed, storedStale.Status)
		require.NotNil(t, storedStale.ErrorMessage)
		assert.Equal(t, utils.StalePendingReason, *storedStale.ErrorMessage)

		assert.Equal(t, models.MessageStatusPending, h.reloadMessage(t, fresh.ID).Status)
		assert.Equal(t, models.MessageStatusSent, h.reloadMessage(t, sent.ID).Status)

		h.clock.Advance(24 * time.Hour)
		swept, err = h.reconciler.SweepStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, swept)
		assert.Equal(t, models.MessageStatusFailed, h.reloadMessage(t, fresh.ID).Status)
	})
}

func TestPollOnce(t *testing.T) {
	ctx := context.Background()

	withDB(t, func(testDB *testingutil.TestDB) {
		h := newHarness(t, testDB, models.ChannelSMS)
		account, err := h.fixtures.CreateTestAccount()
		require.NoError(t, err)

		now := h.clock.Now()
		delivered, err := h.fixtures.CreateTestMessage(account, models.MessageStatusSent, "sms-77", now.Add(-2*time.Minute))
		require.NoError(t, err)
		silent, err := h.fixtures.CreateTestMessage(account, models.MessageStatusSent, "sms-78", now.Add(-time.Minute))
		require.NoError(t, err)

		deliveredAt := now.Add(-30 * time.Second).UTC()
		h.sms.SetStatus("sms-77", services.StatusResult{Success: true, CanonicalStatus: "delivered", RawStatus: "Delivered", DeliveredAt: &deliveredAt})

		stats := h.reconciler.PollOnce(ctx)
		assert.Equal(t, 2, stats.Checked)
		assert.Equal(t, 1, stats.Updated)
		assert.Equal(t, 1, stats.Skipped)
		assert.False(t, stats.BudgetExhausted)

		stored := h.reloadMessage(t, delivered.ID)
		assert.Equal(t, models.MessageStatusDelivered, stored.Status)
		require.NotNil(t, stored.DeliveredAt)
		assert.True(t, deliveredAt.Equal(stored.DeliveredAt.UTC()))
		assert.Equal(t, "Delivered", stored.ProviderMetadata["providerStatus"])

		assert.Equal(t, models.MessageStatusSent, h.reloadMessage(t, silent.ID).Status)

		// delivered messages leave the reconcilable set
		h.sms.StatusQueries = nil
		stats = h.reconciler.PollOnce(ctx)
		assert.Equal(t, 1, stats.Checked)
	})
}

func TestPollOnceUsesSendingSession(t *testing.T) {
	ctx := context.Background()

	withDB(t, func(testDB *testingutil.TestDB) {
		h := newHarness(t, testDB, models.ChannelWhatsappUnofficial)
		account, err := h.fixtures.CreateTestAccount(
			testingutil.WithChannels(models.ChannelWhatsappUnofficial),
			testingutil.WithDevice("account-device"),
		)
		require.NoError(t, err)

		resp, err := h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
		require.NoError(t, err)
		require.NoError(t, h.flow.Deliver(ctx, h.queue.Last(t)))

		sent := h.reloadMessage(t, resp.MessageID)
		require.Equal(t, models.MessageStatusSent, sent.Status)
		assert.Equal(t, "account-device", sent.ProviderMetadata[models.MetadataKeyDeviceID])

		h.reconciler.PollOnce(ctx)
		require.Len(t, h.unofficial.StatusQueries, 1)
		assert.Equal(t, *sent.ProviderMessageID, h.unofficial.StatusQueries[0])
		assert.Equal(t, []string{"account-device"}, h.unofficial.StatusDevices)
	})
}

func TestRefreshProviderBalances(t *testing.T) {
	withDB(t, func(testDB *testingutil.TestDB) {
		h := newHarness(t, testDB, models.ChannelSMS, models.ChannelWhatsappUnofficial)
		h.sms.Balance = services.BalanceResult{Success: true, Balance: 42, Currency: "USD"}
		h.unofficial.Balance = services.BalanceResult{
			Err: services.NewAdapterError(services.AdapterErrUnknown, models.ChannelWhatsappUnofficial, 0, "balance", services.ErrOperationUnsupported),
		}

		items := h.reconciler.RefreshProviderBalances(context.Background())
		require.Len(t, items, 2)

		byChannel := map[string]int{}
		for i, item := range items {
			byChannel[item.Channel] = i
		}
		sms := items[byChannel["sms"]]
		assert.True(t, sms.Available)
		assert.InDelta(t, 42.0, sms.Balance, 1e-9)
		assert.Equal(t, "USD", sms.Currency)

		unofficial := items[byChannel["whatsapp_unofficial"]]
		assert.False(t, unofficial.Available)
		assert.NotEmpty(t, unofficial.Error)
	})
}
