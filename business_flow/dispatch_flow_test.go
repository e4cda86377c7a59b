package businessflow_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	testingutil "github.com/amirphl/orochi-dispatch/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("SMSOnlyAccountIsChargedOnce", func(t *testing.T) {
		withDB(t, func(testDB *testingutil.TestDB) {
			h := newHarness(t, testDB, models.ChannelSMS)
			account, err := h.fixtures.CreateTestAccount(testingutil.WithBalance(10))
			require.NoError(t, err)

			resp, err := h.flow.Send(ctx, &dto.SendMessageRequest{
				Token:   account.APIToken,
				Phone:   "00966512345678",
				Message: "hello",
			})
			require.NoError(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, "pending", resp.Status)
			assert.Equal(t, "+966512345678", resp.Recipient)
			assert.Equal(t, 1, resp.Segments)
			assert.Equal(t, []string{"sms"}, resp.ChannelOrder)

			job := h.queue.Last(t)
			assert.Equal(t, resp.MessageID, job.MessageID)
			assert.Equal(t, []models.Channel{models.ChannelSMS}, job.Order)

			pending := h.reloadMessage(t, resp.MessageID)
			assert.Equal(t, models.MessageStatusPending, pending.Status)
			assert.Equal(t, []string{"00966512345678"}, []string(pending.OriginalRecipients))

			require.NoError(t, h.flow.Deliver(ctx, job))

			sent := h.reloadMessage(t, resp.MessageID)
			assert.Equal(t, models.MessageStatusSent, sent.Status)
			assert.Equal(t, models.ChannelSMS, sent.ChannelUsed)
			require.NotNil(t, sent.ProviderMessageID)
			assert.Equal(t, "sms-1", *sent.ProviderMessageID)
			assert.NotNil(t, sent.SentAt)
			assert.Nil(t, sent.ErrorMessage)
			assert.Equal(t, "sms", sent.ProviderMetadata[models.MetadataKeyProvider])

			assert.InDelta(t, 9.0, h.reloadAccount(t, account.ID).Balance, 1e-9)
			assert.EqualValues(t, 1, h.reloadAccount(t, account.ID).MessagesSentCounter)

			rows := h.ledger(t, account.ID)
			require.Len(t, rows, 1)
			assert.Equal(t, models.BalanceTransactionTypeUsage, rows[0].Type)
			assert.InDelta(t, 1.0, rows[0].Amount, 1e-9)
			assert.InDelta(t, 10.0, rows[0].BalanceBefore, 1e-9)
			assert.InDelta(t, 9.0, rows[0].BalanceAfter, 1e-9)
			require.NotNil(t, rows[0].MessageID)
			assert.Equal(t, resp.MessageID, *rows[0].MessageID)

			sentMessages := h.sms.GetSentMessages()
			require.Len(t, sentMessages, 1)
			assert.Equal(t, "+966512345678", sentMessages[0].Address)
			assert.Equal(t, "hello", sentMessages[0].Body)

			assert.Eventually(t, func() bool {
				return h.publisher.Has(resp.MessageUUID, models.MessageStatusSent)
			}, time.Second, 10*time.Millisecond)
		})
	})

	t.Run("ChargeFailureKeepsSentMessage", func(t *testing.T) {
		withDB(t, func(testDB *testingutil.TestDB) {
			h := newHarness(t, testDB, models.ChannelSMS)
			account, err := h.fixtures.CreateTestAccount(testingutil.WithBalance(10))
			require.NoError(t, err)

			resp, err := h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			require.NoError(t, err)

			// ledger writes now fail, so the debit transaction rolls back
			require.NoError(t, testDB.DB.Migrator().DropTable(&models.BalanceTransaction{}))

			require.NoError(t, h.flow.Deliver(ctx, h.queue.Last(t)))

			message := h.reloadMessage(t, resp.MessageID)
			assert.Equal(t, models.MessageStatusSent, message.Status)
			assert.Equal(t, models.ChannelSMS, message.ChannelUsed)
			require.NotNil(t, message.ProviderMessageID)
			assert.Equal(t, "sms-1", *message.ProviderMessageID)
			assert.NotNil(t, message.SentAt)
			assert.Equal(t, true, message.ProviderMetadata[models.MetadataKeyChargeFailed])
			assert.NotEmpty(t, message.ProviderMetadata[models.MetadataKeyChargeError])

			reloaded := h.reloadAccount(t, account.ID)
			assert.InDelta(t, 10.0, reloaded.Balance, 1e-9)
			assert.EqualValues(t, 0, reloaded.MessagesSentCounter)
			require.Len(t, h.sms.GetSentMessages(), 1)

			assert.Eventually(t, func() bool {
				return h.publisher.Has(resp.MessageUUID, models.MessageStatusSent)
			}, time.Second, 10*time.Millisecond)
		})
	})

	t.Run("FallbackFromWhatsappToSMS", func(t *testing.T) {
		withDB(t, func(testDB *testingutil.TestDB) {
			h := newHarness(t, testDB, models.ChannelSMS, models.ChannelWhatsappUnofficial)
			h.unofficial.SendFunc = failingSend(services.AdapterErrProviderUnavailable, models.ChannelWhatsappUnofficial)

			account, err := h.fixtures.CreateTestAccount(
				testingutil.WithBalance(10),
				testingutil.WithChannels(models.ChannelSMS, models.ChannelWhatsappUnofficial),
				testingutil.WithPreferred(models.ChannelWhatsappUnofficial),
			)
			require.NoError(t, err)

			resp, err := h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			require.NoError(t, err)
			assert.Equal(t, []string{"whatsapp_unofficial", "sms"}, resp.ChannelOrder)
			assert.InDelta(t, 0.25, resp.EstimatedCost, 1e-9)

			require.NoError(t, h.flow.Deliver(ctx, h.queue.Last(t)))

			message := h.reloadMessage(t, resp.MessageID)
			assert.Equal(t, models.MessageStatusSent, message.Status)
			assert.Equal(t, models.ChannelSMS, message.ChannelUsed)
			assert.Equal(t, models.ChannelWhatsappUnofficial, message.PreferredChannel)

			view := businessflow.ToMessageStatusResponse(message)
			require.Len(t, view.Attempts, 2)
			assert.Equal(t, "whatsapp_unofficial", view.Attempts[0].Channel)
			assert.False(t, view.Attempts[0].Success)
			assert.Equal(t, "provider_unavailable", view.Attempts[0].ErrorKind)
			assert.Equal(t, "sms", view.Attempts[1].Channel)
			assert.True(t, view.Attempts[1].Success)

			// charged at the sms rate only
			assert.InDelta(t, 9.0, h.reloadAccount(t, account.ID).Balance, 1e-9)
			rows := h.ledger(t, account.ID)
			require.Len(t, rows, 1)
			assert.InDelta(t, 1.0, rows[0].Amount, 1e-9)
		})
	})

	t.Run("TimedOutChannelFallsBack", func(t *testing.T) {
		withDB(t, func(testDB *testingutil.TestDB) {
			h := newHarness(t, testDB, models.ChannelSMS, models.ChannelWhatsappUnofficial)
			h.unofficial.Delay = 2 * time.Second

			account, err := h.fixtures.CreateTestAccount(
				testingutil.WithChannels(models.ChannelSMS, models.ChannelWhatsappUnofficial),
			)
			require.NoError(t, err)

			resp, err := h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			require.NoError(t, err)

			start := time.Now()
			require.NoError(t, h.flow.Deliver(ctx, h.queue.Last(t)))
			assert.Less(t, time.Since(start), time.Second)

			message := h.reloadMessage(t, resp.MessageID)
			assert.Equal(t, models.ChannelSMS, message.ChannelUsed)
			view := businessflow.ToMessageStatusResponse(message)
			require.Len(t, view.Attempts, 2)
			assert.Equal(t, "provider_unavailable", view.Attempts[0].ErrorKind)
		})
	})

	t.Run("OfficialChannelSendsAccountTemplate", func(t *testing.T) {
		withDB(t, func(testDB *testingutil.TestDB) {
			h := newHarness(t, testDB, models.ChannelWhatsappOfficial)
			account, err := h.fixtures.CreateTestAccount(testingutil.WithChannels(models.ChannelWhatsappOfficial))
			require.NoError(t, err)

			resp, err := h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			require.NoError(t, err)
			require.NoError(t, h.flow.Deliver(ctx, h.queue.Last(t)))

			sent := h.official.GetSentMessages()
			require.Len(t, sent, 1)
			require.NotNil(t, sent[0].Options.Template)
			assert.Equal(t, "generic_notice", sent[0].Options.Template.Name)
			assert.Equal(t, "ar", sent[0].Options.Template.Language)
			assert.Equal(t, "hello", sent[0].Body)

			assert.Equal(t, models.ChannelWhatsappOfficial, h.reloadMessage(t, resp.MessageID).ChannelUsed)
			assert.InDelta(t, 9.75, h.reloadAccount(t, account.ID).Balance, 1e-9)
		})
	})

	t.Run("AllChannelsFailLeavesBalance", func(t *testing.T) {
		withDB(t, func(testDB *testingutil.TestDB) {
			h := newHarness(t, testDB, models.ChannelSMS)
			h.sms.SendFunc = failingSend(services.AdapterErrAuthRejected, models.ChannelSMS)

			account, err := h.fixtures.CreateTestAccount()
			require.NoError(t, err)

			resp, err := h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			require.NoError(t, err)

			err = h.flow.Deliver(ctx, h.queue.Last(t))
			require.Error(t, err)
			assert.True(t, businessflow.IsAllChannelsFailed(err))

			message := h.reloadMessage(t, resp.MessageID)
			assert.Equal(t, models.MessageStatusFailed, message.Status)
			require.NotNil(t, message.ErrorMessage)
			assert.True(t, strings.HasPrefix(*message.ErrorMessage, "all channels failed: sms:"))

			assert.InDelta(t, 10.0, h.reloadAccount(t, account.ID).Balance, 1e-9)
			assert.Empty(t, h.ledger(t, account.ID))

			assert.Eventually(t, func() bool {
				return h.publisher.Has(resp.MessageUUID, models.MessageStatusFailed)
			}, time.Second, 10*time.Millisecond)
		})
	})

	t.Run("SecondDeliveryIsNoop", func(t *testing.T) {
		withDB(t, func(testDB *testingutil.TestDB) {
			h := newHarness(t, testDB, models.ChannelSMS)
			account, err := h.fixtures.CreateTestAccount()
			require.NoError(t, err)

			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			require.NoError(t, err)

			job := h.queue.Last(t)
			require.NoError(t, h.flow.Deliver(ctx, job))
			require.NoError(t, h.flow.Deliver(ctx, job))

			assert.Len(t, h.sms.GetSentMessages(), 1)
			assert.Len(t, h.ledger(t, account.ID), 1)
		})
	})
}

func TestSendRejections(t *testing.T) {
	ctx := context.Background()

	withDB(t, func(testDB *testingutil.TestDB) {
		h := newHarness(t, testDB, models.ChannelSMS)

		countMessages := func(accountID uint) int64 {
			n, err := h.messageRepo.Count(ctx, models.MessageFilter{AccountID: &accountID})
			require.NoError(t, err)
			return n
		}

		t.Run("MissingFields", func(t *testing.T) {
			_, err := h.flow.Send(ctx, &dto.SendMessageRequest{Token: "x", Phone: "  ", Message: "hi"})
			assert.True(t, businessflow.IsMissingFields(err))

			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Phone: "+966512345678", Message: "hi"})
			assert.True(t, businessflow.IsMissingFields(err))
		})

		t.Run("InvalidChannel", func(t *testing.T) {
			account, err := h.fixtures.CreateTestAccount()
			require.NoError(t, err)
			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hi", Channel: "telegram"})
			assert.True(t, businessflow.IsInvalidChannel(err))
		})

		t.Run("Unauthorized", func(t *testing.T) {
			_, err := h.flow.Send(ctx, &dto.SendMessageRequest{Token: "unknown", Phone: "+966512345678", Message: "hi"})
			assert.True(t, businessflow.IsUnauthorized(err))

			inactive, err := h.fixtures.CreateTestAccount(testingutil.Inactive())
			require.NoError(t, err)
			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: inactive.APIToken, Phone: "+966512345678", Message: "hi"})
			assert.True(t, businessflow.IsUnauthorized(err))
		})

		t.Run("InvalidPhoneIsRecorded", func(t *testing.T) {
			account, err := h.fixtures.CreateTestAccount()
			require.NoError(t, err)

			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "12-34", Message: "hi"})
			require.Error(t, err)
			assert.True(t, businessflow.IsInvalidPhoneNumber(err))

			failed := models.MessageStatusFailed
			messages, err := h.messageRepo.ByFilter(ctx, models.MessageFilter{AccountID: &account.ID, Status: &failed}, "", 0, 0)
			require.NoError(t, err)
			require.Len(t, messages, 1)
			require.NotNil(t, messages[0].ErrorMessage)
			assert.Equal(t, "invalid phone number", *messages[0].ErrorMessage)
			assert.Equal(t, []string{"12-34"}, []string(messages[0].OriginalRecipients))
		})

		t.Run("InsufficientBalanceWritesNothing", func(t *testing.T) {
			account, err := h.fixtures.CreateTestAccount(testingutil.WithBalance(0))
			require.NoError(t, err)

			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			assert.True(t, businessflow.IsInsufficientBalance(err))
			assert.Zero(t, countMessages(account.ID))
		})

		t.Run("CheapestChannelPassesPrecheck", func(t *testing.T) {
			account, err := h.fixtures.CreateTestAccount(
				testingutil.WithBalance(0.5),
				testingutil.WithChannels(models.ChannelSMS, models.ChannelWhatsappUnofficial),
			)
			require.NoError(t, err)

			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			assert.NoError(t, err)
		})

		t.Run("DailyLimit", func(t *testing.T) {
			account, err := h.fixtures.CreateTestAccount(testingutil.WithLimits(1, 0))
			require.NoError(t, err)

			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "one"})
			require.NoError(t, err)
			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "two"})
			assert.True(t, businessflow.IsDailyLimitExceeded(err))
			assert.EqualValues(t, 1, countMessages(account.ID))
		})

		t.Run("MonthlyLimit", func(t *testing.T) {
			account, err := h.fixtures.CreateTestAccount(testingutil.WithLimits(0, 1))
			require.NoError(t, err)

			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "one"})
			require.NoError(t, err)
			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "two"})
			assert.True(t, businessflow.IsMonthlyLimitExceeded(err))
		})

		t.Run("NoChannelEnabled", func(t *testing.T) {
			account, err := h.fixtures.CreateTestAccount(testingutil.WithChannels())
			require.NoError(t, err)

			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			assert.True(t, businessflow.IsNoChannelEnabled(err))
		})

		t.Run("NoChannelInitialized", func(t *testing.T) {
			account, err := h.fixtures.CreateTestAccount(testingutil.WithChannels(models.ChannelWhatsappOfficial))
			require.NoError(t, err)

			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			assert.True(t, businessflow.IsNoChannelInitialized(err))
			assert.Zero(t, countMessages(account.ID))
		})

		t.Run("QueueUnavailable", func(t *testing.T) {
			account, err := h.fixtures.CreateTestAccount()
			require.NoError(t, err)

			h.queue.err = errors.New("queue full")
			defer func() { h.queue.err = nil }()

			_, err = h.flow.Send(ctx, &dto.SendMessageRequest{Token: account.APIToken, Phone: "+966512345678", Message: "hello"})
			assert.True(t, businessflow.IsDispatchUnavailable(err))

			failed := models.MessageStatusFailed
			messages, err := h.messageRepo.ByFilter(ctx, models.MessageFilter{AccountID: &account.ID, Status: &failed}, "", 0, 0)
			require.NoError(t, err)
			assert.Len(t, messages, 1)
		})
	})
}

func TestGetMessageStatus(t *testing.T) {
	ctx := context.Background()

	withDB(t, func(testDB *testingutil.TestDB) {
		h := newHarness(t, testDB, models.ChannelSMS)
		owner, err := h.fixtures.CreateTestAccount()
		require.NoError(t, err)
		other, err := h.fixtures.CreateTestAccount()
		require.NoError(t, err)

		resp, err := h.flow.Send(ctx, &dto.SendMessageRequest{Token: owner.APIToken, Phone: "+966512345678", Message: "hello"})
		require.NoError(t, err)
		require.NoError(t, h.flow.Deliver(ctx, h.queue.Last(t)))

		t.Run("Owner", func(t *testing.T) {
			view, err := h.flow.GetMessageStatus(ctx, &dto.GetMessageStatusRequest{Token: owner.APIToken, MessageUUID: resp.MessageUUID})
			require.NoError(t, err)
			assert.Equal(t, "sent", view.Status)
			assert.Equal(t, "sms", view.ChannelUsed)
			assert.Len(t, view.Attempts, 1)
		})

		t.Run("OtherAccount", func(t *testing.T) {
			_, err := h.flow.GetMessageStatus(ctx, &dto.GetMessageStatusRequest{Token: other.APIToken, MessageUUID: resp.MessageUUID})
			assert.True(t, businessflow.IsMessageNotFound(err))
		})

		t.Run("MalformedUUID", func(t *testing.T) {
			_, err := h.flow.GetMessageStatus(ctx, &dto.GetMessageStatusRequest{Token: owner.APIToken, MessageUUID: "nope"})
			assert.True(t, businessflow.IsMessageNotFound(err))
		})
	})
}
