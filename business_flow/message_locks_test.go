package businessflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLocker(t *testing.T, locker businessflow.MessageLocker) {
	ctx := context.Background()

	t.Run("SecondLockWaits", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, 1)
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(waitCtx, 1)
		require.Error(t, err)
		assert.True(t, businessflow.IsMessageBusy(err))

		unlock()
		unlock() // releasing twice is harmless

		again, err := locker.Lock(ctx, 1)
		require.NoError(t, err)
		again()
	})

	t.Run("DifferentMessagesDoNotBlock", func(t *testing.T) {
		unlockA, err := locker.Lock(ctx, 10)
		require.NoError(t, err)
		defer unlockA()

		waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		unlockB, err := locker.Lock(waitCtx, 11)
		require.NoError(t, err)
		unlockB()
	})

	t.Run("WaiterAcquiresAfterRelease", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, 20)
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			next, err := locker.Lock(waitCtx, 20)
			if err == nil {
				next()
				close(acquired)
			}
		}()

		time.Sleep(50 * time.Millisecond)
		unlock()

		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never acquired the lock")
		}
	})
}

func TestLocalMessageLocker(t *testing.T) {
	exerciseLocker(t, businessflow.NewLocalMessageLocker())
}

func TestRedisMessageLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := businessflow.NewRedisMessageLocker(client, "test:", time.Minute)
	exerciseLocker(t, locker)

	t.Run("KeyCarriesTTLAndIsReleased", func(t *testing.T) {
		unlock, err := locker.Lock(context.Background(), 42)
		require.NoError(t, err)
		assert.True(t, mr.Exists("test:message-lock:42"))
		assert.Greater(t, mr.TTL("test:message-lock:42"), time.Duration(0))

		unlock()
		assert.False(t, mr.Exists("test:message-lock:42"))
	})

	t.Run("ForeignTokenIsNotDeleted", func(t *testing.T) {
		unlock, err := locker.Lock(context.Background(), 43)
		require.NoError(t, err)

		// Simulate expiry followed by another holder taking the key
		require.NoError(t, mr.Set("test:message-lock:43", "someone-else"))
		unlock()

		got, err := mr.Get("test:message-lock:43")
		require.NoError(t, err)
		assert.Equal(t, "someone-else", got)
	})
}
