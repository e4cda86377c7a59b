package businessflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMessageLockTTL = 2 * time.Minute
	messageLockRetry      = 25 * time.Millisecond
)

// MessageLocker serializes work on a single message across workers, webhooks and sweeps
type MessageLocker interface {
	// Lock blocks until the message lock is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, messageID uint) (unlock func(), err error)
}

type messageLockEntry struct {
	sem  chan struct{}
	refs int
}

// localMessageLocker is an in-process keyed mutex
type localMessageLocker struct {
	mu    sync.Mutex
	locks map[uint]*messageLockEntry
}

// NewLocalMessageLocker creates a locker valid within one process
func NewLocalMessageLocker() MessageLocker {
	return &localMessageLocker{locks: make(map[uint]*messageLockEntry)}
}

func (l *localMessageLocker) Lock(ctx context.Context, messageID uint) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[messageID]
	if !ok {
		entry = &messageLockEntry{sem: make(chan struct{}, 1)}
		l.locks[messageID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-entry.sem
				l.release(messageID, entry)
			})
		}, nil
	case <-ctx.Done():
		l.release(messageID, entry)
		return nil, fmt.Errorf("%w: %v", ErrMessageBusy, ctx.Err())
	}
}

func (l *localMessageLocker) release(messageID uint, entry *messageLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, messageID)
	}
}

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// redisMessageLocker holds locks as SET NX PX keys so several replicas share them
type redisMessageLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisMessageLocker creates a locker shared by every process using client
func NewRedisMessageLocker(client redis.UniversalClient, prefix string, ttl time.Duration) MessageLocker {
	if ttl <= 0 {
		ttl = defaultMessageLockTTL
	}
	return &redisMessageLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *redisMessageLocker) key(messageID uint) string {
	return l.prefix + "message-lock:" + strconv.FormatUint(uint64(messageID), 10)
}

func (l *redisMessageLocker) Lock(ctx context.Context, messageID uint) (func(), error) {
	key := l.key(messageID)
	token := uuid.NewString()

	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrMessageBusy, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire message lock: %w", err)
		}
		if acquired {
			break
		}

		timer := time.NewTimer(messageLockRetry)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrMessageBusy, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}
