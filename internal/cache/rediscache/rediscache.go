// Package rediscache backs the ledger balance cache and advisory lock with Redis.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix    = "coinledger"
	defaultBalanceTTL   = 30 * time.Second
	defaultLockTTL      = 5 * time.Second
	defaultLockWait     = 500 * time.Millisecond
	lockRetryInterval   = 25 * time.Millisecond
	unlockTimeout       = time.Second
	balanceKeySegment   = "balance"
	lockKeySegment      = "lock"
	errorOperationCache = "cache"
	errorSubjectBalance = "balance"
	errorSubjectLock    = "lock"
	errorCodeGet        = "get"
	errorCodeSet        = "set"
	errorCodeDelete     = "delete"
	errorCodeAcquire    = "acquire"
	errorCodeParse      = "parse"
)

// ErrLockNotAcquired reports that another holder kept the lock past the wait budget.
var ErrLockNotAcquired = errors.New("balance lock not acquired")

// compare-and-delete so a lock that expired and was re-acquired by someone else is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config tunes key naming and timings.
type Config struct {
	KeyPrefix  string
	BalanceTTL time.Duration
	LockTTL    time.Duration
	LockWait   time.Duration
}

func (config Config) normalized() Config {
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	if config.BalanceTTL <= 0 {
		config.BalanceTTL = defaultBalanceTTL
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaultLockTTL
	}
	if config.LockWait <= 0 {
		config.LockWait = defaultLockWait
	}
	return config
}

// Cache implements ledger.BalanceCache and ledger.BalanceLocker.
type Cache struct {
	client redis.UniversalClient
	config Config
	token  func() string
}

// New wraps a go-redis client.
func New(client redis.UniversalClient, config Config) *Cache {
	return &Cache{client: client, config: config.normalized(), token: uuid.NewString}
}

func (cache *Cache) balanceKey(userID ledger.UserID) string {
	return fmt.Sprintf("%s:%s:%s", cache.config.KeyPrefix, balanceKeySegment, userID.String())
}

func (cache *Cache) lockKey(userID ledger.UserID) string {
	return fmt.Sprintf("%s:%s:%s:%s", cache.config.KeyPrefix, lockKeySegment, balanceKeySegment, userID.String())
}

func (cache *Cache) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Coins, bool, error) {
	raw, err := cache.client.Get(ctx, cache.balanceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, ledger.WrapError(errorOperationCache, errorSubjectBalance, errorCodeGet, err)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, ledger.WrapError(errorOperationCache, errorSubjectBalance, errorCodeParse, err)
	}
	balance, err := ledger.NewCoins(value)
	if err != nil {
		return 0, false, ledger.WrapError(errorOperationCache, errorSubjectBalance, errorCodeParse, err)
	}
	return balance, true, nil
}

func (cache *Cache) SetBalance(ctx context.Context, userID ledger.UserID, balance ledger.Coins) error {
	err := cache.client.Set(ctx, cache.balanceKey(userID), strconv.FormatInt(balance.Int64(), 10), cache.config.BalanceTTL).Err()
	if err != nil {
		return ledger.WrapError(errorOperationCache, errorSubjectBalance, errorCodeSet, err)
	}
	return nil
}

func (cache *Cache) InvalidateBalance(ctx context.Context, userID ledger.UserID) error {
	if err := cache.client.Del(ctx, cache.balanceKey(userID)).Err(); err != nil {
		return ledger.WrapError(errorOperationCache, errorSubjectBalance, errorCodeDelete, err)
	}
	return nil
}

// LockBalance spins on SET NX PX until it wins or LockWait elapses.
func (cache *Cache) LockBalance(ctx context.Context, userID ledger.UserID) (func(), error) {
	key := cache.lockKey(userID)
	token := cache.token()
	deadline := time.NewTimer(cache.config.LockWait)
	defer deadline.Stop()
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		acquired, err := cache.client.SetNX(ctx, key, token, cache.config.LockTTL).Result()
		if err != nil {
			return nil, ledger.WrapError(errorOperationCache, errorSubjectLock, errorCodeAcquire, err)
		}
		if acquired {
			return func() { cache.unlock(key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ledger.WrapError(errorOperationCache, errorSubjectLock, errorCodeAcquire, ctx.Err())
		case <-deadline.C:
			return nil, ledger.WrapError(errorOperationCache, errorSubjectLock, errorCodeAcquire, ErrLockNotAcquired)
		case <-ticker.C:
		}
	}
}

func (cache *Cache) unlock(key string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	_ = unlockScript.Run(ctx, cache.client, []string{key}, token).Err()
}
