package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ipKeyPrefix  = "ratelimit:ip:"
	globalKey    = "ratelimit:global"
	maxTxRetries = 5
)

// Limiter bounds invoice creation per client IP and globally, over a rolling
// window. State is a precise timestamp log in redis sorted sets (score =
// unix millis), so accept/deny decisions are exact, not bucketed.
type Limiter struct {
	rdb       *redis.Client
	maxPerIP  int
	maxGlobal int
	window    time.Duration
	log       *zap.Logger

	now func() time.Time // overridable in tests
}

// Decision is the outcome of one CheckAndRecord call. RetryAfter is set only
// when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

func New(rdb *redis.Client, maxPerIP, maxGlobal int, window time.Duration, log *zap.Logger) *Limiter {
	return &Limiter{
		rdb:       rdb,
		maxPerIP:  maxPerIP,
		maxGlobal: maxGlobal,
		window:    window,
		log:       log,
		now:       time.Now,
	}
}

func ipKey(ip string) string {
	return ipKeyPrefix + ip
}

// CheckAndRecord checks both windows and, only when both admit the request,
// records it. A denied request leaves no trace: the window never extends
// because of rejected traffic.
func (l *Limiter) CheckAndRecord(ctx context.Context, ip string) (Decision, error) {
	key := ipKey(ip)
	var dec Decision

	txf := func(tx *redis.Tx) error {
		now := l.now()
		cutoffArg := fmt.Sprintf("%d", now.Add(-l.window).UnixMilli())
		// Aged entries are only counted out here, never removed: a write on a
		// WATCHed key would abort our own EXEC. Removal happens inside the
		// pipeline below, or in the cleanup loop.
		inWindow := "(" + cutoffArg

		ipCount, err := tx.ZCount(ctx, key, inWindow, "+inf").Result()
		if err != nil {
			return err
		}
		globalCount, err := tx.ZCount(ctx, globalKey, inWindow, "+inf").Result()
		if err != nil {
			return err
		}

		if int(ipCount) >= l.maxPerIP {
			retry, err := l.retryAfter(ctx, tx, key, inWindow, now)
			if err != nil {
				return err
			}
			dec = Decision{RetryAfter: retry}
			return nil
		}
		if int(globalCount) >= l.maxGlobal {
			retry, err := l.retryAfter(ctx, tx, globalKey, inWindow, now)
			if err != nil {
				return err
			}
			dec = Decision{RetryAfter: retry}
			return nil
		}

		member := uuid.NewString()
		score := float64(now.UnixMilli())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, "-inf", cutoffArg)
			pipe.ZRemRangeByScore(ctx, globalKey, "-inf", cutoffArg)
			pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
			pipe.ZAdd(ctx, globalKey, redis.Z{Score: score, Member: member})
			// Keys with no fresh traffic fall out of redis on their own.
			pipe.Expire(ctx, key, l.window)
			pipe.Expire(ctx, globalKey, l.window)
			return nil
		})
		if err != nil {
			return err
		}
		dec = Decision{Allowed: true}
		return nil
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = l.rdb.Watch(ctx, txf, key, globalKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: check %s: %w", ip, err)
	}
	return dec, nil
}

// retryAfter computes when the oldest in-window entry of the limiting key
// ages out. Aged entries may still be present, so the lookup is score-bounded.
func (l *Limiter) retryAfter(ctx context.Context, tx *redis.Tx, key, inWindow string, now time.Time) (time.Duration, error) {
	oldest, err := tx.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: inWindow, Max: "+inf", Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(oldest) == 0 {
		return l.window, nil
	}
	freeAt := time.UnixMilli(int64(oldest[0].Score)).Add(l.window)
	retry := freeAt.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return retry, nil
}

// RunCleanup prunes stale timestamps on an interval to bound memory. Pruning
// only removes entries already outside the window, so it can never admit a
// request the live check would deny.
func (l *Limiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.log.Info("ratelimit cleanup started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			l.log.Info("ratelimit cleanup stopped")
			return
		case <-ticker.C:
			l.cleanup(ctx)
		}
	}
}

func (l *Limiter) cleanup(ctx context.Context) {
	cutoff := fmt.Sprintf("%d", l.now().Add(-l.window).UnixMilli())
	var cursor uint64
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, ipKeyPrefix+"*", 100).Result()
		if err != nil {
			l.log.Error("ratelimit cleanup: scan", zap.Error(err))
			return
		}
		for _, key := range keys {
			if err := l.rdb.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
				l.log.Error("ratelimit cleanup: prune", zap.String("key", key), zap.Error(err))
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	if err := l.rdb.ZRemRangeByScore(ctx, globalKey, "-inf", cutoff).Err(); err != nil {
		l.log.Error("ratelimit cleanup: prune global", zap.Error(err))
	}
}
