package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/metgo/valleymet/internal/models"
)

const (
	// sentSetKey is a sorted set of send events scored by unix time.
	sentSetKey = "metgo:sent"
	// lastSentKeyPrefix prefixes per-(kind, recipient) last-send keys.
	lastSentKeyPrefix = "metgo:sent:"

	windowTTL = time.Hour
)

// RedisWindow is a SendWindow shared across dispatcher instances. Sends land
// in a sorted set trimmed to the trailing hour plus per-(kind, recipient)
// keys with a one hour TTL.
type RedisWindow struct {
	client *redis.Client
}

func NewRedisWindow(addr string) (*RedisWindow, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisWindow{client: client}, nil
}

func lastSentKey(kind models.AlertKind, recipient string) string {
	return lastSentKeyPrefix + string(kind) + ":" + recipient
}

func (w *RedisWindow) CountSentSince(ctx context.Context, since time.Time) (int, error) {
	// trim expired events while counting
	pipe := w.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, sentSetKey, "0", strconv.FormatInt(since.Add(-windowTTL).Unix(), 10))
	count := pipe.ZCount(ctx, sentSetKey, strconv.FormatInt(since.Unix(), 10), "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count sends: %w", err)
	}
	return int(count.Val()), nil
}

func (w *RedisWindow) LastSent(ctx context.Context, kind models.AlertKind, recipient string) (time.Time, error) {
	val, err := w.client.Get(ctx, lastSentKey(kind, recipient)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last sent: %w", err)
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last sent %q: %w", val, err)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (w *RedisWindow) Record(ctx context.Context, kind models.AlertKind, recipient string, channel models.Channel, at time.Time) error {
	member := fmt.Sprintf("%s:%s:%s:%d", kind, recipient, channel, at.UnixNano())
	pipe := w.client.Pipeline()
	pipe.ZAdd(ctx, sentSetKey, &redis.Z{Score: float64(at.Unix()), Member: member})
	pipe.Expire(ctx, sentSetKey, windowTTL)
	pipe.Set(ctx, lastSentKey(kind, recipient), strconv.FormatInt(at.Unix(), 10), windowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

func (w *RedisWindow) Close() error { return w.client.Close() }
