package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/newsbridge/livesync/internal/liveblog"
)

const (
	redisWatermarkPrefix = "livesync:watermark:"
	redisRecordPrefix    = "livesync:record:"
)

// RedisStore keeps watermarks and sync records as plain keys. Suited to
// deployments that already run redis for other connectors and want shared,
// low-latency state.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(dsn string) (*RedisStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStore) LastSynced(ctx context.Context, sourceID string) (*time.Time, error) {
	value, err := s.client.Get(ctx, redisWatermarkPrefix+sourceID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func (s *RedisStore) SetLastSynced(ctx context.Context, sourceID string, t time.Time) error {
	if sourceID == "" {
		return ErrInvalidInput
	}
	return s.client.Set(ctx, redisWatermarkPrefix+sourceID, t.UTC().Format(time.RFC3339Nano), 0).Err()
}

func (s *RedisStore) Lookup(ctx context.Context, postID string) (*liveblog.SyncRecord, error) {
	value, err := s.client.Get(ctx, redisRecordPrefix+postID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record liveblog.SyncRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *RedisStore) Save(ctx context.Context, record liveblog.SyncRecord) error {
	if record.PostID == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisRecordPrefix+record.PostID, payload, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, postID string) error {
	return s.client.Del(ctx, redisRecordPrefix+postID).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
