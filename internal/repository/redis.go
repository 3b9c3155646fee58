package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailtrace/internal/model"
)

type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisRepository(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisRepository{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (r *RedisRepository) Count(ctx context.Context, provider string) (int64, error) {
	calls, err := r.client.Get(ctx, "quota:"+provider).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		r.logger.Error("failed to read provider quota",
			zap.String("provider", provider),
			zap.Error(err))
		return 0, err
	}
	return calls, nil
}

// Increment never sets an expiry; quota counters are reset by hand.
func (r *RedisRepository) Increment(ctx context.Context, provider string) error {
	if err := r.client.Incr(ctx, "quota:"+provider).Err(); err != nil {
		r.logger.Error("failed to increment provider quota",
			zap.String("provider", provider),
			zap.Error(err))
		return err
	}
	return nil
}

func (r *RedisRepository) SetLocation(ctx context.Context, ip string, loc model.Location) error {
	return r.setJSON(ctx, "geo:"+ip, loc)
}

func (r *RedisRepository) GetLocation(ctx context.Context, ip string) (model.Location, bool, error) {
	var loc model.Location
	ok, err := r.getJSON(ctx, "geo:"+ip, &loc)
	return loc, ok, err
}

func (r *RedisRepository) SetVerdict(ctx context.Context, ip string, verdict model.ReputationVerdict) error {
	return r.setJSON(ctx, "rep:"+ip, verdict)
}

func (r *RedisRepository) GetVerdict(ctx context.Context, ip string) (model.ReputationVerdict, bool, error) {
	var verdict model.ReputationVerdict
	ok, err := r.getJSON(ctx, "rep:"+ip, &verdict)
	return verdict, ok, err
}

func (r *RedisRepository) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.logger.Error("failed to write cache entry",
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	return nil
}

func (r *RedisRepository) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to read cache entry",
			zap.String("key", key),
			zap.Error(err))
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
