package metastore

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/objectfs/mapperfs/pkg/errors"
)

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RedisStore keeps each record as a Redis hash.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to cfg.Addr and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(errors.ErrCodeStoreUnavailable, "redis ping failed", err).
			WithComponent("metastore").
			WithContext("addr", cfg.Addr)
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, handle string, rec Record) error {
	err := r.client.HSet(ctx, r.prefix+handle, "name", rec.Name, "uuid", rec.UUID).Err()
	if err != nil {
		return writeError(handle, "failed to store record", err)
	}
	return nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, handle string) (Record, error) {
	vals, err := r.client.HGetAll(ctx, r.prefix+handle).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return Record{}, notFound(handle)
		}
		return Record{}, readError(handle, "failed to read record", err)
	}
	if len(vals) == 0 {
		return Record{}, notFound(handle)
	}
	return Record{Name: vals["name"], UUID: vals["uuid"]}, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, handle string) error {
	if err := r.client.Del(ctx, r.prefix+handle).Err(); err != nil {
		return writeError(handle, "failed to delete record", err)
	}
	return nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
