// Package metastore holds device identity records (name and UUID) outside of
// the device objects themselves.
//
// A Store is keyed by device handle. Implementations exist for process memory,
// an embedded buntdb database, Redis and S3; Open picks one from configuration.
package metastore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/objectfs/mapperfs/internal/circuit"
	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/retry"
)

// Record is the identity of a single device.
type Record struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// Store persists device records.
type Store interface {
	// Put creates or replaces the record for handle.
	Put(ctx context.Context, handle string, rec Record) error
	// Get returns the record for handle; a missing record yields an error
	// matching errors.ErrNoRecord.
	Get(ctx context.Context, handle string) (Record, error)
	// Delete removes the record for handle. Deleting a missing record is not an error.
	Delete(ctx context.Context, handle string) error
	// Close releases the store's resources.
	Close() error
}

// Config selects and configures a Store implementation.
type Config struct {
	Type   string      `yaml:"type"`
	Prefix string      `yaml:"prefix"`
	BuntDB BuntConfig  `yaml:"buntdb"`
	Redis  RedisConfig `yaml:"redis"`
	S3     S3Config    `yaml:"s3"`

	// Connect retries opening an unreachable backend.
	Connect retry.Config `yaml:"connect_retry"`
	// Breaker guards every call once the store is open; see NewGuardedStore.
	Breaker circuit.Config `yaml:"breaker"`
}

// Store types accepted by Open.
const (
	TypeMemory = "memory"
	TypeBuntDB = "buntdb"
	TypeRedis  = "redis"
	TypeS3     = "s3"
)

// DefaultConfig returns an in-memory store configuration.
func DefaultConfig() Config {
	return Config{
		Type:   TypeMemory,
		Prefix: "mapperfs/devices/",
		BuntDB: BuntConfig{Path: ":memory:"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		S3:     S3Config{Region: "us-east-1"},

		Connect: retry.DefaultConfig(),
		Breaker: circuit.DefaultConfig(),
	}
}

// Validate checks the selected store type is known and configured.
func (c Config) Validate() error {
	switch c.Type {
	case TypeMemory:
		return nil
	case TypeBuntDB:
		if c.BuntDB.Path == "" {
			return fmt.Errorf("buntdb path cannot be empty")
		}
	case TypeRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	case TypeS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("bucket name cannot be empty")
		}
	default:
		return fmt.Errorf("unknown store type: %q", c.Type)
	}
	return nil
}

// Open builds the store selected by cfg.Type, retrying per cfg.Connect while
// the backend is unavailable.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid store configuration", err).
			WithComponent("metastore")
	}

	var store Store
	err := retry.New(cfg.Connect).Do(ctx, func(ctx context.Context) error {
		var err error
		store, err = open(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeBuntDB:
		return NewBuntStore(cfg.BuntDB, cfg.Prefix)
	case TypeRedis:
		return NewRedisStore(ctx, cfg.Redis, cfg.Prefix)
	case TypeS3:
		return NewS3Store(ctx, cfg.S3, cfg.Prefix)
	default:
		return NewMemoryStore(), nil
	}
}

func encodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(handle string, data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, readError(handle, "corrupt device record", err)
	}
	return rec, nil
}

func notFound(handle string) error {
	return errors.NewError(errors.ErrCodeRecordNotFound, "no record for device").
		WithComponent("metastore").
		WithContext("handle", handle)
}

func readError(handle, msg string, err error) error {
	return errors.Wrap(errors.ErrCodeStoreRead, msg, err).
		WithComponent("metastore").
		WithContext("handle", handle)
}

func writeError(handle, msg string, err error) error {
	return errors.Wrap(errors.ErrCodeStoreWrite, msg, err).
		WithComponent("metastore").
		WithContext("handle", handle)
}
