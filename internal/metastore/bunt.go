package metastore

import (
	"context"
	stderrors "errors"

	"github.com/tidwall/buntdb"

	"github.com/objectfs/mapperfs/pkg/errors"
)

// BuntConfig configures the embedded buntdb store.
type BuntConfig struct {
	// Path is the database file, or ":memory:" for a non-persistent database.
	Path string `yaml:"path"`
}

// BuntStore keeps records in an embedded buntdb database.
type BuntStore struct {
	db     *buntdb.DB
	prefix string
}

// NewBuntStore opens the database at cfg.Path.
func NewBuntStore(cfg BuntConfig, prefix string) (*BuntStore, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreUnavailable, "failed to open buntdb", err).
			WithComponent("metastore").
			WithContext("path", path)
	}
	return &BuntStore{db: db, prefix: prefix}, nil
}

// Put implements Store.
func (b *BuntStore) Put(_ context.Context, handle string, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return writeError(handle, "failed to encode record", err)
	}
	err = b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(b.prefix+handle, string(data), nil)
		return err
	})
	if err != nil {
		return writeError(handle, "failed to store record", err)
	}
	return nil
}

// Get implements Store.
func (b *BuntStore) Get(_ context.Context, handle string) (Record, error) {
	var value string
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(b.prefix + handle)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if stderrors.Is(err, buntdb.ErrNotFound) {
		return Record{}, notFound(handle)
	}
	if err != nil {
		return Record{}, readError(handle, "failed to read record", err)
	}
	return decodeRecord(handle, []byte(value))
}

// Delete implements Store.
func (b *BuntStore) Delete(_ context.Context, handle string) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(b.prefix + handle)
		return err
	})
	if err != nil && !stderrors.Is(err, buntdb.ErrNotFound) {
		return writeError(handle, "failed to delete record", err)
	}
	return nil
}

// Close implements Store.
func (b *BuntStore) Close() error {
	return b.db.Close()
}
