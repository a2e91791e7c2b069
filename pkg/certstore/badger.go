package certstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

const badgerKeyPrefix = "cert:"

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// DBPath is the BadgerDB directory. Required unless InMemory is set.
	DBPath string

	// InMemory runs BadgerDB without touching disk (tests).
	InMemory bool

	Options Options
}

// BadgerStore persists PEM bundles in BadgerDB.
type BadgerStore struct {
	*cachingStore
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database at config.DBPath.
func NewBadgerStore(ctx context.Context, config BadgerConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.DBPath == "" {
			return nil, errors.New("badger certificate store: db_path is required")
		}
		opts = badger.DefaultOptions(config.DBPath)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	s := &BadgerStore{db: db}
	s.cachingStore = newCachingStore("badger", badgerBackend{db: db}, config.Options)
	return s, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerBackend struct {
	db *badger.DB
}

func (b badgerBackend) get(ctx context.Context, host string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var bundle []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + host))
		if err != nil {
			return err
		}
		bundle, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return bundle, err
}

func (b badgerBackend) put(ctx context.Context, host string, bundle []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+host), bundle)
	})
}

func (b badgerBackend) delete(ctx context.Context, host string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + host))
	})
}

func (b badgerBackend) clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.DropPrefix([]byte(badgerKeyPrefix))
}
