package localstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/openmined/spacesync/internal/syncerr"
)

// DB is a Badger database holding the content of every repository.
type DB struct {
	db *badger.DB
}

// OpenBadger opens the content database in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Repository returns the Store of one repository. Keys are namespaced as
// "<repositoryId>:<fileId>".
func (d *DB) Repository(repositoryID string) *Badger {
	return &Badger{db: d.db, prefix: repositoryID + ":"}
}

// Badger is a repository scoped Store backed by a shared Badger database.
type Badger struct {
	db     *badger.DB
	prefix string
}

var _ Store = (*Badger)(nil)

func (b *Badger) key(fileID string) []byte {
	return []byte(b.prefix + fileID)
}

func (b *Badger) Get(ctx context.Context, fileID string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(fileID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, syncerr.ForFile(syncerr.KindNotFound, "local get", fileID, nil)
	} else if err != nil {
		return nil, fmt.Errorf("local get %s: %w", fileID, err)
	}
	return data, nil
}

func (b *Badger) Put(ctx context.Context, fileID string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(fileID), data)
	})
	if err != nil {
		return fmt.Errorf("local put %s: %w", fileID, err)
	}
	return nil
}

func (b *Badger) Delete(ctx context.Context, fileID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(fileID))
	})
	if err != nil {
		return fmt.Errorf("local delete %s: %w", fileID, err)
	}
	return nil
}

func (b *Badger) CompareAndPut(ctx context.Context, fileID, want string, data []byte) error {
	return b.compareAndSwap("local put", fileID, want, data, false)
}

func (b *Badger) CompareAndDelete(ctx context.Context, fileID, want string) error {
	return b.compareAndSwap("local delete", fileID, want, nil, true)
}

// compareAndSwap reads and writes in one transaction. A concurrent writer of
// the same key makes the commit fail with badger.ErrConflict, which counts as
// a local change too.
func (b *Badger) compareAndSwap(op, fileID, want string, data []byte, deleting bool) error {
	key := b.key(fileID)
	err := b.db.Update(func(txn *badger.Txn) error {
		var (
			current []byte
			found   bool
		)
		item, err := txn.Get(key)
		switch {
		case err == nil:
			found = true
			if current, err = item.ValueCopy(nil); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if !unchanged(current, found, want, data, deleting) {
			return localChanged(op, fileID, want)
		}
		if deleting {
			return txn.Delete(key)
		}
		return txn.Set(key, data)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return localChanged(op, fileID, want)
	case syncerr.Is(err, syncerr.KindLocalChanged):
		return err
	default:
		return fmt.Errorf("%s %s: %w", op, fileID, err)
	}
}

func (b *Badger) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(b.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), b.prefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local list: %w", err)
	}
	return ids, nil
}
