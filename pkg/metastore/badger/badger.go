// Package badger is the embedded, single-process-durable metastore.Store
// backend: session metadata and lease bookkeeping survive a process
// restart, but are not visible to a second process attached to the same
// store root (use pkg/metastore/redis for that).
package badger

import (
	"fmt"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crumblevm/crumble/pkg/vmtypes"
)

const (
	metaPrefix  = "meta:"
	leasePrefix = "lease:"
)

// Store is a Badger-backed metastore.Store.
type Store struct {
	db     *badgerdb.DB
	logger *zap.Logger
}

// New opens (or creates) a Badger database at dataPath.
func New(dataPath string, logger *zap.Logger) (*Store, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("metastore/badger: resolve path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &loggerAdapter{logger: logger}
	opts.SyncWrites = true

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("metastore/badger: open database at %s: %w", absPath, err)
	}

	logger.Sugar().Infow("metastore badger backend opened", "path", absPath)
	return &Store{db: db, logger: logger}, nil
}

func metaKey(sessionID uuid.UUID, key string) []byte {
	return []byte(metaPrefix + sessionID.String() + ":" + key)
}

func metaSessionPrefix(sessionID uuid.UUID) []byte {
	return []byte(metaPrefix + sessionID.String() + ":")
}

func leaseKey(commitRoot vmtypes.Hash, sessionID uuid.UUID) []byte {
	return []byte(leasePrefix + commitRoot.String() + ":" + sessionID.String())
}

func leaseRootPrefix(commitRoot vmtypes.Hash) []byte {
	return []byte(leasePrefix + commitRoot.String() + ":")
}

func (s *Store) SetMeta(sessionID uuid.UUID, key string, value []byte) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(metaKey(sessionID, key), value)
	})
}

func (s *Store) GetMeta(sessionID uuid.UUID, key string) ([]byte, bool, error) {
	var data []byte
	found := false

	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(metaKey(sessionID, key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("metastore/badger: get meta: %w", err)
	}
	return data, found, nil
}

func (s *Store) RemoveMeta(sessionID uuid.UUID, key string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(metaKey(sessionID, key))
	})
}

func (s *Store) ClearSession(sessionID uuid.UUID) error {
	return s.deletePrefix(metaSessionPrefix(sessionID))
}

func (s *Store) AcquireLease(sessionID uuid.UUID, commitRoot vmtypes.Hash) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(leaseKey(commitRoot, sessionID), []byte{1})
	})
}

func (s *Store) ReleaseLease(sessionID uuid.UUID, commitRoot vmtypes.Hash) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete(leaseKey(commitRoot, sessionID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (s *Store) IsHeld(commitRoot vmtypes.Hash) (bool, error) {
	held := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = leaseRootPrefix(commitRoot)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		held = it.Valid()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("metastore/badger: check lease: %w", err)
	}
	return held, nil
}

func (s *Store) deletePrefix(prefix []byte) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, append([]byte{}, it.Item().Key()...))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("metastore/badger: close: %w", err)
	}
	return nil
}

func (s *Store) HealthCheck() error {
	return s.db.View(func(txn *badgerdb.Txn) error { return nil })
}

// loggerAdapter satisfies badger.Logger against a zap.Logger, matching the
// teacher's persistence/badger logging shape.
type loggerAdapter struct {
	logger *zap.Logger
}

func (l *loggerAdapter) Errorf(format string, args ...interface{})   { l.logger.Sugar().Errorf(format, args...) }
func (l *loggerAdapter) Warningf(format string, args ...interface{}) { l.logger.Sugar().Warnf(format, args...) }
func (l *loggerAdapter) Infof(format string, args ...interface{})    { l.logger.Sugar().Infof(format, args...) }
func (l *loggerAdapter) Debugf(format string, args ...interface{})   { l.logger.Sugar().Debugf(format, args...) }
