package store

import (
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/crumblevm/crumble/pkg/commit"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// indexCache memoizes (contract id, commit root) -> ContractIndexElement
// lookups. It is purely an accelerator for Reconstruct's recursive walk up
// the base chain; a cache miss always falls back to the on-disk leaf file.
type indexCache interface {
	Get(id vmtypes.ContractID, commitRoot vmtypes.Hash) (commit.ContractIndexElement, bool)
	Put(id vmtypes.ContractID, commitRoot vmtypes.Hash, elem commit.ContractIndexElement)
}

// BadgerIndexCache is an indexCache backed by an embedded Badger database,
// grounded on the teacher's persistence/badger package for its open/logger
// conventions (SPEC_FULL.md: "Badger... backs... an index-acceleration
// cache in pkg/store mapping (contract, commit root) -> ContractIndexElement").
type BadgerIndexCache struct {
	db *badgerdb.DB
}

// NewBadgerIndexCache opens (or creates) a Badger database at dataPath to
// serve as a Store's indexCache.
func NewBadgerIndexCache(dataPath string, log *zap.Logger) (*BadgerIndexCache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badgerdb.DefaultOptions(dataPath)
	opts.Logger = nil // the teacher's persistence/badger adapter is overkill for a pure accelerator
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerIndexCache{db: db}, nil
}

func cacheKey(id vmtypes.ContractID, commitRoot vmtypes.Hash) []byte {
	key := make([]byte, 0, len(id)+len(commitRoot))
	key = append(key, id[:]...)
	key = append(key, commitRoot[:]...)
	return key
}

func (c *BadgerIndexCache) Get(id vmtypes.ContractID, commitRoot vmtypes.Hash) (commit.ContractIndexElement, bool) {
	var elem commit.ContractIndexElement
	found := false
	_ = c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(cacheKey(id, commitRoot))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			decoded, err := commit.DecodeElement(val)
			if err != nil {
				return nil
			}
			elem = decoded
			found = true
			return nil
		})
	})
	return elem, found
}

func (c *BadgerIndexCache) Put(id vmtypes.ContractID, commitRoot vmtypes.Hash, elem commit.ContractIndexElement) {
	_ = c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(cacheKey(id, commitRoot), elem.Encode())
	})
}

// Close releases the underlying Badger database.
func (c *BadgerIndexCache) Close() error {
	return c.db.Close()
}
