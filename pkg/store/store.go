// Package store is the content-addressed commit store of §4.6: a
// filesystem-backed, Merkle-authenticated history of commits, persisted
// below a root directory in the layout spec'd verbatim in §6 —
//
//	main/bytecode/<hex>
//	main/bytecode/<hex>.o
//	main/bytecode/<hex>.meta
//	main/memory/<hex>/<commit-root-hex>/<page-index>
//	main/leaf/<hex>/<commit-root-hex>/element
//	main/<commit-root-hex>/base
//
// The layout is written with plain os.* file operations rather than an
// embedded key-value store, because the contract is the directory
// structure's semantics, not an opaque database format — grounded in the
// teacher's badger persistence package only for its locking/logging
// conventions, not its storage engine (see DESIGN.md).
package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/crumblevm/crumble/pkg/commit"
	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/merkle"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// Store persists commits below Root. Commit/delete serialize against each
// other via writeMu; reads take no lock beyond what the OS filesystem
// already guarantees (§5 "multi-reader / single-writer").
type Store struct {
	root string
	log  *zap.Logger

	writeMu sync.Mutex

	// indexCache, when set, memoizes Reconstruct's walk of
	// (contract id, commit root) -> ContractIndexElement so re-deriving a
	// deep commit's full index doesn't re-read every ancestor's element
	// file from disk each time (SPEC_FULL.md "index-acceleration cache").
	// Purely an accelerator: the on-disk leaf files remain authoritative.
	indexCache indexCache
}

// Open creates (if needed) the store's directory skeleton below root, with
// no index-acceleration cache.
func Open(root string, log *zap.Logger) (*Store, error) {
	return OpenWithCache(root, log, nil)
}

// OpenWithCache is Open plus an optional index-acceleration cache (see
// NewBadgerIndexCache).
func OpenWithCache(root string, log *zap.Logger, cache indexCache) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{root: root, log: log, indexCache: cache}
	for _, dir := range []string{s.bytecodeDir(), s.memoryDir(), s.leafDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) cachedElement(id vmtypes.ContractID, commitRoot vmtypes.Hash) (commit.ContractIndexElement, bool) {
	if s.indexCache == nil {
		return commit.ContractIndexElement{}, false
	}
	return s.indexCache.Get(id, commitRoot)
}

func (s *Store) cacheElement(id vmtypes.ContractID, commitRoot vmtypes.Hash, elem commit.ContractIndexElement) {
	if s.indexCache == nil {
		return
	}
	s.indexCache.Put(id, commitRoot, elem)
}

func (s *Store) mainDir() string     { return filepath.Join(s.root, "main") }
func (s *Store) bytecodeDir() string { return filepath.Join(s.mainDir(), "bytecode") }
func (s *Store) memoryDir() string   { return filepath.Join(s.mainDir(), "memory") }
func (s *Store) leafDir() string     { return filepath.Join(s.mainDir(), "leaf") }

func hexID(id vmtypes.ContractID) string { return hex.EncodeToString(id[:]) }
func hexHash(h vmtypes.Hash) string      { return hex.EncodeToString(h[:]) }

// --- bytecode / compiled module / metadata (§4.3, §4.6) ---

func (s *Store) bytecodePath(id vmtypes.ContractID) string {
	return filepath.Join(s.bytecodeDir(), hexID(id))
}

func (s *Store) modulePath(id vmtypes.ContractID) string {
	return s.bytecodePath(id) + ".o"
}

func (s *Store) metaPath(id vmtypes.ContractID) string {
	return s.bytecodePath(id) + ".meta"
}

// PutBytecode writes a contract's raw bytecode.
func (s *Store) PutBytecode(id vmtypes.ContractID, bytecode []byte) error {
	return writeFileAtomic(s.bytecodePath(id), bytecode)
}

// GetBytecode reads a contract's raw bytecode.
func (s *Store) GetBytecode(id vmtypes.ContractID) ([]byte, error) {
	data, err := os.ReadFile(s.bytecodePath(id))
	if err != nil {
		return nil, fmt.Errorf("store: reading bytecode of %s: %w", id, err)
	}
	return data, nil
}

// PutCompiledModule writes a contract's compiled-module blob. The format is
// opaque to the store (§4.3).
func (s *Store) PutCompiledModule(id vmtypes.ContractID, blob []byte) error {
	return writeFileAtomic(s.modulePath(id), blob)
}

// GetCompiledModule reads a contract's compiled-module blob, reporting
// found=false rather than an error if it is missing — a missing blob
// triggers recompilation, not a fatal error (§4.3).
func (s *Store) GetCompiledModule(id vmtypes.ContractID) (blob []byte, found bool, err error) {
	data, err := os.ReadFile(s.modulePath(id))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: reading compiled module of %s: %w", id, err)
	}
	return data, true, nil
}

// PutMetadata writes id's metadata record as a length-prefixed blob. The
// record is rewritable in place to support migration (§4.3: "needed by the
// migration operation, which rewrites the contract id in the new
// contract's metadata to the old one").
func (s *Store) PutMetadata(id vmtypes.ContractID, meta vmtypes.ContractMetadata) error {
	buf := make([]byte, 0, 4+len(meta.Owner)+vmtypes.ContractIDLen)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(meta.Owner)))
	buf = append(buf, meta.Owner...)
	buf = append(buf, meta.ContractID[:]...)
	return writeFileAtomic(s.metaPath(id), buf)
}

// GetMetadata reads id's metadata record.
func (s *Store) GetMetadata(id vmtypes.ContractID) (vmtypes.ContractMetadata, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return vmtypes.ContractMetadata{}, fmt.Errorf("store: reading metadata of %s: %w", id, err)
	}
	if len(data) < 4 {
		return vmtypes.ContractMetadata{}, fmt.Errorf("store: metadata of %s is truncated", id)
	}
	ownerLen := int(binary.BigEndian.Uint32(data))
	if 4+ownerLen+vmtypes.ContractIDLen != len(data) {
		return vmtypes.ContractMetadata{}, fmt.Errorf("store: metadata of %s has inconsistent length", id)
	}
	meta := vmtypes.ContractMetadata{Owner: append([]byte(nil), data[4:4+ownerLen]...)}
	copy(meta.ContractID[:], data[4+ownerLen:])
	return meta, nil
}

// --- per-commit pages and elements (§4.6) ---

func (s *Store) memoryCommitDir(id vmtypes.ContractID, commitRoot vmtypes.Hash) string {
	return filepath.Join(s.memoryDir(), hexID(id), hexHash(commitRoot))
}

func (s *Store) pagePath(id vmtypes.ContractID, commitRoot vmtypes.Hash, pageIndex uint64) string {
	return filepath.Join(s.memoryCommitDir(id, commitRoot), fmt.Sprintf("%d", pageIndex))
}

// PutPage writes one dirty page's contents for a contract at a commit.
func (s *Store) PutPage(id vmtypes.ContractID, commitRoot vmtypes.Hash, pageIndex uint64, contents []byte) error {
	return writeFileAtomic(s.pagePath(id, commitRoot, pageIndex), contents)
}

// GetPage reads a page's contents exactly at commitRoot, without following
// parent commits. found=false means this commit did not itself dirty the
// page.
func (s *Store) GetPage(id vmtypes.ContractID, commitRoot vmtypes.Hash, pageIndex uint64) (contents []byte, found bool, err error) {
	data, err := os.ReadFile(s.pagePath(id, commitRoot, pageIndex))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: reading page %d of %s at %s: %w", pageIndex, id, commitRoot, err)
	}
	return data, true, nil
}

// ResolvePage finds page pageIndex of contract id visible at commitRoot,
// walking parent commits until found, per §4.6: "search c's memory
// directory; if absent, follow base to the parent and repeat; if never
// found, page is zero."
func (s *Store) ResolvePage(id vmtypes.ContractID, commitRoot vmtypes.Hash, pageIndex uint64, pageSize int) ([]byte, error) {
	cur := commitRoot
	for {
		data, found, err := s.GetPage(id, cur, pageIndex)
		if err != nil {
			return nil, err
		}
		if found {
			return data, nil
		}
		base, _, err := s.GetBase(cur)
		if err != nil {
			return nil, err
		}
		if base == nil {
			return make([]byte, pageSize), nil
		}
		cur = *base
	}
}

func (s *Store) leafCommitDir(id vmtypes.ContractID, commitRoot vmtypes.Hash) string {
	return filepath.Join(s.leafDir(), hexID(id), hexHash(commitRoot))
}

func (s *Store) elementPath(id vmtypes.ContractID, commitRoot vmtypes.Hash) string {
	return filepath.Join(s.leafCommitDir(id, commitRoot), "element")
}

// PutElement writes a contract's ContractIndexElement at a commit.
func (s *Store) PutElement(id vmtypes.ContractID, commitRoot vmtypes.Hash, elem commit.ContractIndexElement) error {
	return writeFileAtomic(s.elementPath(id, commitRoot), elem.Encode())
}

// GetElement reads a contract's ContractIndexElement at a commit.
func (s *Store) GetElement(id vmtypes.ContractID, commitRoot vmtypes.Hash) (commit.ContractIndexElement, error) {
	data, err := os.ReadFile(s.elementPath(id, commitRoot))
	if err != nil {
		return commit.ContractIndexElement{}, fmt.Errorf("store: reading element of %s at %s: %w", id, commitRoot, err)
	}
	return commit.DecodeElement(data)
}

// --- per-commit base record (§4.6) ---

func (s *Store) commitDir(commitRoot vmtypes.Hash) string {
	return filepath.Join(s.mainDir(), hexHash(commitRoot))
}

func (s *Store) basePath(commitRoot vmtypes.Hash) string {
	return filepath.Join(s.commitDir(commitRoot), "base")
}

// PutBase records commitRoot's parent (nil for genesis) and the contracts
// it touched.
func (s *Store) PutBase(commitRoot vmtypes.Hash, base *vmtypes.Hash, touched []vmtypes.ContractID) error {
	buf := make([]byte, 0, 1+vmtypes.HashLen+4+len(touched)*vmtypes.ContractIDLen)
	if base != nil {
		buf = append(buf, 1)
		buf = append(buf, base[:]...)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(touched)))
	for _, id := range touched {
		buf = append(buf, id[:]...)
	}
	if err := os.MkdirAll(s.commitDir(commitRoot), 0o755); err != nil {
		return fmt.Errorf("store: creating commit dir for %s: %w", commitRoot, err)
	}
	return writeFileAtomic(s.basePath(commitRoot), buf)
}

// GetBase reads commitRoot's parent (nil if genesis) and touched contracts.
func (s *Store) GetBase(commitRoot vmtypes.Hash) (*vmtypes.Hash, []vmtypes.ContractID, error) {
	data, err := os.ReadFile(s.basePath(commitRoot))
	if err != nil {
		return nil, nil, fmt.Errorf("store: reading base of %s: %w", commitRoot, err)
	}
	if len(data) < 1 {
		return nil, nil, fmt.Errorf("store: base record of %s is empty", commitRoot)
	}
	var base *vmtypes.Hash
	off := 1
	if data[0] == 1 {
		if len(data) < 1+vmtypes.HashLen {
			return nil, nil, fmt.Errorf("store: base record of %s is truncated", commitRoot)
		}
		var h vmtypes.Hash
		copy(h[:], data[1:1+vmtypes.HashLen])
		base = &h
		off = 1 + vmtypes.HashLen
	}
	if off+4 > len(data) {
		return nil, nil, fmt.Errorf("store: base record of %s missing touched-contract count", commitRoot)
	}
	count := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	touched := make([]vmtypes.ContractID, count)
	for i := 0; i < count; i++ {
		if off+vmtypes.ContractIDLen > len(data) {
			return nil, nil, fmt.Errorf("store: base record of %s truncated in touched-contract list", commitRoot)
		}
		copy(touched[i][:], data[off:off+vmtypes.ContractIDLen])
		off += vmtypes.ContractIDLen
	}
	return base, touched, nil
}

// HasCommit reports whether commitRoot's base record exists.
func (s *Store) HasCommit(commitRoot vmtypes.Hash) bool {
	_, err := os.Stat(s.basePath(commitRoot))
	return err == nil
}

// Reconstruct rebuilds a *commit.Commit from disk, per §4.6: "read the
// per-commit base, walk the touched contracts, read each contract's
// element file at its root, rebuild the contracts-merkle from the
// elements'... pairs." A commit only stores the contracts its own delta
// touched, so the full per-contract index is recovered by recursing into
// the parent commit first and overlaying this commit's own elements on
// top; indexCache (when set) memoizes that recursive walk so deep commit
// chains don't re-read every ancestor on every call.
func (s *Store) Reconstruct(commitRoot vmtypes.Hash) (*commit.Commit, error) {
	base, touched, err := s.GetBase(commitRoot)
	if err != nil {
		return nil, err
	}

	var c *commit.Commit
	if base != nil {
		parent, err := s.Reconstruct(*base)
		if err != nil {
			return nil, err
		}
		c, err = commit.WithParent(*base)
		if err != nil {
			return nil, err
		}
		for id, elem := range parent.Index {
			if err := c.Seed(id, elem); err != nil {
				return nil, err
			}
		}
	} else {
		c, err = commit.New()
		if err != nil {
			return nil, err
		}
	}

	for _, id := range touched {
		elem, ok := s.cachedElement(id, commitRoot)
		if !ok {
			elem, err = s.GetElement(id, commitRoot)
			if err != nil {
				return nil, err
			}
			s.cacheElement(id, commitRoot, elem)
		}
		if err := c.SeedTouched(id, elem); err != nil {
			return nil, err
		}
	}
	sealed := c.Seal()
	if sealed != commitRoot {
		return nil, fmt.Errorf("store: reconstructed root %s does not match requested %s", sealed, commitRoot)
	}
	return c, nil
}

// PageOpening builds the two-level opening of §4.4 for a single page,
// rebuilding the contract's page tree from its full set of known pages at
// commitRoot (the page tree itself is not persisted node-by-node; it is
// cheap to recompute from the stored dirty pages walked back to genesis).
func (s *Store) PageOpening(id vmtypes.ContractID, commitRoot vmtypes.Hash, pageIndex uint64, contractsTree *merkle.ContractsTree, flavor config.MemoryFlavor, knownPages map[uint64][]byte) (commit.PageOpening, error) {
	pageTree, err := merkle.NewPageTree(flavor)
	if err != nil {
		return commit.PageOpening{}, err
	}
	for idx, contents := range knownPages {
		if err := merkle.UpdatePage(pageTree, idx, contents); err != nil {
			return commit.PageOpening{}, err
		}
	}

	pageOpening, err := merkle.PageOpening(pageTree, pageIndex)
	if err != nil {
		return commit.PageOpening{}, err
	}
	contractOpening, slot, err := contractsTree.Opening(id)
	if err != nil {
		return commit.PageOpening{}, err
	}
	return commit.PageOpening{
		ContractOpening: contractOpening,
		ContractSlot:    slot,
		PageOpening:     pageOpening,
		PageIndex:       pageIndex,
	}, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: creating dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}
