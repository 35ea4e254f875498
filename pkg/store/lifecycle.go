package store

import (
	"fmt"
	"os"

	"github.com/crumblevm/crumble/pkg/commit"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// ContractPages is the set of dirty pages a contract contributed to one
// commit, keyed by page index.
type ContractPages map[uint64][]byte

// Persist writes a freshly-sealed commit's elements, dirty pages, and base
// record to disk. Commit serializes against Delete and other Persist calls
// (§5: "commit and delete_commit serialize against each other").
func (s *Store) Persist(c *commit.Commit, pages map[vmtypes.ContractID]ContractPages) (vmtypes.Hash, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	root := c.Root()
	touched := c.TouchedContracts()

	for _, id := range touched {
		if err := s.PutElement(id, root, c.Index[id]); err != nil {
			return vmtypes.Hash{}, err
		}
		for idx, contents := range pages[id] {
			if err := s.PutPage(id, root, idx, contents); err != nil {
				return vmtypes.Hash{}, err
			}
		}
	}

	if err := s.PutBase(root, c.Base, touched); err != nil {
		return vmtypes.Hash{}, err
	}
	return root, nil
}

// Delete removes a commit's own files and runs mark-and-sweep over
// contracts and pages no longer referenced by any remaining commit (§4.6,
// §3.2: "deleting a commit is allowed only if no session holds it and it is
// not the genesis").
func (s *Store) Delete(target vmtypes.Hash, liveRoots []vmtypes.Hash) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	base, touched, err := s.GetBase(target)
	if err != nil {
		return err
	}
	if base == nil {
		return fmt.Errorf("store: cannot delete genesis commit %s", target)
	}
	for _, live := range liveRoots {
		if live == target {
			return fmt.Errorf("store: commit %s is still referenced by a live session", target)
		}
	}

	for _, id := range touched {
		if err := os.RemoveAll(s.leafCommitDir(id, target)); err != nil {
			return fmt.Errorf("store: removing leaf dir for %s at %s: %w", id, target, err)
		}
		if err := os.RemoveAll(s.memoryCommitDir(id, target)); err != nil {
			return fmt.Errorf("store: removing memory dir for %s at %s: %w", id, target, err)
		}
	}
	if err := os.RemoveAll(s.commitDir(target)); err != nil {
		return fmt.Errorf("store: removing commit dir for %s: %w", target, err)
	}
	return s.sweep(liveRoots)
}

// sweep removes any contract bytecode/module/metadata for contracts that no
// longer appear in the leaf directory of any live commit root. It is a
// best-effort pass: entries still reachable through a commit chain rooted
// at a live root are never considered, so it only ever reclaims storage a
// delete has already made unreachable.
func (s *Store) sweep(liveRoots []vmtypes.Hash) error {
	referenced := make(map[vmtypes.ContractID]bool)
	for _, root := range liveRoots {
		c, err := s.Reconstruct(root)
		if err != nil {
			continue // a root that fails to reconstruct is not this sweep's concern
		}
		for id := range c.Index {
			referenced[id] = true
		}
	}

	entries, err := os.ReadDir(s.bytecodeDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: listing bytecode dir: %w", err)
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		idHex := name
		for _, suf := range []string{".o", ".meta"} {
			if len(name) > len(suf) && name[len(name)-len(suf):] == suf {
				idHex = name[:len(name)-len(suf)]
			}
		}
		seen[idHex] = true
	}

	for idHex := range seen {
		id, err := vmtypes.ContractIDFromHex(idHex)
		if err != nil {
			continue
		}
		if referenced[id] {
			continue
		}
		_ = os.Remove(s.bytecodePath(id))
		_ = os.Remove(s.modulePath(id))
		_ = os.Remove(s.metaPath(id))
		_ = os.RemoveAll(jointIgnoreErr(s.memoryDir(), idHex))
		_ = os.RemoveAll(jointIgnoreErr(s.leafDir(), idHex))
	}
	return nil
}

func jointIgnoreErr(dir, name string) string {
	return dir + string(os.PathSeparator) + name
}

// Squash merges a commit into its parent, unioning their touched-page sets
// while retaining the commit's own page versions, then deletes the parent
// (§4.6, §3.2). The commit's root is unchanged by a squash.
func (s *Store) Squash(target vmtypes.Hash) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	base, touched, err := s.GetBase(target)
	if err != nil {
		return err
	}
	if base == nil {
		return fmt.Errorf("store: cannot squash genesis commit %s", target)
	}
	parentBase, parentTouched, err := s.GetBase(*base)
	if err != nil {
		return err
	}

	// Carry forward any page file and any index element that only the
	// parent's commit holds, so that resolving a page at target by walking
	// its base chain, or reconstructing target, still finds it once the
	// parent is gone.
	for _, id := range parentTouched {
		if err := s.copyUniqueParentPages(id, target, *base); err != nil {
			return err
		}
		if _, err := os.Stat(s.elementPath(id, target)); os.IsNotExist(err) {
			elem, err := s.GetElement(id, *base)
			if err != nil {
				return err
			}
			if err := s.PutElement(id, target, elem); err != nil {
				return err
			}
		}
	}

	merged := unionIDs(touched, parentTouched)
	if err := s.PutBase(target, parentBase, merged); err != nil {
		return err
	}

	for _, id := range parentTouched {
		if err := os.RemoveAll(s.leafCommitDir(id, *base)); err != nil {
			return fmt.Errorf("store: removing parent leaf dir for %s: %w", id, err)
		}
		if err := os.RemoveAll(s.memoryCommitDir(id, *base)); err != nil {
			return fmt.Errorf("store: removing parent memory dir for %s: %w", id, err)
		}
	}
	return os.RemoveAll(s.commitDir(*base))
}

// copyUniqueParentPages copies every page file present under id's parent
// commit directory but absent under its target commit directory, so target
// keeps resolving them after parent is removed.
func (s *Store) copyUniqueParentPages(id vmtypes.ContractID, target, parent vmtypes.Hash) error {
	parentDir := s.memoryCommitDir(id, parent)
	entries, err := os.ReadDir(parentDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: listing parent memory dir for %s: %w", id, err)
	}

	targetDir := s.memoryCommitDir(id, target)
	for _, e := range entries {
		targetPath := targetDir + string(os.PathSeparator) + e.Name()
		if _, err := os.Stat(targetPath); err == nil {
			continue // target already has its own version of this page
		}
		data, err := os.ReadFile(parentDir + string(os.PathSeparator) + e.Name())
		if err != nil {
			return fmt.Errorf("store: reading parent page %s/%s: %w", id, e.Name(), err)
		}
		if err := writeFileAtomic(targetPath, data); err != nil {
			return err
		}
	}
	return nil
}

func unionIDs(a, b []vmtypes.ContractID) []vmtypes.ContractID {
	seen := make(map[vmtypes.ContractID]bool, len(a)+len(b))
	out := make([]vmtypes.ContractID, 0, len(a)+len(b))
	for _, id := range append(append([]vmtypes.ContractID{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
