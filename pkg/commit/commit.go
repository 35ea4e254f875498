// Package commit models a Session's committed state: the per-contract index
// and the global contracts Merkle tree that together define a commit root
// (§3.1, §4.5). It is pure in-memory bookkeeping; pkg/store is responsible
// for persisting and reconstructing it.
package commit

import (
	"fmt"

	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/merkle"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// ContractIndexElement is a contract's per-commit record (§3.1): its page
// tree's root, the set of page indices touched in this commit, its current
// linear-memory length, and its slot in the global contracts tree.
type ContractIndexElement struct {
	Root         vmtypes.Hash
	TouchedPages []uint64
	CurrentLen   uint64
	Position     uint64
	Flavor       config.MemoryFlavor
}

// Commit is a content-addressed snapshot of all contract state: the index
// of every contract touched (directly or inherited from its parent) plus
// the global contracts tree summarizing them (§3.1, §4.5).
type Commit struct {
	Index map[vmtypes.ContractID]ContractIndexElement
	tree  *merkle.ContractsTree
	Hash  *vmtypes.Hash
	Base  *vmtypes.Hash

	// touched holds exactly the ids this Commit's own delta rewrote —
	// distinct from Index, which also carries entries inherited unchanged
	// from the parent. pkg/store's per-commit base record stores only
	// touched, so ResolvePage has a minimal walk and
	// Reconstruct can tell an inherited entry from a rewritten one (§4.6).
	touched map[vmtypes.ContractID]struct{}
}

// New creates an empty commit with no parent (a genesis commit).
func New() (*Commit, error) {
	tree, err := merkle.NewContractsTree()
	if err != nil {
		return nil, err
	}
	return &Commit{
		Index:   make(map[vmtypes.ContractID]ContractIndexElement),
		tree:    tree,
		touched: make(map[vmtypes.ContractID]struct{}),
	}, nil
}

// WithParent creates an empty commit rooted at base, to be filled in by
// replaying base's index (pkg/store does the replay from disk).
func WithParent(base vmtypes.Hash) (*Commit, error) {
	c, err := New()
	if err != nil {
		return nil, err
	}
	c.Base = &base
	return c, nil
}

// Seed installs elem as id's index entry and its tree leaf without marking
// id touched — used to replay an ancestor commit's state that this commit
// inherits unchanged.
func (c *Commit) Seed(id vmtypes.ContractID, elem ContractIndexElement) error {
	c.Index[id] = elem
	return c.tree.Update(id, elem.Root)
}

// SeedTouched is Seed plus marking id touched — used when replaying the
// element this exact commit rewrote (as opposed to one inherited from a
// parent), so TouchedContracts reports it.
func (c *Commit) SeedTouched(id vmtypes.ContractID, elem ContractIndexElement) error {
	c.touched[id] = struct{}{}
	return c.Seed(id, elem)
}

// UpdateContract recomputes a contract's page-tree root from dirtiedPages
// (page index → new page contents), merges the touched-page set into the
// element's existing one, and updates the contract's leaf in the global
// tree (§4.5: "for each dirty page, recompute its hash and insert it into
// the per-contract page tree at the page index... the new root... becomes
// the element hash").
func (c *Commit) UpdateContract(id vmtypes.ContractID, flavor config.MemoryFlavor, pageTree *merkle.Tree, dirtiedPages map[uint64][]byte, currentLen uint64) (ContractIndexElement, error) {
	for idx, contents := range dirtiedPages {
		if err := merkle.UpdatePage(pageTree, idx, contents); err != nil {
			return ContractIndexElement{}, fmt.Errorf("commit: updating page %d of %s: %w", idx, id, err)
		}
	}

	existing := c.Index[id]
	touched := mergeTouched(existing.TouchedPages, dirtiedPages)

	slot, err := c.tree.Position(id)
	if err != nil {
		return ContractIndexElement{}, fmt.Errorf("commit: %w", err)
	}

	elem := ContractIndexElement{
		Root:         pageTree.Root(),
		TouchedPages: touched,
		CurrentLen:   currentLen,
		Position:     slot,
		Flavor:       flavor,
	}

	c.Index[id] = elem
	c.touched[id] = struct{}{}
	if err := c.tree.Update(id, elem.Root); err != nil {
		return ContractIndexElement{}, err
	}
	return elem, nil
}

func mergeTouched(existing []uint64, fresh map[uint64][]byte) []uint64 {
	seen := make(map[uint64]struct{}, len(existing)+len(fresh))
	out := make([]uint64, 0, len(existing)+len(fresh))
	for _, idx := range existing {
		if _, ok := seen[idx]; !ok {
			seen[idx] = struct{}{}
			out = append(out, idx)
		}
	}
	for idx := range fresh {
		if _, ok := seen[idx]; !ok {
			seen[idx] = struct{}{}
			out = append(out, idx)
		}
	}
	return out
}

// ContractsTree exposes the commit's global contracts tree for callers that
// need to build page-inclusion proofs against it (pkg/store.PageOpening).
func (c *Commit) ContractsTree() *merkle.ContractsTree { return c.tree }

// Retarget moves toID's index entry onto fromID's slot claim and clears
// toID's own leaf, for a migration's atomic identity swap: a freshly
// deployed contract's state replaces an existing id's without moving the id
// itself (§4.8 "migrate... atomically replaces old_id — same id, new
// bytecode/state").
func (c *Commit) Retarget(fromID, toID vmtypes.ContractID) (ContractIndexElement, error) {
	elem, ok := c.Index[toID]
	if !ok {
		return ContractIndexElement{}, fmt.Errorf("commit: %s has no index entry to retarget", toID)
	}

	slot, err := c.tree.Position(fromID)
	if err != nil {
		return ContractIndexElement{}, err
	}
	elem.Position = slot

	delete(c.Index, toID)
	delete(c.touched, toID)
	c.Index[fromID] = elem
	c.touched[fromID] = struct{}{}

	if err := c.tree.Update(fromID, elem.Root); err != nil {
		return ContractIndexElement{}, err
	}
	if err := c.tree.Remove(toID); err != nil {
		return ContractIndexElement{}, err
	}
	return elem, nil
}

// Root returns the commit's root hash: the global contracts tree's root
// over every element in Index (§4.5 "the contracts-merkle root is the
// commit's root").
func (c *Commit) Root() vmtypes.Hash { return c.tree.Root() }

// Seal fixes the commit's hash to its current root, making it immutable
// (§3.2 "Commits are immutable").
func (c *Commit) Seal() vmtypes.Hash {
	root := c.Root()
	c.Hash = &root
	return root
}

// TouchedContracts returns the ids this commit's own delta rewrote (not
// ids merely inherited from its parent), for pkg/store's per-commit "base"
// record (§4.6).
func (c *Commit) TouchedContracts() []vmtypes.ContractID {
	ids := make([]vmtypes.ContractID, 0, len(c.touched))
	for id := range c.touched {
		ids = append(ids, id)
	}
	return ids
}

// PageOpening is the two-level page opening of §4.4 for a single page of a
// contract: the global tree's opening for the contract's slot, and the
// contract's own page-tree opening for the page index.
type PageOpening struct {
	ContractOpening merkle.Opening
	ContractSlot    uint64
	PageOpening     merkle.Opening
	PageIndex       uint64
}

// Verify checks a PageOpening against contractRoot (the contract's current
// page-tree root) and commitRoot (the commit's root), per §4.4: "It verifies
// a single page against a commit root by checking both openings."
func (o PageOpening) Verify(commitRoot, contractRoot vmtypes.Hash, pageContents []byte) bool {
	if !merkle.VerifyContract(commitRoot, o.ContractSlot, contractRoot, o.ContractOpening) {
		return false
	}
	return merkle.VerifyPage(contractRoot, o.PageIndex, pageContents, o.PageOpening)
}
