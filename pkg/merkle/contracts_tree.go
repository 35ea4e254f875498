package merkle

import (
	"fmt"

	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// ContractsTree is the global tree of §4.4: height 32, arity 2, one leaf per
// deployed contract holding that contract's current memory-tree root. A
// contract's leaf slot is a deterministic function of its id (§3.2: the sum
// of the id's eight 4-byte chunks, mod 2^32). Because distinct ids can sum
// to the same slot, the tree keeps a slot→id indirection recorded on first
// insertion; a later, different id landing on an already-claimed slot is a
// deploy-time collision, rejected rather than silently relocated.
type ContractsTree struct {
	tree *Tree

	claimedBy map[uint64]vmtypes.ContractID
}

// NewContractsTree builds an empty global contracts tree.
func NewContractsTree() (*ContractsTree, error) {
	tree, err := New(config.ContractsTreeArity, config.ContractsTreeHeight)
	if err != nil {
		return nil, err
	}
	return &ContractsTree{
		tree:      tree,
		claimedBy: make(map[uint64]vmtypes.ContractID),
	}, nil
}

// Slot computes id's deterministic leaf position: the sum of its eight
// 4-byte big-endian chunks, mod 2^32 (§3.2).
func Slot(id vmtypes.ContractID) uint64 {
	var sum uint32
	for i := 0; i < len(id); i += 4 {
		var chunk uint32
		for j := 0; j < 4; j++ {
			chunk = chunk<<8 | uint32(id[i+j])
		}
		sum += chunk
	}
	return uint64(sum)
}

// Position returns id's leaf slot, claiming it on first insertion. It
// returns an error if the slot is already claimed by a different id — the
// deploy-time collision of §4.4.
func (ct *ContractsTree) Position(id vmtypes.ContractID) (uint64, error) {
	slot := Slot(id)
	if owner, claimed := ct.claimedBy[slot]; claimed {
		if owner != id {
			return 0, fmt.Errorf("merkle: contract %s collides with %s at slot %d", id, owner, slot)
		}
		return slot, nil
	}
	ct.claimedBy[slot] = id
	return slot, nil
}

// Update records contractRoot as the current memory-tree root for id,
// claiming its slot first if this is a new contract.
func (ct *ContractsTree) Update(id vmtypes.ContractID, contractRoot vmtypes.Hash) error {
	slot, err := ct.Position(id)
	if err != nil {
		return err
	}
	return ct.tree.Update(slot, contractRoot)
}

// Remove clears id's leaf and releases its slot claim. Used by contract
// migration once a temporary deploy id's state has been retargeted onto
// another id: the temporary id's slot must not keep showing a stale root.
func (ct *ContractsTree) Remove(id vmtypes.ContractID) error {
	slot, err := ct.Position(id)
	if err != nil {
		return err
	}
	delete(ct.claimedBy, slot)
	return ct.tree.Update(slot, vmtypes.Hash{})
}

// Root returns the global tree's current root.
func (ct *ContractsTree) Root() vmtypes.Hash { return ct.tree.Root() }

// Opening returns the inclusion proof for id's current slot.
func (ct *ContractsTree) Opening(id vmtypes.ContractID) (Opening, uint64, error) {
	slot, err := ct.Position(id)
	if err != nil {
		return Opening{}, 0, err
	}
	opening, err := ct.tree.Opening(slot)
	return opening, slot, err
}

// VerifyContract reports whether contractRoot is id's current entry under
// root, given the slot and opening produced by Opening.
func VerifyContract(root vmtypes.Hash, slot uint64, contractRoot vmtypes.Hash, opening Opening) bool {
	return Verify(root, config.ContractsTreeArity, slot, contractRoot, opening)
}
