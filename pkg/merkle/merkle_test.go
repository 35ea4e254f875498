package merkle

import (
	"testing"

	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/vmtypes"
	"github.com/stretchr/testify/require"
)

func TestEmptyTreeRootIsZeroHash(t *testing.T) {
	tree, err := New(4, 8)
	require.NoError(t, err)
	require.Equal(t, tree.zero[tree.height], tree.Root())
}

func TestUpdateChangesRootAndOpeningVerifies(t *testing.T) {
	tree, err := New(4, 8)
	require.NoError(t, err)

	before := tree.Root()
	leaf := HashLeaf([]byte("page contents"))
	require.NoError(t, tree.Update(42, leaf))
	after := tree.Root()
	require.NotEqual(t, before, after)

	opening, err := tree.Opening(42)
	require.NoError(t, err)
	require.True(t, Verify(after, 4, 42, leaf, opening))
	require.False(t, Verify(before, 4, 42, leaf, opening))
}

func TestPageTreeHeightMatchesFlavor(t *testing.T) {
	t32, err := NewPageTree(config.FlavorWasm32)
	require.NoError(t, err)
	require.Equal(t, 8, t32.Height())

	t64, err := NewPageTree(config.FlavorWasm64)
	require.NoError(t, err)
	require.Equal(t, 13, t64.Height())
}

func TestPageOpeningRoundTrips(t *testing.T) {
	tree, err := NewPageTree(config.FlavorWasm32)
	require.NoError(t, err)

	contents := []byte("hello page")
	require.NoError(t, UpdatePage(tree, 7, contents))

	opening, err := PageOpening(tree, 7)
	require.NoError(t, err)
	require.True(t, VerifyPage(tree.Root(), 7, contents, opening))
	require.False(t, VerifyPage(tree.Root(), 7, []byte("tampered"), opening))
}

func TestContractsTreeRejectsSlotCollisionAtDeployTime(t *testing.T) {
	ct, err := NewContractsTree()
	require.NoError(t, err)

	var a, b vmtypes.ContractID
	a[0] = 1 // contributes 0x01000000 to chunk 0
	b[4] = 1 // contributes 0x01000000 to chunk 1 instead: same sum, different id

	slotA, err := ct.Position(a)
	require.NoError(t, err)

	_, err = ct.Position(b)
	require.Error(t, err)

	// Re-querying a is stable and unaffected by b's rejected attempt.
	again, err := ct.Position(a)
	require.NoError(t, err)
	require.Equal(t, slotA, again)
}

func TestContractsTreeOpeningVerifies(t *testing.T) {
	ct, err := NewContractsTree()
	require.NoError(t, err)

	var id vmtypes.ContractID
	id[0] = 9
	root := HashLeaf([]byte("contract memory root"))
	require.NoError(t, ct.Update(id, root))

	opening, slot, err := ct.Opening(id)
	require.NoError(t, err)
	require.True(t, VerifyContract(ct.Root(), slot, root, opening))
}
