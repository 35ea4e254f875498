package commit

import (
	"testing"

	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/merkle"
	"github.com/crumblevm/crumble/pkg/vmtypes"
	"github.com/stretchr/testify/require"
)

func TestIdenticalDirtyPageSetsOverSameParentYieldSameRoot(t *testing.T) {
	mkCommit := func() vmtypes.Hash {
		c, err := New()
		require.NoError(t, err)

		var id vmtypes.ContractID
		id[0] = 1
		pageTree, err := merkle.NewPageTree(config.FlavorWasm32)
		require.NoError(t, err)

		_, err = c.UpdateContract(id, config.FlavorWasm32, pageTree, map[uint64][]byte{
			0: []byte("page zero contents"),
			3: []byte("page three contents"),
		}, 4*config.DefaultPageSize)
		require.NoError(t, err)
		return c.Seal()
	}

	require.Equal(t, mkCommit(), mkCommit())
}

func TestUpdateContractChangesRoot(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	var id vmtypes.ContractID
	id[0] = 7
	pageTree, err := merkle.NewPageTree(config.FlavorWasm32)
	require.NoError(t, err)

	before := c.Root()
	elem, err := c.UpdateContract(id, config.FlavorWasm32, pageTree, map[uint64][]byte{0: []byte("v1")}, config.DefaultPageSize)
	require.NoError(t, err)
	require.NotEqual(t, before, c.Root())
	require.Equal(t, []uint64{0}, elem.TouchedPages)
}

func TestPageOpeningVerifiesAgainstCommitRoot(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	var id vmtypes.ContractID
	id[0] = 3
	pageTree, err := merkle.NewPageTree(config.FlavorWasm32)
	require.NoError(t, err)

	contents := []byte("page contents")
	elem, err := c.UpdateContract(id, config.FlavorWasm32, pageTree, map[uint64][]byte{5: contents}, 6*config.DefaultPageSize)
	require.NoError(t, err)

	contractOpening, slot, err := c.tree.Opening(id)
	require.NoError(t, err)
	pageOpening, err := merkle.PageOpening(pageTree, 5)
	require.NoError(t, err)

	opening := PageOpening{
		ContractOpening: contractOpening,
		ContractSlot:    slot,
		PageOpening:     pageOpening,
		PageIndex:       5,
	}
	require.True(t, opening.Verify(c.Root(), elem.Root, contents))
	require.False(t, opening.Verify(c.Root(), elem.Root, []byte("tampered")))
}
