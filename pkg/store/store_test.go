package store

import (
	"testing"

	"github.com/crumblevm/crumble/pkg/commit"
	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/merkle"
	"github.com/crumblevm/crumble/pkg/vmtypes"
	"github.com/stretchr/testify/require"
)

func mkStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestPersistAndReconstructRoundTrips(t *testing.T) {
	s := mkStore(t)

	c, err := commit.New()
	require.NoError(t, err)

	var id vmtypes.ContractID
	id[0] = 1
	pageTree, err := merkle.NewPageTree(config.FlavorWasm32)
	require.NoError(t, err)

	contents := []byte("page zero contents")
	_, err = c.UpdateContract(id, config.FlavorWasm32, pageTree, map[uint64][]byte{0: contents}, config.DefaultPageSize)
	require.NoError(t, err)
	root := c.Seal()

	_, err = s.Persist(c, map[vmtypes.ContractID]ContractPages{id: {0: contents}})
	require.NoError(t, err)

	got, err := s.Reconstruct(root)
	require.NoError(t, err)
	require.Equal(t, root, got.Root())

	page, found, err := s.GetPage(id, root, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, contents, page)
}

func TestResolvePageWalksParentChain(t *testing.T) {
	s := mkStore(t)

	var id vmtypes.ContractID
	id[0] = 2
	pageTree, err := merkle.NewPageTree(config.FlavorWasm32)
	require.NoError(t, err)

	genesis, err := commit.New()
	require.NoError(t, err)
	contentsA := []byte("from genesis")
	_, err = genesis.UpdateContract(id, config.FlavorWasm32, pageTree, map[uint64][]byte{0: contentsA}, config.DefaultPageSize)
	require.NoError(t, err)
	rootA := genesis.Seal()
	_, err = s.Persist(genesis, map[vmtypes.ContractID]ContractPages{id: {0: contentsA}})
	require.NoError(t, err)

	child, err := commit.WithParent(rootA)
	require.NoError(t, err)
	require.NoError(t, child.Seed(id, genesis.Index[id]))
	contentsB := []byte("from child, page 1")
	_, err = child.UpdateContract(id, config.FlavorWasm32, pageTree, map[uint64][]byte{1: contentsB}, 2*config.DefaultPageSize)
	require.NoError(t, err)
	rootB := child.Seal()
	_, err = s.Persist(child, map[vmtypes.ContractID]ContractPages{id: {1: contentsB}})
	require.NoError(t, err)

	// Page 0 was only ever dirtied at genesis; resolving it at the child
	// commit must walk the base chain back to find it.
	resolved, err := s.ResolvePage(id, rootB, 0, config.DefaultPageSize)
	require.NoError(t, err)
	require.Equal(t, contentsA, resolved)

	resolved, err = s.ResolvePage(id, rootB, 1, config.DefaultPageSize)
	require.NoError(t, err)
	require.Equal(t, contentsB, resolved)
}

func TestDeleteRejectsGenesisAndLiveCommits(t *testing.T) {
	s := mkStore(t)

	c, err := commit.New()
	require.NoError(t, err)
	root := c.Seal()
	require.NoError(t, s.PutBase(root, nil, nil))

	err = s.Delete(root, nil)
	require.Error(t, err) // genesis

	child, err := commit.WithParent(root)
	require.NoError(t, err)
	childRoot := child.Seal()
	require.NoError(t, s.PutBase(childRoot, &root, nil))

	err = s.Delete(childRoot, []vmtypes.Hash{childRoot})
	require.Error(t, err) // still live
}

func TestSquashPreservesRootAndInvalidatesParent(t *testing.T) {
	s := mkStore(t)

	var id vmtypes.ContractID
	id[0] = 3
	pageTree, err := merkle.NewPageTree(config.FlavorWasm32)
	require.NoError(t, err)

	genesis, err := commit.New()
	require.NoError(t, err)
	contentsA := []byte("genesis page 0")
	_, err = genesis.UpdateContract(id, config.FlavorWasm32, pageTree, map[uint64][]byte{0: contentsA}, config.DefaultPageSize)
	require.NoError(t, err)
	rootA := genesis.Seal()
	_, err = s.Persist(genesis, map[vmtypes.ContractID]ContractPages{id: {0: contentsA}})
	require.NoError(t, err)

	child, err := commit.WithParent(rootA)
	require.NoError(t, err)
	require.NoError(t, child.Seed(id, genesis.Index[id]))
	contentsB := []byte("child page 1")
	_, err = child.UpdateContract(id, config.FlavorWasm32, pageTree, map[uint64][]byte{1: contentsB}, 2*config.DefaultPageSize)
	require.NoError(t, err)
	rootB := child.Seal()
	_, err = s.Persist(child, map[vmtypes.ContractID]ContractPages{id: {1: contentsB}})
	require.NoError(t, err)

	require.NoError(t, s.Squash(rootB))

	require.True(t, s.HasCommit(rootB))
	require.False(t, s.HasCommit(rootA))

	// rootB's root hash itself is unaffected by squashing.
	reconstructed, err := s.Reconstruct(rootB)
	require.NoError(t, err)
	require.Equal(t, rootB, reconstructed.Root())

	// page 0, previously only reachable via the now-deleted parent, was
	// carried forward.
	resolved, err := s.ResolvePage(id, rootB, 0, config.DefaultPageSize)
	require.NoError(t, err)
	require.Equal(t, contentsA, resolved)
}
