package calltree

import (
	"testing"

	"github.com/crumblevm/crumble/pkg/vmtypes"
	"github.com/stretchr/testify/require"
)

func idOf(b byte) vmtypes.ContractID {
	var id vmtypes.ContractID
	id[0] = b
	return id
}

func TestPushAndMoveUpTraversesBackToRoot(t *testing.T) {
	ct := New()
	require.True(t, ct.Empty())

	ct.Push(idOf(1), 1000, 0)
	ct.Push(idOf(2), 900, 0)
	require.Equal(t, []vmtypes.ContractID{idOf(2), idOf(1)}, ct.CallIDs())

	frame, err := ct.MoveUp(100)
	require.NoError(t, err)
	require.Equal(t, idOf(2), frame.ContractID)
	require.Equal(t, uint64(100), frame.Spent)

	frame, err = ct.MoveUp(200)
	require.NoError(t, err)
	require.Equal(t, idOf(1), frame.ContractID)
	require.True(t, ct.Empty())
}

func TestMoveUpPruneRemovesSubtreeFromParent(t *testing.T) {
	ct := New()
	ct.Push(idOf(1), 1000, 0)
	child := ct.Push(idOf(2), 900, 0)
	ct.Push(idOf(3), 800, 0) // grandchild under the failing frame

	_, err := ct.MoveUpPrune() // prune the grandchild's frame (cursor is at id 3)
	require.NoError(t, err)

	frame, err := ct.Frame(child)
	require.NoError(t, err)
	require.Empty(t, frame.children)

	// cursor is back at child (id 2); its own iter shouldn't see the pruned
	// grandchild.
	require.Equal(t, idOf(2), ct.CallIDs()[0])
	for _, f := range ct.Iter() {
		require.NotEqual(t, idOf(3), f.ContractID)
	}
}

func TestUpdateSpentExcludesChildrenSpent(t *testing.T) {
	ct := New()
	ct.Push(idOf(1), 1000, 0)
	ct.Push(idOf(2), 900, 0)
	_, err := ct.MoveUp(300) // child spent 300 of its own budget
	require.NoError(t, err)

	// Parent observed total deduction of 500 (300 for the child's call plus
	// 200 of its own work); update_spent should store only the 200.
	require.NoError(t, ct.UpdateSpent(500))
	frame, err := ct.Frame(0)
	require.NoError(t, err)
	require.Equal(t, uint64(200), frame.Spent)
}

func TestNthParentWalksAncestors(t *testing.T) {
	ct := New()
	ct.Push(idOf(1), 1000, 0)
	ct.Push(idOf(2), 900, 0)
	ct.Push(idOf(3), 800, 0)

	f, err := ct.NthParent(0)
	require.NoError(t, err)
	require.Equal(t, idOf(3), f.ContractID)

	f, err = ct.NthParent(2)
	require.NoError(t, err)
	require.Equal(t, idOf(1), f.ContractID)

	_, err = ct.NthParent(3)
	require.Error(t, err)
}

func TestIterYieldsRightmostLeafFirst(t *testing.T) {
	ct := New()
	ct.Push(idOf(1), 1000, 0)
	ct.Push(idOf(2), 900, 0)
	_, err := ct.MoveUp(0)
	require.NoError(t, err)
	ct.Push(idOf(3), 900, 0)
	_, err = ct.MoveUp(0) // back to the root, so Iter covers the whole tree
	require.NoError(t, err)

	order := ct.Iter()
	require.Len(t, order, 3)
	require.Equal(t, idOf(3), order[0].ContractID)
	require.Equal(t, idOf(2), order[1].ContractID)
	require.Equal(t, idOf(1), order[2].ContractID)
}
