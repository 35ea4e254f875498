package crumbles

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegionIsZeroFilled(t *testing.T) {
	m, err := New(4, 4096)
	require.NoError(t, err)
	defer m.Close()

	got, err := m.ReadAt(0, m.Len())
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, make([]byte, m.Len())))
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	m, err := New(2, 4096)
	require.NoError(t, err)
	defer m.Close()

	payload := bytes.Repeat([]byte{0xAB}, 10)
	require.NoError(t, m.WriteAt(4090, payload)) // straddles the page boundary

	got, err := m.ReadAt(4090, len(payload))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))
}

func TestLoaderPopulatesOnFirstTouch(t *testing.T) {
	loader := LoadPageFunc(func(idx int, buf []byte) (int, error) {
		for i := range buf {
			buf[i] = byte(idx + 1)
		}
		return len(buf), nil
	})
	m, err := WithPages(3, 4096, loader)
	require.NoError(t, err)
	defer m.Close()

	got, err := m.ReadAt(4096, 4) // page 1
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, []byte{2, 2, 2, 2}))
}

func TestDirtyPagesTracksOnlyWrittenPagesSinceSnap(t *testing.T) {
	m, err := New(3, 4096)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.ReadAt(0, 4) // page 0, read only: not dirty
	require.NoError(t, err)
	require.NoError(t, m.WriteAt(4096, []byte{1, 2, 3, 4})) // page 1: dirty

	dirty := m.DirtyPages()
	require.Len(t, dirty, 1)
	require.Equal(t, 1, dirty[0].Index)
	require.True(t, bytes.Equal(dirty[0].Clean, make([]byte, 4096)))
}

func TestRevertRestoresCleanPreImage(t *testing.T) {
	m, err := New(2, 4096)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WriteAt(0, []byte{1, 2, 3}))
	require.NoError(t, m.Snap())
	require.NoError(t, m.WriteAt(0, []byte{9, 9, 9}))

	got, err := m.ReadAt(0, 3)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, []byte{9, 9, 9}))

	require.NoError(t, m.Revert())

	got, err = m.ReadAt(0, 3)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, []byte{1, 2, 3}))
}

func TestApplyMergesPreImagesIntoParent(t *testing.T) {
	m, err := New(2, 4096)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WriteAt(0, []byte{1, 2, 3}))
	require.NoError(t, m.Snap())
	require.NoError(t, m.WriteAt(0, []byte{9, 9, 9}))
	require.NoError(t, m.Apply())

	// After apply, the child's write is visible. The parent had already
	// recorded page 0's earlier (all-zero) pre-image, so it keeps that one
	// rather than taking the child's {1,2,3}.
	got, err := m.ReadAt(0, 3)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, []byte{9, 9, 9}))

	require.NoError(t, m.Revert()) // revert the parent snapshot now
	got, err = m.ReadAt(0, 3)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, make([]byte, 3)))
}

func TestOutOfBoundsAccessErrors(t *testing.T) {
	m, err := New(1, 4096)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.ReadAt(4090, 100)
	require.Error(t, err)

	err = m.WriteAt(-1, []byte{1})
	require.Error(t, err)
}

func TestSnapshotStackSurvivesMultipleLevels(t *testing.T) {
	m, err := New(1, 4096)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WriteAt(0, []byte{1}))
	require.NoError(t, m.Snap())
	require.NoError(t, m.WriteAt(0, []byte{2}))
	require.NoError(t, m.Snap())
	require.NoError(t, m.WriteAt(0, []byte{3}))

	got, err := m.ReadAt(0, 1)
	require.NoError(t, err)
	require.Equal(t, byte(3), got[0])

	require.NoError(t, m.Revert()) // drop the {3} snapshot
	got, err = m.ReadAt(0, 1)
	require.NoError(t, err)
	require.Equal(t, byte(2), got[0])

	require.NoError(t, m.Revert()) // drop the {2} snapshot
	got, err = m.ReadAt(0, 1)
	require.NoError(t, err)
	require.Equal(t, byte(1), got[0])
}

func TestRegionRegistryResolvesOwningMmap(t *testing.T) {
	m, err := New(1, 4096)
	require.NoError(t, err)
	defer m.Close()

	mid := m.addrStart + uintptr(m.Len()/2)
	require.Same(t, m, lookupRegion(mid))
	require.Nil(t, lookupRegion(m.addrEnd+1))
}
