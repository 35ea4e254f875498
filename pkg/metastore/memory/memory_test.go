package memory

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crumblevm/crumble/pkg/vmtypes"
)

func TestSetGetRemoveMeta(t *testing.T) {
	s := New()
	session := uuid.New()

	_, found, err := s.GetMeta(session, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetMeta(session, "k", []byte("v1")))
	value, found, err := s.GetMeta(session, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), value)

	require.NoError(t, s.RemoveMeta(session, "k"))
	_, found, err = s.GetMeta(session, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMetaIsScopedPerSession(t *testing.T) {
	s := New()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, s.SetMeta(a, "k", []byte("a-value")))
	_, found, err := s.GetMeta(b, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClearSessionDropsMetaAndLeases(t *testing.T) {
	s := New()
	session := uuid.New()
	root := vmtypes.Hash{1}

	require.NoError(t, s.SetMeta(session, "k", []byte("v")))
	require.NoError(t, s.AcquireLease(session, root))

	require.NoError(t, s.ClearSession(session))

	_, found, err := s.GetMeta(session, "k")
	require.NoError(t, err)
	assert.False(t, found)

	held, err := s.IsHeld(root)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLeaseHeldUntilLastReleaser(t *testing.T) {
	s := New()
	a, b := uuid.New(), uuid.New()
	root := vmtypes.Hash{2}

	require.NoError(t, s.AcquireLease(a, root))
	require.NoError(t, s.AcquireLease(b, root))

	held, err := s.IsHeld(root)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, s.ReleaseLease(a, root))
	held, err = s.IsHeld(root)
	require.NoError(t, err)
	assert.True(t, held, "still held by b")

	require.NoError(t, s.ReleaseLease(b, root))
	held, err = s.IsHeld(root)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestOperationsFailAfterClose(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	assert.Error(t, s.HealthCheck())
	assert.Error(t, s.SetMeta(uuid.New(), "k", []byte("v")))
}
