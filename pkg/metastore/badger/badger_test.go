package badger

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crumblevm/crumble/pkg/vmtypes"
)

func TestSetGetRemoveMeta(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

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

func TestClearSessionDropsOnlyThatSessionsMeta(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	a, b := uuid.New(), uuid.New()
	require.NoError(t, s.SetMeta(a, "k", []byte("a")))
	require.NoError(t, s.SetMeta(b, "k", []byte("b")))

	require.NoError(t, s.ClearSession(a))

	_, found, err := s.GetMeta(a, "k")
	require.NoError(t, err)
	assert.False(t, found)

	value, found, err := s.GetMeta(b, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("b"), value)
}

func TestLeaseRoundTripsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	session := uuid.New()
	root := vmtypes.Hash{3}

	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.AcquireLease(session, root))
	require.NoError(t, s.Close())

	reopened, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	held, err := reopened.IsHeld(root)
	require.NoError(t, err)
	assert.True(t, held, "lease must survive a reopen of the same data directory")
}

func TestHealthCheckFailsAfterClose(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Error(t, s.HealthCheck())
}
