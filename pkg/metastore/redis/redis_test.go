package redis

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// testAddress returns the Redis address for testing: REDIS_TEST_ADDRESS if
// set, otherwise the conventional local default.
func testAddress() string {
	if addr := os.Getenv("REDIS_TEST_ADDRESS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func requireStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{Address: testAddress(), DB: 15}, zap.NewNop())
	if err != nil {
		t.Skipf("redis not available at %s: %v", testAddress(), err)
	}
	return s
}

func TestSetGetRemoveMeta(t *testing.T) {
	s := requireStore(t)
	defer func() { _ = s.Close() }()

	session := uuid.New()
	defer func() { _ = s.ClearSession(session) }()

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

func TestLeaseVisibleAcrossIndependentClients(t *testing.T) {
	a := requireStore(t)
	defer func() { _ = a.Close() }()
	b := requireStore(t)
	defer func() { _ = b.Close() }()

	session := uuid.New()
	root := vmtypes.Hash{4}
	defer func() { _ = a.ReleaseLease(session, root) }()

	require.NoError(t, a.AcquireLease(session, root))

	held, err := b.IsHeld(root)
	require.NoError(t, err)
	assert.True(t, held, "a second client attached to the same Redis must see the lease")

	require.NoError(t, a.ReleaseLease(session, root))
	held, err = b.IsHeld(root)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestHealthCheck(t *testing.T) {
	s := requireStore(t)
	defer func() { _ = s.Close() }()
	assert.NoError(t, s.HealthCheck())
}
