package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"github.com/crumblevm/crumble/pkg/abi"
	"github.com/crumblevm/crumble/pkg/config"
	memstore "github.com/crumblevm/crumble/pkg/metastore/memory"
	"github.com/crumblevm/crumble/pkg/store"
	"github.com/crumblevm/crumble/pkg/vmtypes"
	testutil "github.com/crumblevm/crumble/internal/testutil"
)

const argBufOff = 1024

func cid(b byte) vmtypes.ContractID {
	var id vmtypes.ContractID
	id[0] = b
	return id
}

func newTestSession(t *testing.T, st *store.Store, eng *testutil.FakeEngine, base vmtypes.Hash) *Session {
	t.Helper()
	sess, err := New(context.Background(), config.Config{}, st, memstore.New(), eng, nil, base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// counterModule exports inc/get over an 8-byte big-endian counter at
// offset 0, and an optional init that seeds it from the deploy argument.
func counterModule() *testutil.FakeModule {
	return &testutil.FakeModule{
		ArgBufOff: argBufOff,
		Exports: map[string]testutil.ExportFunc{
			"init": func(ctx context.Context, mem abi.Memory, host abi.Host, arg []byte) ([]byte, error) {
				if len(arg) == 8 {
					if err := mem.Write(0, arg); err != nil {
						return nil, err
					}
				}
				return nil, nil
			},
			"inc": func(ctx context.Context, mem abi.Memory, host abi.Host, arg []byte) ([]byte, error) {
				buf, err := mem.Read(0, 8)
				if err != nil {
					return nil, err
				}
				val := binary.BigEndian.Uint64(buf) + 1
				out := make([]byte, 8)
				binary.BigEndian.PutUint64(out, val)
				if err := mem.Write(0, out); err != nil {
					return nil, err
				}
				return out, nil
			},
			"get": func(ctx context.Context, mem abi.Memory, host abi.Host, arg []byte) ([]byte, error) {
				return mem.Read(0, 8)
			},
		},
	}
}

func readU64(t *testing.T, receipt vmtypes.CallReceipt[[]byte]) uint64 {
	t.Helper()
	require.Nil(t, receipt.Err)
	require.Len(t, receipt.Data, 8)
	return binary.BigEndian.Uint64(receipt.Data)
}

func TestCounterCallsAccumulateAndPersist(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	eng := testutil.NewFakeEngine()
	counterID := cid(1)
	eng.Register(counterID, counterModule())

	sess := newTestSession(t, st, eng, vmtypes.Hash{})
	_, err = sess.Deploy(context.Background(), []byte("counter"), DeployOptions{ContractID: counterID}, 100000)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r := sess.CallRaw(context.Background(), counterID, "inc", nil, 100000)
		require.Nil(t, r.Err)
	}
	require.Equal(t, uint64(3), readU64(t, sess.CallRaw(context.Background(), counterID, "get", nil, 100000)))

	root, err := sess.Commit()
	require.NoError(t, err)
	require.False(t, root.IsZero())

	reopened := newTestSession(t, st, eng, root)
	require.Equal(t, uint64(3), readU64(t, reopened.CallRaw(context.Background(), counterID, "get", nil, 100000)))
}

// crossoverModule's "run" export calls another contract's "inc" (which
// succeeds) and then unconditionally fails, exercising §4.7's rule that a
// nested call's already-applied success is rolled back along with its
// caller's own failure.
func crossoverModule(callee vmtypes.ContractID) *testutil.FakeModule {
	return &testutil.FakeModule{
		ArgBufOff: argBufOff,
		Exports: map[string]testutil.ExportFunc{
			"run": func(ctx context.Context, mem abi.Memory, host abi.Host, arg []byte) ([]byte, error) {
				res, err := host.Call(ctx, callee, "inc", nil, 0)
				if err != nil {
					return nil, err
				}
				if res.Err != nil {
					return nil, fmt.Errorf("nested inc failed: %s", res.Err)
				}
				return nil, fmt.Errorf("forced failure after successful nested call")
			},
		},
	}
}

func TestCrossoverRevertsNestedSuccessOnOuterFailure(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	eng := testutil.NewFakeEngine()
	bID := cid(2)
	aID := cid(3)
	eng.Register(bID, counterModule())
	eng.Register(aID, crossoverModule(bID))

	sess := newTestSession(t, st, eng, vmtypes.Hash{})
	_, err = sess.Deploy(context.Background(), []byte("b"), DeployOptions{ContractID: bID}, 100000)
	require.NoError(t, err)
	_, err = sess.Deploy(context.Background(), []byte("a"), DeployOptions{ContractID: aID}, 100000)
	require.NoError(t, err)

	r := sess.CallRaw(context.Background(), aID, "run", nil, 100000)
	require.NotNil(t, r.Err)

	// b's "inc" ran and returned successfully inside the failing call, but
	// must show no effect once a's own frame fails.
	require.Equal(t, uint64(0), readU64(t, sess.CallRaw(context.Background(), bID, "get", nil, 100000)))
}

// splitterModule's "sum" export reads three other counters' current values
// over host.Call (each with no explicit gas limit, exercising the 93%
// reserve rule) and returns their JSON-encoded sum.
func splitterModule(parts []vmtypes.ContractID) *testutil.FakeModule {
	return &testutil.FakeModule{
		ArgBufOff: argBufOff,
		Exports: map[string]testutil.ExportFunc{
			"sum": func(ctx context.Context, mem abi.Memory, host abi.Host, arg []byte) ([]byte, error) {
				var total uint64
				for _, id := range parts {
					res, err := host.Call(ctx, id, "get", nil, 0)
					if err != nil {
						return nil, err
					}
					if res.Err != nil {
						return nil, fmt.Errorf("part %s failed: %s", id, res.Err)
					}
					total += binary.BigEndian.Uint64(res.Data)
				}
				return json.Marshal(total)
			},
		},
	}
}

func TestCallcenterFanOutSumsNestedCalls(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	eng := testutil.NewFakeEngine()

	parts := []vmtypes.ContractID{cid(10), cid(11), cid(12)}
	for _, id := range parts {
		eng.Register(id, counterModule())
	}
	dispatcherID := cid(13)
	eng.Register(dispatcherID, splitterModule(parts))

	sess := newTestSession(t, st, eng, vmtypes.Hash{})
	for i, id := range parts {
		_, err := sess.Deploy(context.Background(), []byte{byte(i)}, DeployOptions{ContractID: id}, 100000)
		require.NoError(t, err)
		for j := 0; j <= i; j++ {
			r := sess.CallRaw(context.Background(), id, "inc", nil, 100000)
			require.Nil(t, r.Err)
		}
	}
	_, err = sess.Deploy(context.Background(), []byte("dispatcher"), DeployOptions{ContractID: dispatcherID}, 100000)
	require.NoError(t, err)

	receipt := Call[uint64](context.Background(), sess, dispatcherID, "sum", nil, 1000000)
	require.Nil(t, receipt.Err)
	require.Equal(t, uint64(1+2+3), receipt.Data)
}

// growerModule's "grow" export extends its own memory by one extra page
// and writes a marker at the start of the new page.
func growerModule() *testutil.FakeModule {
	return &testutil.FakeModule{
		ArgBufOff: argBufOff,
		Exports: map[string]testutil.ExportFunc{
			"grow": func(ctx context.Context, mem abi.Memory, host abi.Host, arg []byte) ([]byte, error) {
				prevPages, err := mem.Grow(1)
				if err != nil {
					return nil, err
				}
				marker := []byte("grown")
				if err := mem.Write(int(prevPages)*mem.PageSize(), marker); err != nil {
					return nil, err
				}
				return marker, nil
			},
		},
	}
}

func TestGrowerGrowsMemoryAndPersistsNewPages(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	eng := testutil.NewFakeEngine()
	growerID := cid(20)
	eng.Register(growerID, growerModule())

	sess := newTestSession(t, st, eng, vmtypes.Hash{})
	_, err = sess.Deploy(context.Background(), []byte("grower"), DeployOptions{ContractID: growerID}, 100000)
	require.NoError(t, err)

	before := sess.contracts[growerID].mem.CurrentPages()
	r := sess.CallRaw(context.Background(), growerID, "grow", nil, 100000)
	require.Nil(t, r.Err)
	require.Equal(t, []byte("grown"), r.Data)
	require.Equal(t, before+1, sess.contracts[growerID].mem.CurrentPages())

	_, err = sess.Root()
	require.NoError(t, err)

	pages, err := sess.MemoryPages(growerID)
	require.NoError(t, err)
	found := false
	for _, pe := range pages {
		if pe.Index == uint64(before) {
			require.Contains(t, string(pe.Page), "grown")
			found = true
		}
	}
	require.True(t, found, "the newly grown page should be among the contract's touched pages")
}

// streamerModule's "stream" export feeds three blobs before returning.
func streamerModule() *testutil.FakeModule {
	return &testutil.FakeModule{
		ArgBufOff: argBufOff,
		Exports: map[string]testutil.ExportFunc{
			"stream": func(ctx context.Context, mem abi.Memory, host abi.Host, arg []byte) ([]byte, error) {
				for i := 0; i < 3; i++ {
					if err := host.Feed([]byte{byte(i)}); err != nil {
						return nil, err
					}
				}
				return []byte("done"), nil
			},
		},
	}
}

func TestFeederStreamsBlobsBeforeCompleting(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	eng := testutil.NewFakeEngine()
	streamerID := cid(30)
	eng.Register(streamerID, streamerModule())

	sess := newTestSession(t, st, eng, vmtypes.Hash{})
	_, err = sess.Deploy(context.Background(), []byte("streamer"), DeployOptions{ContractID: streamerID}, 100000)
	require.NoError(t, err)

	feed, wait := sess.FeederCallRaw(context.Background(), streamerID, "stream", nil, 100000)

	var got []byte
	for blob := range feed {
		got = append(got, blob...)
	}
	receipt := wait()
	require.Nil(t, receipt.Err)
	require.Equal(t, []byte("done"), receipt.Data)
	require.Equal(t, []byte{0, 1, 2}, got)
}

// brokenInitModule's init always fails, for exercising a nested deploy's own
// atomic rollback.
func brokenInitModule() *testutil.FakeModule {
	return &testutil.FakeModule{
		ArgBufOff: argBufOff,
		Exports: map[string]testutil.ExportFunc{
			"init": func(ctx context.Context, mem abi.Memory, host abi.Host, arg []byte) ([]byte, error) {
				return nil, fmt.Errorf("deliberate init failure")
			},
		},
	}
}

// deployerModule's "multiple_deploy" export recursively deploys count
// counter contracts, seeding each with its own index, stopping (and
// returning an error) the first time it reaches failAt.
func deployerModule() *testutil.FakeModule {
	return &testutil.FakeModule{
		ArgBufOff: argBufOff,
		Exports: map[string]testutil.ExportFunc{
			"multiple_deploy": func(ctx context.Context, mem abi.Memory, host abi.Host, arg []byte) ([]byte, error) {
				if len(arg) != 2 {
					return nil, fmt.Errorf("deployer: expected a 2-byte arg, got %d", len(arg))
				}
				count, failAt := int(arg[0]), int(arg[1])

				var ids []vmtypes.ContractID
				for i := 0; i < count; i++ {
					bytecode := []byte(fmt.Sprintf("child-%d", i))
					if i == failAt {
						bytecode = []byte(fmt.Sprintf("child-%d-broken", i))
					}
					seed := make([]byte, 8)
					binary.BigEndian.PutUint64(seed, uint64(i))

					id, err := host.Deploy(ctx, bytecode, nil, seed, 100000)
					if err != nil {
						return nil, fmt.Errorf("deploying child %d: %w", i, err)
					}
					ids = append(ids, id)
				}

				out := make([]byte, 0, len(ids)*vmtypes.ContractIDLen)
				for _, id := range ids {
					out = append(out, id[:]...)
				}
				return out, nil
			},
		},
	}
}

func childBytecodeID(t *testing.T, bytecode []byte) vmtypes.ContractID {
	t.Helper()
	sum := blake3.Sum256(bytecode)
	return vmtypes.ContractIDFromBytes(sum[:])
}

func TestRecursiveDeployChainProducesWorkingChildren(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	eng := testutil.NewFakeEngine()

	const count = 5
	deployerID := cid(50)
	eng.Register(deployerID, deployerModule())
	for i := 0; i < count; i++ {
		eng.Register(childBytecodeID(t, []byte(fmt.Sprintf("child-%d", i))), counterModule())
	}

	sess := newTestSession(t, st, eng, vmtypes.Hash{})
	_, err = sess.Deploy(context.Background(), []byte("deployer"), DeployOptions{ContractID: deployerID}, 100000)
	require.NoError(t, err)

	r := sess.CallRaw(context.Background(), deployerID, "multiple_deploy", []byte{count, 0xFF}, 1000000)
	require.Nil(t, r.Err)
	require.Len(t, r.Data, count*vmtypes.ContractIDLen)

	for i := 0; i < count; i++ {
		var childID vmtypes.ContractID
		copy(childID[:], r.Data[i*vmtypes.ContractIDLen:(i+1)*vmtypes.ContractIDLen])
		require.Equal(t, uint64(i), readU64(t, sess.CallRaw(context.Background(), childID, "get", nil, 100000)))
		require.Equal(t, uint64(i+1), readU64(t, sess.CallRaw(context.Background(), childID, "inc", nil, 100000)))
	}
}

func TestRecursiveDeployFailureLeavesOnlyPriorChildren(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	eng := testutil.NewFakeEngine()

	const count = 5
	const failAt = 2 // children 0 and 1 must persist; 2, 3, 4 must not exist
	deployerID := cid(51)
	eng.Register(deployerID, deployerModule())
	for i := 0; i < count; i++ {
		bytecode := []byte(fmt.Sprintf("child-%d", i))
		if i == failAt {
			bytecode = []byte(fmt.Sprintf("child-%d-broken", i))
			eng.Register(childBytecodeID(t, bytecode), brokenInitModule())
			continue
		}
		eng.Register(childBytecodeID(t, bytecode), counterModule())
	}

	sess := newTestSession(t, st, eng, vmtypes.Hash{})
	_, err = sess.Deploy(context.Background(), []byte("deployer"), DeployOptions{ContractID: deployerID}, 100000)
	require.NoError(t, err)

	r := sess.CallRaw(context.Background(), deployerID, "multiple_deploy", []byte{count, failAt}, 1000000)
	require.NotNil(t, r.Err)

	for i := 0; i < failAt; i++ {
		id := childBytecodeID(t, []byte(fmt.Sprintf("child-%d", i)))
		require.Equal(t, uint64(i), readU64(t, sess.CallRaw(context.Background(), id, "get", nil, 100000)))
	}

	failedID := childBytecodeID(t, []byte(fmt.Sprintf("child-%d-broken", failAt)))
	failedReceipt := sess.CallRaw(context.Background(), failedID, "get", nil, 100000)
	require.NotNil(t, failedReceipt.Err)
	require.True(t, vmtypes.IsKind(failedReceipt.Err, vmtypes.KindDoesNotExist))

	for i := failAt + 1; i < count; i++ {
		id := childBytecodeID(t, []byte(fmt.Sprintf("child-%d", i)))
		receipt := sess.CallRaw(context.Background(), id, "get", nil, 100000)
		require.NotNil(t, receipt.Err)
		require.True(t, vmtypes.IsKind(receipt.Err, vmtypes.KindDoesNotExist))
	}
}

func TestInitCannotBeCalledDirectly(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	eng := testutil.NewFakeEngine()
	counterID := cid(60)
	eng.Register(counterID, counterModule())

	sess := newTestSession(t, st, eng, vmtypes.Hash{})
	_, err = sess.Deploy(context.Background(), []byte("counter"), DeployOptions{ContractID: counterID}, 100000)
	require.NoError(t, err)

	r := sess.CallRaw(context.Background(), counterID, "init", nil, 100000)
	require.NotNil(t, r.Err)
	require.True(t, vmtypes.IsKind(r.Err, vmtypes.KindInitializationError))
}

func TestMigrateReplacesBytecodeKeepingIdentity(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	eng := testutil.NewFakeEngine()
	oldID := cid(40)
	eng.Register(oldID, counterModule())

	sess := newTestSession(t, st, eng, vmtypes.Hash{})
	_, err = sess.Deploy(context.Background(), []byte("old"), DeployOptions{ContractID: oldID}, 100000)
	require.NoError(t, err)
	r := sess.CallRaw(context.Background(), oldID, "inc", nil, 100000)
	require.Nil(t, r.Err)
	require.Equal(t, uint64(1), readU64(t, sess.CallRaw(context.Background(), oldID, "get", nil, 100000)))

	newBytecode := []byte("new-counter")
	tempID := MigrationTempID(oldID, newBytecode)
	eng.Register(tempID, counterModule())

	seed := make([]byte, 8)
	binary.BigEndian.PutUint64(seed, 500)
	require.NoError(t, sess.Migrate(context.Background(), oldID, newBytecode, seed, 100000))

	require.Equal(t, uint64(500), readU64(t, sess.CallRaw(context.Background(), oldID, "get", nil, 100000)))

	root, err := sess.Commit()
	require.NoError(t, err)

	reopened := newTestSession(t, st, eng, root)
	require.Equal(t, uint64(500), readU64(t, reopened.CallRaw(context.Background(), oldID, "get", nil, 100000)))
}
