// Package session ties every other package together into the one
// operation a caller actually wants: deploy and call contracts against a
// content-addressed commit history, with cross-contract calls metered in
// gas and reverted atomically on failure (§4.7, §4.8).
//
// A Session is not safe for concurrent use: §5 scopes a session to
// strictly sequential calls, one at a time, matching the call tree's
// single-cursor design (pkg/calltree).
package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/crumblevm/crumble/pkg/abi"
	"github.com/crumblevm/crumble/pkg/calltree"
	"github.com/crumblevm/crumble/pkg/commit"
	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/memory"
	"github.com/crumblevm/crumble/pkg/merkle"
	"github.com/crumblevm/crumble/pkg/metastore"
	"github.com/crumblevm/crumble/pkg/store"
	"github.com/crumblevm/crumble/pkg/vmtypes"

	"golang.org/x/time/rate"
)

// contractState is a Session's live, in-memory view of one deployed
// contract: its compiled module, its linear memory, and the page tree that
// must always reflect every page the contract has ever had dirtied, not
// just this session's own writes, so commit.UpdateContract's recomputed
// root matches the one already on disk (pkg/store/store_test.go's pattern
// of sharing one *merkle.Tree across a contract's whole history).
type contractState struct {
	id        vmtypes.ContractID
	module    abi.Module
	mem       *memory.Memory
	flavor    config.MemoryFlavor
	argBufOff uint32
	owner     []byte
	pageTree  *merkle.Tree
}

// HostQueryFunc answers one registered `hq` host query by name.
type HostQueryFunc func(ctx context.Context, arg []byte) ([]byte, error)

// Session is one caller's working view of the commit store: a base commit
// root it was opened at, a mutable working commit layering new deploys and
// calls on top of it, and the live contract state touched so far.
type Session struct {
	id    uuid.UUID
	cfg   config.Config
	store *store.Store
	meta  metastore.Store
	eng   abi.Engine
	log   *zap.Logger

	base   vmtypes.Hash
	commit *commit.Commit

	// touched holds the ids this generation (since the last Commit) has
	// deployed or called, for Root/Commit's sealing pass.
	touched   map[vmtypes.ContractID]struct{}
	contracts map[vmtypes.ContractID]*contractState

	calls     *calltree.CallTree
	remaining map[int]uint64

	events []vmtypes.Event

	hostQueries map[string]HostQueryFunc
	limiters    map[string]*rate.Limiter

	feeder       chan []byte
	lastPanicMsg []byte

	closed bool
}

// New opens a session rooted at base (the zero Hash for a brand-new,
// empty store). A non-zero base is reconstructed from the store and its
// full per-contract index replayed into the working commit so later calls
// see every contract the base commit (and its ancestry) ever deployed.
func New(ctx context.Context, cfg config.Config, st *store.Store, meta metastore.Store, eng abi.Engine, log *zap.Logger, base vmtypes.Hash) (*Session, error) {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	var working *commit.Commit
	if base.IsZero() {
		c, err := commit.New()
		if err != nil {
			return nil, fmt.Errorf("session: creating genesis commit: %w", err)
		}
		working = c
	} else {
		if !st.HasCommit(base) {
			return nil, fmt.Errorf("session: no commit recorded for root %s", base)
		}
		reconstructed, err := st.Reconstruct(base)
		if err != nil {
			return nil, fmt.Errorf("session: reconstructing base %s: %w", base, err)
		}
		c, err := commit.WithParent(base)
		if err != nil {
			return nil, err
		}
		for id, elem := range reconstructed.Index {
			if err := c.Seed(id, elem); err != nil {
				return nil, fmt.Errorf("session: seeding %s from base %s: %w", id, base, err)
			}
		}
		working = c
	}

	id := uuid.New()
	if !base.IsZero() {
		if err := meta.AcquireLease(id, base); err != nil {
			return nil, fmt.Errorf("session: acquiring lease on %s: %w", base, err)
		}
	}

	return &Session{
		id:          id,
		cfg:         cfg,
		store:       st,
		meta:        meta,
		eng:         eng,
		log:         log,
		base:        base,
		commit:      working,
		touched:     make(map[vmtypes.ContractID]struct{}),
		contracts:   make(map[vmtypes.ContractID]*contractState),
		calls:       calltree.New(),
		remaining:   make(map[int]uint64),
		hostQueries: make(map[string]HostQueryFunc),
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// ID returns the session's unique identifier, used as the scoping key for
// SetMeta/RemoveMeta and the lease registry.
func (sess *Session) ID() uuid.UUID { return sess.id }

// RegisterHostQuery makes name available to contracts through the `hq`
// import. ratePerSecond <= 0 disables throttling for this query.
func (sess *Session) RegisterHostQuery(name string, fn HostQueryFunc, ratePerSecond float64, burst int) {
	sess.hostQueries[name] = fn
	if ratePerSecond > 0 {
		sess.limiters[name] = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	} else {
		delete(sess.limiters, name)
	}
}

// Close releases the session's resources: every live contract's memory,
// the metadata scoped to it, and its lease on base (if any).
func (sess *Session) Close() error {
	if sess.closed {
		return nil
	}
	sess.closed = true
	var firstErr error
	for _, st := range sess.contracts {
		if err := st.mem.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if !sess.base.IsZero() {
		if err := sess.meta.ReleaseLease(sess.id, sess.base); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := sess.meta.ClearSession(sess.id); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SetMeta records a session-scoped key/value pair, readable by contracts
// through the `hd` import (§4.9).
func (sess *Session) SetMeta(key string, value []byte) error {
	return sess.meta.SetMeta(sess.id, key, value)
}

// RemoveMeta deletes a session-scoped key.
func (sess *Session) RemoveMeta(key string) error {
	return sess.meta.RemoveMeta(sess.id, key)
}

// DeployOptions configures Session.Deploy.
type DeployOptions struct {
	// ContractID overrides the default id (Blake3 of bytecode). Required
	// for a migration's temporary deploy to later be retargeted.
	ContractID vmtypes.ContractID
	Flavor     config.MemoryFlavor
	InitArg    []byte
	Owner      []byte
}

// Deploy compiles bytecode, constructs the contract's linear memory and
// page tree, and (if the module exports `init`) runs it as a metered
// top-level call. A failing init atomically rolls back the whole deploy:
// nothing is left behind for its id (§4.8).
func (sess *Session) Deploy(ctx context.Context, bytecode []byte, opts DeployOptions, gasLimit uint64) (vmtypes.ContractID, error) {
	if sess.closed {
		return vmtypes.ContractID{}, fmt.Errorf("session: use of closed session")
	}
	return sess.deployLocked(ctx, bytecode, opts, gasLimit)
}

// hostDeploy is the `deploy` import (§4.8): lets a contract's own init chain
// recursively create further contracts. "recursive deploys at init time obey
// the same atomic-revert rule as calls" (§4.8) means each nested deploy is
// its own atomic unit, not a sub-frame of whichever call triggered it — a
// deploy that completes stays deployed even if its caller's own frame later
// fails, and a deploy whose own init chain fails leaves nothing behind for
// only that id (and anything it would have gone on to spawn). Running the
// nested deploy's init against a private call tree, swapped in for the
// duration of the call and restored after, is what gives it that isolation:
// a later failure in the calling frame's own subtree can never reach back
// into a sibling deploy that already returned successfully.
func (sess *Session) hostDeploy(ctx context.Context, bytecode []byte, owner []byte, initArg []byte, gasLimit uint64) (vmtypes.ContractID, error) {
	outerCalls, outerRemaining := sess.calls, sess.remaining
	sess.calls = calltree.New()
	sess.remaining = make(map[int]uint64)
	defer func() {
		sess.calls, sess.remaining = outerCalls, outerRemaining
	}()

	return sess.deployLocked(ctx, bytecode, DeployOptions{Owner: owner, InitArg: initArg}, gasLimit)
}

func (sess *Session) deployLocked(ctx context.Context, bytecode []byte, opts DeployOptions, gasLimit uint64) (vmtypes.ContractID, error) {
	id := opts.ContractID
	if id.IsZero() {
		sum := blake3.Sum256(bytecode)
		id = vmtypes.ContractIDFromBytes(sum[:])
	}
	if _, exists := sess.commit.Index[id]; exists {
		return id, vmtypes.NewError(vmtypes.KindInitializationError, "contract %s is already deployed", id)
	}

	flavor := opts.Flavor
	if flavor == "" {
		flavor = config.FlavorWasm32
	}

	module, err := sess.eng.Compile(ctx, id, bytecode)
	if err != nil {
		return id, vmtypes.WrapError(vmtypes.KindInitializationError, err, "compiling %s", id)
	}
	argBufOff, err := module.ArgBufferOffset()
	if err != nil {
		return id, vmtypes.WrapError(vmtypes.KindInitializationError, err, "reading ArgBuffer offset of %s", id)
	}
	mem, err := memory.New(flavor, sess.cfg.PageSize)
	if err != nil {
		return id, vmtypes.WrapError(vmtypes.KindInitializationError, err, "reserving memory for %s", id)
	}
	pageTree, err := merkle.NewPageTree(flavor)
	if err != nil {
		mem.Close()
		return id, vmtypes.WrapError(vmtypes.KindInitializationError, err, "building page tree for %s", id)
	}

	st := &contractState{id: id, module: module, mem: mem, flavor: flavor, argBufOff: argBufOff, owner: opts.Owner, pageTree: pageTree}
	if err := sess.ensureArgBufCapacity(st); err != nil {
		mem.Close()
		return id, err
	}
	sess.contracts[id] = st

	if module.HasExport("init") {
		if len(opts.InitArg) > sess.cfg.ArgBufLen {
			delete(sess.contracts, id)
			mem.Close()
			return id, vmtypes.NewError(vmtypes.KindValidationError, "init arg of %d bytes exceeds ArgBuffer capacity", len(opts.InitArg))
		}
		if _, cerr := sess.runFrame(ctx, id, "init", opts.InitArg, gasLimit, nil); cerr != nil {
			delete(sess.contracts, id)
			mem.Close()
			return id, vmtypes.WrapError(vmtypes.KindInitializationError, cerr, "init failed for %s", id)
		}
	}

	if err := sess.store.PutBytecode(id, bytecode); err != nil {
		delete(sess.contracts, id)
		return id, vmtypes.WrapError(vmtypes.KindPersistenceError, err, "writing bytecode for %s", id)
	}
	if err := sess.store.PutMetadata(id, vmtypes.ContractMetadata{Owner: opts.Owner, ContractID: id}); err != nil {
		delete(sess.contracts, id)
		return id, vmtypes.WrapError(vmtypes.KindPersistenceError, err, "writing metadata for %s", id)
	}

	sess.touched[id] = struct{}{}
	return id, nil
}

// ensureArgBufCapacity grows a freshly-constructed contract's memory so its
// ArgBuffer window ([argBufOff, argBufOff+ArgBufLen)) is live before any
// write into it.
func (sess *Session) ensureArgBufCapacity(st *contractState) error {
	needed := uint64(st.argBufOff) + uint64(sess.cfg.ArgBufLen)
	pageSize := uint64(sess.cfg.PageSize)
	neededPages := uint32((needed + pageSize - 1) / pageSize)
	if neededPages <= st.mem.CurrentPages() {
		return nil
	}
	if _, err := st.mem.Grow(neededPages - st.mem.CurrentPages()); err != nil {
		return vmtypes.WrapError(vmtypes.KindInitializationError, err, "growing %s for its ArgBuffer", st.id)
	}
	return nil
}

// CallRaw invokes fn on contractID as a top-level call with raw
// argument/response bytes (§4.8 "call_raw").
func (sess *Session) CallRaw(ctx context.Context, contractID vmtypes.ContractID, fn string, arg []byte, gasLimit uint64) vmtypes.CallReceipt[[]byte] {
	return sess.callTopLevel(ctx, contractID, fn, arg, gasLimit, nil)
}

// Call invokes fn on contractID, decoding its raw response as JSON into T
// (§4.8 "call"). Decoding failures are reported as a KindValidationError on
// the returned receipt, not as the function's own error.
func Call[T any](ctx context.Context, sess *Session, contractID vmtypes.ContractID, fn string, arg []byte, gasLimit uint64) vmtypes.CallReceipt[T] {
	raw := sess.CallRaw(ctx, contractID, fn, arg, gasLimit)
	out := vmtypes.CallReceipt[T]{
		GasLimit: raw.GasLimit,
		GasSpent: raw.GasSpent,
		Events:   raw.Events,
		CallIDs:  raw.CallIDs,
		Err:      raw.Err,
	}
	if raw.Err != nil {
		return out
	}
	if err := json.Unmarshal(raw.Data, &out.Data); err != nil {
		out.Err = vmtypes.WrapError(vmtypes.KindValidationError, err, "decoding response of %s.%s", contractID, fn)
	}
	return out
}

// callTopLevel is the shared top-level entrypoint for CallRaw and the
// feeder call variants.
func (sess *Session) callTopLevel(ctx context.Context, contractID vmtypes.ContractID, fn string, arg []byte, gasLimit uint64, feeder chan []byte) vmtypes.CallReceipt[[]byte] {
	if fn == "init" {
		return vmtypes.CallReceipt[[]byte]{Err: vmtypes.NewError(vmtypes.KindInitializationError, "init cannot be called directly")}
	}
	if !sess.calls.Empty() {
		return vmtypes.CallReceipt[[]byte]{Err: vmtypes.NewError(vmtypes.KindInitializationError, "a call is already in progress on this session")}
	}

	sess.events = nil
	resp, cerr := sess.runFrame(ctx, contractID, fn, arg, gasLimit, feeder)

	receipt := vmtypes.CallReceipt[[]byte]{
		Data:     resp,
		GasLimit: gasLimit,
		Events:   sess.events,
	}
	if cerr != nil {
		receipt.Err = cerr
		receipt.GasSpent = gasLimit
	}
	return receipt
}

// FeederCallRaw runs fn as a feeder call: the contract's `feed` import
// pushes an unbounded sequence of blobs to the returned channel while the
// call executes concurrently on another goroutine. wait blocks until the
// call completes and returns its receipt; the channel is closed once the
// call returns (§4.8 "feeder_call_raw").
func (sess *Session) FeederCallRaw(ctx context.Context, contractID vmtypes.ContractID, fn string, arg []byte, gasLimit uint64) (feed <-chan []byte, wait func() vmtypes.CallReceipt[[]byte]) {
	feeder := make(chan []byte)
	resultCh := make(chan vmtypes.CallReceipt[[]byte], 1)
	go func() {
		defer close(feeder)
		resultCh <- sess.callTopLevel(ctx, contractID, fn, arg, gasLimit, feeder)
	}()
	return feeder, func() vmtypes.CallReceipt[[]byte] { return <-resultCh }
}

// FeederCall is FeederCallRaw with a JSON-decoded response.
func FeederCall[T any](ctx context.Context, sess *Session, contractID vmtypes.ContractID, fn string, arg []byte, gasLimit uint64) (feed <-chan []byte, wait func() vmtypes.CallReceipt[T]) {
	rawFeed, rawWait := sess.FeederCallRaw(ctx, contractID, fn, arg, gasLimit)
	return rawFeed, func() vmtypes.CallReceipt[T] {
		raw := rawWait()
		out := vmtypes.CallReceipt[T]{GasLimit: raw.GasLimit, GasSpent: raw.GasSpent, Events: raw.Events, CallIDs: raw.CallIDs, Err: raw.Err}
		if raw.Err != nil {
			return out
		}
		if err := json.Unmarshal(raw.Data, &out.Data); err != nil {
			out.Err = vmtypes.WrapError(vmtypes.KindValidationError, err, "decoding feeder response of %s.%s", contractID, fn)
		}
		return out
	}
}

// Root computes the commit root the session would have if Commit were
// called now, without persisting anything (§4.8 "root").
func (sess *Session) Root() (vmtypes.Hash, error) {
	root, _, err := sess.sealWorkingCommit()
	return root, err
}

// Commit seals and persists the working commit, then starts a fresh
// generation layered on top of it so later calls accumulate a new delta
// instead of re-reporting already-persisted pages (§4.8 "commit").
func (sess *Session) Commit() (vmtypes.Hash, error) {
	root, pages, err := sess.sealWorkingCommit()
	if err != nil {
		return vmtypes.Hash{}, err
	}
	if _, err := sess.store.Persist(sess.commit, pages); err != nil {
		return vmtypes.Hash{}, vmtypes.WrapError(vmtypes.KindPersistenceError, err, "persisting commit %s", root)
	}

	next, err := commit.WithParent(root)
	if err != nil {
		return vmtypes.Hash{}, err
	}
	for id, elem := range sess.commit.Index {
		if err := next.Seed(id, elem); err != nil {
			return vmtypes.Hash{}, err
		}
	}
	for id := range sess.touched {
		if st, ok := sess.contracts[id]; ok {
			if err := st.mem.Snap(); err != nil {
				return vmtypes.Hash{}, vmtypes.WrapError(vmtypes.KindMemorySnapshotFailure, err, "snapping %s after commit", id)
			}
		}
	}

	if !sess.base.IsZero() {
		if err := sess.meta.ReleaseLease(sess.id, sess.base); err != nil {
			return vmtypes.Hash{}, err
		}
	}
	if err := sess.meta.AcquireLease(sess.id, root); err != nil {
		return vmtypes.Hash{}, err
	}

	sess.base = root
	sess.commit = next
	sess.touched = make(map[vmtypes.ContractID]struct{})
	return root, nil
}

// sealWorkingCommit folds every touched contract's dirty pages into the
// working commit's index and returns the resulting root plus the page
// bytes a Persist call would need.
func (sess *Session) sealWorkingCommit() (vmtypes.Hash, map[vmtypes.ContractID]store.ContractPages, error) {
	pages := make(map[vmtypes.ContractID]store.ContractPages, len(sess.touched))
	for id := range sess.touched {
		st := sess.contracts[id]
		dirty := st.mem.DirtyPages()
		dirtied := make(map[uint64][]byte, len(dirty))
		cp := make(store.ContractPages, len(dirty))
		for _, dp := range dirty {
			dirtied[uint64(dp.Index)] = dp.Current
			cp[uint64(dp.Index)] = dp.Current
		}
		if _, err := sess.commit.UpdateContract(id, st.flavor, st.pageTree, dirtied, uint64(st.mem.Len())); err != nil {
			return vmtypes.Hash{}, nil, vmtypes.WrapError(vmtypes.KindPersistenceError, err, "sealing %s", id)
		}
		pages[id] = cp
	}
	return sess.commit.Seal(), pages, nil
}

// PageEntry is one page of a contract's memory, with its two-level
// inclusion proof against the session's current root (§4.8
// "memory_pages").
type PageEntry struct {
	Index   uint64
	Page    []byte
	Opening commit.PageOpening
}

// MemoryPages enumerates every page contractID has ever had dirtied, each
// with its contents and a PageOpening against the session's current
// (uncommitted) root.
func (sess *Session) MemoryPages(contractID vmtypes.ContractID) ([]PageEntry, error) {
	elem, ok := sess.commit.Index[contractID]
	if !ok {
		return nil, vmtypes.NewError(vmtypes.KindContractDoesNotExist, "contract %s is not deployed", contractID)
	}
	root, err := sess.Root()
	if err != nil {
		return nil, err
	}

	known := make(map[uint64][]byte, len(elem.TouchedPages))
	for _, idx := range elem.TouchedPages {
		data, err := sess.resolveContractPage(contractID, idx)
		if err != nil {
			return nil, err
		}
		known[idx] = data
	}

	out := make([]PageEntry, 0, len(elem.TouchedPages))
	for _, idx := range elem.TouchedPages {
		opening, err := sess.store.PageOpening(contractID, root, idx, sess.commit.ContractsTree(), elem.Flavor, known)
		if err != nil {
			return nil, err
		}
		out = append(out, PageEntry{Index: idx, Page: known[idx], Opening: opening})
	}
	return out, nil
}

func (sess *Session) resolveContractPage(id vmtypes.ContractID, idx uint64) ([]byte, error) {
	if st, ok := sess.contracts[id]; ok {
		return st.mem.Read(int(idx)*sess.cfg.PageSize, sess.cfg.PageSize)
	}
	return sess.store.ResolvePage(id, sess.base, idx, sess.cfg.PageSize)
}

// MigrationTempID derives the temporary id Migrate deploys newBytecode
// under before retargeting it onto oldID: Blake3 of newBytecode followed by
// oldID, so two different contracts migrating to the same bytecode never
// collide on the temporary id. Exposed so an Engine can be warmed (module
// precompiled/cached) for a migration before it runs.
func MigrationTempID(oldID vmtypes.ContractID, newBytecode []byte) vmtypes.ContractID {
	seed := make([]byte, 0, len(newBytecode)+len(oldID))
	seed = append(seed, newBytecode...)
	seed = append(seed, oldID[:]...)
	sum := blake3.Sum256(seed)
	return vmtypes.ContractIDFromBytes(sum[:])
}

// Migrate atomically replaces oldID's bytecode and state with a fresh
// deploy: newBytecode is compiled and deployed under a temporary id, init
// (if any) runs against data, and on success the temporary id's index entry
// and memory take over oldID's slot in the global contracts tree while the
// temporary id itself is discarded (§4.8 "migrate"). oldID keeps its
// identity across the swap; callers holding oldID see the new code and
// state on their next call.
func (sess *Session) Migrate(ctx context.Context, oldID vmtypes.ContractID, newBytecode []byte, data []byte, gasLimit uint64) error {
	if sess.closed {
		return fmt.Errorf("session: use of closed session")
	}
	if _, ok := sess.commit.Index[oldID]; !ok {
		return vmtypes.NewError(vmtypes.KindContractDoesNotExist, "contract %s does not exist", oldID)
	}

	tempID := MigrationTempID(oldID, newBytecode)

	owner, err := sess.owner(oldID)
	if err != nil {
		return err
	}

	if _, err := sess.Deploy(ctx, newBytecode, DeployOptions{ContractID: tempID, InitArg: data, Owner: owner}, gasLimit); err != nil {
		return vmtypes.WrapError(vmtypes.KindInitializationError, err, "migrating %s: deploying replacement", oldID)
	}

	// Deploy only updates the live contractState; fold its dirty pages into
	// the working commit's index now so Retarget has an element to move.
	if _, _, err := sess.sealWorkingCommit(); err != nil {
		return err
	}

	if _, err := sess.commit.Retarget(oldID, tempID); err != nil {
		return vmtypes.WrapError(vmtypes.KindInitializationError, err, "migrating %s: retargeting", oldID)
	}

	newState := sess.contracts[tempID]
	newState.id = oldID
	newState.owner = owner
	delete(sess.contracts, tempID)
	if old, ok := sess.contracts[oldID]; ok {
		old.mem.Close()
	}
	sess.contracts[oldID] = newState

	delete(sess.touched, tempID)
	sess.touched[oldID] = struct{}{}

	if err := sess.store.PutBytecode(oldID, newBytecode); err != nil {
		return vmtypes.WrapError(vmtypes.KindPersistenceError, err, "migrating %s: writing bytecode", oldID)
	}
	if err := sess.store.PutMetadata(oldID, vmtypes.ContractMetadata{Owner: owner, ContractID: oldID}); err != nil {
		return vmtypes.WrapError(vmtypes.KindPersistenceError, err, "migrating %s: writing metadata", oldID)
	}

	return nil
}
