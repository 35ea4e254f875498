package session

import (
	"context"
	"errors"

	"github.com/crumblevm/crumble/pkg/abi"
	"github.com/crumblevm/crumble/pkg/crumbles"
	"github.com/crumblevm/crumble/pkg/memory"
	"github.com/crumblevm/crumble/pkg/merkle"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// loadOrGetContract returns id's live contractState, constructing it on
// first touch this session from its stored bytecode, metadata, and
// history of dirtied pages. The page tree is seeded from every page the
// index element names as touched, not just this session's own writes, so
// its root keeps matching the one already recorded on disk as further
// pages are added (pkg/store/store_test.go's shared-pageTree pattern).
func (sess *Session) loadOrGetContract(ctx context.Context, id vmtypes.ContractID) (*contractState, error) {
	if st, ok := sess.contracts[id]; ok {
		return st, nil
	}
	elem, ok := sess.commit.Index[id]
	if !ok {
		return nil, vmtypes.NewError(vmtypes.KindDoesNotExist, "contract %s does not exist", id)
	}

	bytecode, err := sess.store.GetBytecode(id)
	if err != nil {
		return nil, vmtypes.WrapError(vmtypes.KindPersistenceError, err, "loading bytecode for %s", id)
	}
	module, err := sess.eng.Compile(ctx, id, bytecode)
	if err != nil {
		return nil, vmtypes.WrapError(vmtypes.KindInitializationError, err, "compiling %s", id)
	}
	argBufOff, err := module.ArgBufferOffset()
	if err != nil {
		return nil, vmtypes.WrapError(vmtypes.KindInitializationError, err, "reading ArgBuffer offset of %s", id)
	}
	meta, err := sess.store.GetMetadata(id)
	if err != nil {
		return nil, vmtypes.WrapError(vmtypes.KindPersistenceError, err, "loading metadata for %s", id)
	}

	pageSize := sess.cfg.PageSize
	loader := crumbles.LoadPageFunc(func(pageIndex int, buf []byte) (int, error) {
		data, err := sess.store.ResolvePage(id, sess.base, uint64(pageIndex), pageSize)
		if err != nil {
			return 0, err
		}
		return copy(buf, data), nil
	})
	curPages := uint32(elem.CurrentLen / uint64(pageSize))
	mem, err := memory.WithLoader(elem.Flavor, pageSize, curPages, loader)
	if err != nil {
		return nil, vmtypes.WrapError(vmtypes.KindInitializationError, err, "reconstructing memory for %s", id)
	}

	pageTree, err := merkle.NewPageTree(elem.Flavor)
	if err != nil {
		mem.Close()
		return nil, err
	}
	for _, idx := range elem.TouchedPages {
		data, err := sess.store.ResolvePage(id, sess.base, idx, pageSize)
		if err != nil {
			mem.Close()
			return nil, vmtypes.WrapError(vmtypes.KindPersistenceError, err, "replaying page %d of %s", idx, id)
		}
		if err := merkle.UpdatePage(pageTree, idx, data); err != nil {
			mem.Close()
			return nil, err
		}
	}

	st := &contractState{id: id, module: module, mem: mem, flavor: elem.Flavor, argBufOff: argBufOff, owner: meta.Owner, pageTree: pageTree}
	sess.contracts[id] = st
	return st, nil
}

// runFrame executes one call-tree frame end to end: gas sub-allocation,
// push, snap, argument copy, invocation, and either the success or failure
// half of frame exit (§4.7). It is used uniformly for a genuine top-level
// call (calls.Empty() at entry), a nested `c` import invocation, and
// Deploy's own `init` call.
func (sess *Session) runFrame(ctx context.Context, calleeID vmtypes.ContractID, fn string, arg []byte, requestedLimit uint64, feeder chan []byte) ([]byte, *vmtypes.ContractError) {
	topLevel := sess.calls.Empty()

	st, err := sess.loadOrGetContract(ctx, calleeID)
	if err != nil {
		return nil, wrapHostErr(err)
	}
	if fn != "init" && !st.module.HasExport(fn) {
		return nil, vmtypes.NewError(vmtypes.KindDoesNotExist, "contract %s has no export %q", calleeID, fn)
	}

	limit := requestedLimit
	if !topLevel {
		parent := sess.calls.Cursor()
		callerRemaining := sess.remaining[parent]
		reserved := callerRemaining * uint64(sess.cfg.GasReservePercent) / 100
		if requestedLimit == 0 || requestedLimit > callerRemaining {
			limit = reserved
		}
		if limit > callerRemaining {
			limit = callerRemaining
		}
	}

	memLenAtEntry := uint64(st.mem.Len())
	idx := sess.calls.Push(calleeID, limit, memLenAtEntry)
	sess.remaining[idx] = limit

	if err := st.mem.Snap(); err != nil {
		sess.failFrame(topLevel, idx)
		return nil, vmtypes.WrapError(vmtypes.KindMemorySnapshotFailure, err, "snapping %s", calleeID)
	}

	argBuf := abi.NewArgBuffer(st.mem, int(st.argBufOff), sess.cfg.ArgBufLen)
	if err := argBuf.Write(arg); err != nil {
		sess.failFrame(topLevel, idx)
		return nil, vmtypes.WrapError(vmtypes.KindMemoryAccessOutOfBounds, err, "writing argument to %s", calleeID)
	}

	prevFeeder := sess.feeder
	sess.feeder = feeder
	sess.lastPanicMsg = nil
	respLen, invokeErr := st.module.Invoke(ctx, st.mem, hostAdapter{sess}, fn, uint32(len(arg)))
	sess.feeder = prevFeeder

	if invokeErr != nil {
		cerr := sess.classifyError(invokeErr, calleeID)
		sess.failFrame(topLevel, idx)
		return nil, cerr
	}

	resp, err := argBuf.Read(int(respLen))
	if err != nil {
		cerr := vmtypes.WrapError(vmtypes.KindMemoryAccessOutOfBounds, err, "reading response from %s", calleeID)
		sess.failFrame(topLevel, idx)
		return nil, cerr
	}

	order := sess.calls.Iter()
	spent := limit - sess.remaining[idx]
	if _, err := sess.calls.MoveUp(spent); err != nil {
		return nil, vmtypes.WrapError(vmtypes.KindUnknown, err, "moving up from %s", calleeID)
	}
	delete(sess.remaining, idx)

	if !topLevel {
		parent := sess.calls.Cursor()
		sess.remaining[parent] -= spent
		return resp, nil
	}

	for _, f := range order {
		if fst, ok := sess.contracts[f.ContractID]; ok {
			if err := fst.mem.Apply(); err != nil {
				return nil, vmtypes.WrapError(vmtypes.KindMemorySnapshotFailure, err, "applying %s", f.ContractID)
			}
		}
	}
	sess.calls.Clear()
	sess.remaining = make(map[int]uint64)
	return resp, nil
}

// failFrame is the memory half of frame-exit failure (§4.7): every live
// frame in the cursor's subtree — including siblings that already
// succeeded earlier in the same call, since they remain structural
// children — is reverted in rightmost-first order, then the failing
// frame's own subtree is pruned from the tree and its full limit charged
// to its caller.
func (sess *Session) failFrame(topLevel bool, idx int) {
	order := sess.calls.Iter()
	for _, f := range order {
		if st, ok := sess.contracts[f.ContractID]; ok {
			_ = st.mem.Revert()
			_ = st.mem.Restore(f.MemLenAtEntry)
		}
	}

	frame, err := sess.calls.MoveUpPrune()
	delete(sess.remaining, idx)
	if err != nil {
		return
	}

	if topLevel {
		sess.calls.Clear()
		sess.remaining = make(map[int]uint64)
		return
	}
	parent := sess.calls.Cursor()
	sess.remaining[parent] -= frame.Limit
}

// classifyError turns a Go error returned by Module.Invoke into the
// *vmtypes.ContractError a caller observes, preferring an explicit
// ContractError, then a recorded `panic` import message, then a generic
// wrap.
func (sess *Session) classifyError(err error, source vmtypes.ContractID) *vmtypes.ContractError {
	var ce *vmtypes.ContractError
	if errors.As(err, &ce) {
		return ce
	}
	if sess.lastPanicMsg != nil {
		msg := string(sess.lastPanicMsg)
		sess.lastPanicMsg = nil
		ce := vmtypes.NewError(vmtypes.KindPanic, "%s", msg)
		ce.Source = source
		return ce
	}
	return vmtypes.WrapError(vmtypes.KindUnknown, err, "contract %s execution failed", source)
}

func wrapHostErr(err error) *vmtypes.ContractError {
	var ce *vmtypes.ContractError
	if errors.As(err, &ce) {
		return ce
	}
	return vmtypes.WrapError(vmtypes.KindUnknown, err, "host error")
}
