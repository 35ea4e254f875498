package session

import (
	"context"

	"github.com/crumblevm/crumble/pkg/abi"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// hostAdapter implements abi.Host for one Invoke call, delegating to
// Session's private host operations. It exists only because abi.Host
// names its top-level call method "Call" with a different signature than
// Session's own public Call/CallRaw API — splitting the two avoids a name
// clash on the same receiver.
type hostAdapter struct {
	sess *Session
}

func (h hostAdapter) Call(ctx context.Context, callee vmtypes.ContractID, fn string, arg []byte, gasLimit uint64) (*abi.CallResult, error) {
	return h.sess.hostCall(ctx, callee, fn, arg, gasLimit)
}

func (h hostAdapter) HostQuery(ctx context.Context, name string, arg []byte) ([]byte, error) {
	return h.sess.hostQuery(ctx, name, arg)
}

func (h hostAdapter) HostData(key string) ([]byte, bool) {
	return h.sess.hostData(key)
}

func (h hostAdapter) Emit(topic string, data []byte) {
	h.sess.emit(topic, data)
}

func (h hostAdapter) Feed(data []byte) error {
	return h.sess.feed(data)
}

func (h hostAdapter) Caller() (vmtypes.ContractID, bool) {
	return h.sess.caller()
}

func (h hostAdapter) SelfID() vmtypes.ContractID {
	return h.sess.selfID()
}

func (h hostAdapter) Owner(id vmtypes.ContractID) ([]byte, error) {
	return h.sess.owner(id)
}

func (h hostAdapter) Limit() uint64 {
	return h.sess.limit()
}

func (h hostAdapter) Spent() uint64 {
	return h.sess.spent()
}

func (h hostAdapter) Panic(msg []byte) {
	h.sess.panicFn(msg)
}

func (h hostAdapter) ChargeGas(units uint64) error {
	return h.sess.chargeGas(units)
}

func (h hostAdapter) Deploy(ctx context.Context, bytecode []byte, owner []byte, initArg []byte, gasLimit uint64) (vmtypes.ContractID, error) {
	return h.sess.hostDeploy(ctx, bytecode, owner, initArg, gasLimit)
}

// hostCall is the nested `c` import: a sub-call charged against the
// currently executing frame's gas budget (§4.9).
func (sess *Session) hostCall(ctx context.Context, callee vmtypes.ContractID, fn string, arg []byte, gasLimit uint64) (*abi.CallResult, error) {
	if fn == "init" {
		return &abi.CallResult{Err: vmtypes.NewError(vmtypes.KindInitializationError, "init cannot be called directly")}, nil
	}
	resp, cerr := sess.runFrame(ctx, callee, fn, arg, gasLimit, nil)
	if cerr != nil {
		return &abi.CallResult{Err: cerr}, nil
	}
	return &abi.CallResult{Data: resp}, nil
}

// hostQuery is the `hq` import: a host-registered query function, rate
// limited if one was configured via RegisterHostQuery.
func (sess *Session) hostQuery(ctx context.Context, name string, arg []byte) ([]byte, error) {
	fn, ok := sess.hostQueries[name]
	if !ok {
		return nil, vmtypes.NewError(vmtypes.KindMissingHostQuery, "host query %q is not registered", name)
	}
	if limiter, ok := sess.limiters[name]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return nil, vmtypes.WrapError(vmtypes.KindMissingHostQuery, err, "throttled waiting for host query %q", name)
		}
	}
	return fn(ctx, arg)
}

// hostData is the `hd` import's read side: session-scoped metadata set via
// Session.SetMeta.
func (sess *Session) hostData(key string) ([]byte, bool) {
	value, found, err := sess.meta.GetMeta(sess.id, key)
	if err != nil {
		return nil, false
	}
	return value, found
}

// emit is the `emit` import: records an event against the currently
// executing contract.
func (sess *Session) emit(topic string, data []byte) {
	sess.events = append(sess.events, vmtypes.Event{Source: sess.selfID(), Topic: topic, Data: data})
}

// feed is the `feed` import: pushes one blob to the active feeder call's
// channel, or fails if this invocation is not a feeder call.
func (sess *Session) feed(data []byte) error {
	if sess.feeder == nil {
		return vmtypes.NewError(vmtypes.KindMissingFeed, "feed called on a non-feeder invocation")
	}
	sess.feeder <- append([]byte(nil), data...)
	return nil
}

// caller returns the id of the contract that invoked the currently
// executing frame, or false at the top of the call tree.
func (sess *Session) caller() (vmtypes.ContractID, bool) {
	f, err := sess.calls.NthParent(1)
	if err != nil {
		return vmtypes.ContractID{}, false
	}
	return f.ContractID, true
}

// selfID returns the currently executing contract's id.
func (sess *Session) selfID() vmtypes.ContractID {
	f, err := sess.calls.NthParent(0)
	if err != nil {
		return vmtypes.ContractID{}
	}
	return f.ContractID
}

// owner looks up a contract's owner bytes, from its live state if loaded
// this session or from its on-disk metadata otherwise.
func (sess *Session) owner(id vmtypes.ContractID) ([]byte, error) {
	if st, ok := sess.contracts[id]; ok {
		return st.owner, nil
	}
	meta, err := sess.store.GetMetadata(id)
	if err != nil {
		return nil, vmtypes.WrapError(vmtypes.KindContractDoesNotExist, err, "loading owner of %s", id)
	}
	return meta.Owner, nil
}

// limit returns the currently executing frame's gas limit.
func (sess *Session) limit() uint64 {
	f, err := sess.calls.NthParent(0)
	if err != nil {
		return 0
	}
	return f.Limit
}

// spent returns the currently executing frame's gas spent so far: both its
// own execution cost (charged by the engine via ChargeGas) and the cost of
// any nested sub-calls it has made (charged directly against sess.remaining
// by their own frame exit).
func (sess *Session) spent() uint64 {
	idx := sess.calls.Cursor()
	f, err := sess.calls.NthParent(0)
	if err != nil {
		return 0
	}
	return f.Limit - sess.remaining[idx]
}

// panicFn records the `panic` import's message so the frame that is about
// to fail classifies its error as KindPanic with this text.
func (sess *Session) panicFn(msg []byte) {
	sess.lastPanicMsg = append([]byte(nil), msg...)
}

// chargeGas debits units from the currently executing frame's remaining
// budget (§4.7). The engine calls this once per function entered during a
// module's own execution, independent of the separate accounting nested `c`
// imports already get through runFrame's recursive gas sub-allocation — this
// is what makes a frame's own instructions (not just its sub-calls) actually
// consume gas.
func (sess *Session) chargeGas(units uint64) error {
	idx := sess.calls.Cursor()
	remaining := sess.remaining[idx]
	if units > remaining {
		sess.remaining[idx] = 0
		return vmtypes.NewError(vmtypes.KindOutOfGas, "gas exhausted")
	}
	sess.remaining[idx] = remaining - units
	return nil
}
