package abi

import (
	"context"

	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// Host is the set of env-namespace operations a compiled contract's host
// imports are wired against (§4.9). A Session implements Host and hands it
// to the Engine for the duration of one call.
type Host interface {
	// Call invokes another contract's exported function, returning its
	// receipt (the `c` import).
	Call(ctx context.Context, callee vmtypes.ContractID, fn string, arg []byte, gasLimit uint64) (*CallResult, error)
	// HostQuery invokes a host-registered query function by name (the `hq`
	// import).
	HostQuery(ctx context.Context, name string, arg []byte) ([]byte, error)
	// HostData reads session-scoped metadata by key (the `hd` import).
	HostData(key string) ([]byte, bool)
	// Emit records an event on the current frame (the `emit` import).
	Emit(topic string, data []byte)
	// Feed sends a blob to the feeder channel (the `feed` import); it
	// returns an error for non-feeder calls.
	Feed(data []byte) error
	// Caller returns the calling contract's id, and false at the top level.
	Caller() (vmtypes.ContractID, bool)
	// SelfID returns the currently executing contract's id.
	SelfID() vmtypes.ContractID
	// Owner returns the owner bytes of a given contract.
	Owner(id vmtypes.ContractID) ([]byte, error)
	// Limit returns the current frame's gas limit.
	Limit() uint64
	// Spent returns the current frame's gas spent so far.
	Spent() uint64
	// Panic aborts the current call with msg, the `panic` import.
	Panic(msg []byte)
	// Deploy creates a new contract from a running contract's own call
	// chain (the `deploy` import, §4.8). Each nested deploy is atomic on
	// its own: independent of whatever happens afterward to the frame
	// that triggered it.
	Deploy(ctx context.Context, bytecode []byte, owner []byte, initArg []byte, gasLimit uint64) (vmtypes.ContractID, error)
	// ChargeGas debits units from the currently executing frame's remaining
	// budget, returning a *vmtypes.ContractError of KindOutOfGas once the
	// frame's limit is exhausted. Called once per function entered during
	// execution, the engine's own-execution metering mechanism (§4.7).
	ChargeGas(units uint64) error
}

// CallResult is what a contract-to-contract call returns through the `c`
// import: success/failure plus the raw ArgBuffer bytes of the callee's
// response.
type CallResult struct {
	Err  *vmtypes.ContractError
	Data []byte
}

// Engine compiles and invokes contract bytecode. The production
// implementation (pkg/engine) wraps wazero; tests drive a fakeEngine of
// Go closures instead, since no WASM toolchain is available in this build
// environment (see DESIGN.md).
type Engine interface {
	// Compile prepares bytecode for repeated invocation, returning an
	// opaque handle. Implementations are expected to cache by (contractID,
	// bytecode hash).
	Compile(ctx context.Context, contractID vmtypes.ContractID, bytecode []byte) (Module, error)
}

// Module is one compiled contract, ready to be invoked against a linear
// memory and a Host.
type Module interface {
	// Invoke calls the exported function named fn. argLen is the number of
	// live bytes the caller has already placed at the start of the
	// callee's ArgBuffer; the return value is the number of response bytes
	// the callee wrote back to the same buffer.
	Invoke(ctx context.Context, mem Memory, host Host, fn string, argLen uint32) (respLen uint32, err error)
	// HasExport reports whether fn is an exported function of this module,
	// used to distinguish "init exists" and to validate call targets
	// before invocation.
	HasExport(fn string) bool
	// ArgBufferOffset returns the byte offset of the module's exported `A`
	// global: the ArgBuffer's location in its own linear memory.
	ArgBufferOffset() (uint32, error)
}

// Memory is the linear-memory surface a Module needs, satisfied by
// *pkg/memory.Memory. It is a narrow interface so Module implementations
// (real or fake) never depend on the memory package's concrete type.
type Memory interface {
	MemoryAccessor
	Len() int
	Grow(deltaPages uint32) (uint32, error)
	PageSize() int
}
