package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"lukechampine.com/blake3"

	"github.com/crumblevm/crumble/pkg/abi"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// module is the wazero-backed implementation of abi.Module. wazero owns the
// linear memory of the instance it runs; a module mirrors the caller's
// abi.Memory into that instance's memory before each invocation and copies
// it back afterward, so the CoW/dirty-tracking bookkeeping of pkg/crumbles
// stays authoritative for Merkle purposes while the actual bytecode
// executes against wazero's native memory. This mirroring is the Go/wazero-
// specific adaptation the original single-process Rust runtime (which wires
// its CoW mmap directly as the VM's backing memory) does not need; see
// DESIGN.md.
type module struct {
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	argBufLen uint32
}

// HasExport implements abi.Module.
func (m *module) HasExport(fn string) bool {
	_, ok := m.compiled.ExportedFunctions()[fn]
	return ok
}

// ArgBufferOffset implements abi.Module by instantiating the module just
// far enough to read its exported `A` global. Callers are expected to cache
// the result; it does not change across calls to the same compiled module.
func (m *module) ArgBufferOffset() (uint32, error) {
	ctx := context.Background()
	inst, err := m.instantiate(ctx, noopHost{})
	if err != nil {
		return 0, err
	}
	defer inst.Close(ctx)

	global := inst.ExportedGlobal("A")
	if global == nil {
		return 0, fmt.Errorf("engine: module has no exported global \"A\"")
	}
	return uint32(global.Get()), nil
}

// Invoke implements abi.Module.
func (m *module) Invoke(ctx context.Context, mem abi.Memory, host abi.Host, fn string, argLen uint32) (uint32, error) {
	inst, err := m.instantiate(ctx, host)
	if err != nil {
		return 0, err
	}
	defer inst.Close(ctx)

	live, err := mem.Read(0, mem.Len())
	if err != nil {
		return 0, fmt.Errorf("engine: reading caller memory: %w", err)
	}
	instMem := inst.Memory()
	if instMem == nil {
		return 0, fmt.Errorf("engine: module exports no linear memory")
	}
	if !instMem.Write(0, live) {
		return 0, fmt.Errorf("engine: mirroring %d bytes into instance memory", len(live))
	}

	if selfGlobal := inst.ExportedGlobal("SELF_ID"); selfGlobal != nil {
		selfID := host.SelfID()
		instMem.Write(uint32(selfGlobal.Get()), selfID[:])
	}

	export := inst.ExportedFunction(fn)
	if export == nil {
		return 0, fmt.Errorf("engine: module has no exported function %q", fn)
	}

	meteredCtx := experimental.WithFunctionListenerFactory(ctx, gasListenerFactory(host))

	var results []uint64
	var trapErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				switch v := r.(type) {
				case *vmtypes.ContractError:
					trapErr = v
				case error:
					trapErr = v
				default:
					trapErr = fmt.Errorf("engine: wasm trap: %v", v)
				}
			}
		}()
		results, err = export.Call(meteredCtx, uint64(argLen))
	}()
	if trapErr != nil {
		return 0, trapErr
	}
	if err != nil {
		return 0, fmt.Errorf("engine: invoking %q: %w", fn, err)
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("engine: %q returned %d results, want 1", fn, len(results))
	}

	out, ok := instMem.Read(0, instMem.Size())
	if !ok {
		return 0, fmt.Errorf("engine: reading back instance memory")
	}
	if len(out) > mem.Len() {
		growBy := uint32((len(out) - mem.Len() + mem.PageSize() - 1) / mem.PageSize())
		if _, err := mem.Grow(growBy); err != nil {
			return 0, fmt.Errorf("engine: growing caller memory to fit instance state: %w", err)
		}
	}
	if err := mem.Write(0, out); err != nil {
		return 0, fmt.Errorf("engine: writing back instance memory: %w", err)
	}

	return uint32(results[0]), nil
}

func (m *module) instantiate(ctx context.Context, host abi.Host) (api.Module, error) {
	envBuilder := m.runtime.NewHostModuleBuilder("env")
	registerHostImports(envBuilder, host, m.argBufLen)
	if _, err := envBuilder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("engine: instantiating env host module: %w", err)
	}

	cfg := wazero.NewModuleConfig()
	inst, err := m.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: instantiating compiled module: %w", err)
	}
	return inst, nil
}

// noopHost satisfies abi.Host for the metadata-only instantiation
// ArgBufferOffset performs; none of its methods are expected to be called.
type noopHost struct{}

func (noopHost) Call(context.Context, vmtypes.ContractID, string, []byte, uint64) (*abi.CallResult, error) {
	return nil, fmt.Errorf("engine: host call invoked outside a real frame")
}
func (noopHost) HostQuery(context.Context, string, []byte) ([]byte, error) { return nil, nil }
func (noopHost) HostData(string) ([]byte, bool)                           { return nil, false }
func (noopHost) Emit(string, []byte)                                      {}
func (noopHost) Feed([]byte) error                                        { return nil }
func (noopHost) Caller() (vmtypes.ContractID, bool)                       { return vmtypes.ContractID{}, false }
func (noopHost) SelfID() vmtypes.ContractID                               { return vmtypes.ContractID{} }
func (noopHost) Owner(vmtypes.ContractID) ([]byte, error)                 { return nil, nil }
func (noopHost) Limit() uint64                                            { return 0 }
func (noopHost) Spent() uint64                                            { return 0 }
func (noopHost) Panic([]byte)                                             {}
func (noopHost) ChargeGas(uint64) error                                   { return nil }
func (noopHost) Deploy(context.Context, []byte, []byte, []byte, uint64) (vmtypes.ContractID, error) {
	return vmtypes.ContractID{}, fmt.Errorf("engine: deploy invoked outside a real frame")
}

func blake3Sum(data []byte) [32]byte {
	return blake3.Sum256(data)
}
