package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/crumblevm/crumble/pkg/abi"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// argBufOffset reads the calling module's exported `A` global: the
// well-known location of its ArgBuffer (§4.9).
func argBufOffset(mod api.Module) uint32 {
	g := mod.ExportedGlobal("A")
	if g == nil {
		return 0
	}
	return uint32(g.Get())
}

// readArgBuf copies length bytes out of the calling module's ArgBuffer.
// length is contract-supplied and must be checked against argBufLen before
// it ever reaches mod.Memory(): §4.9 "every pointer and length must be
// validated against arg_len <= ARGBUF_LEN before use; an out-of-bounds
// access is a fatal frame error", not a contract-catchable one, so a
// violation panics instead of returning a negative result code.
func readArgBuf(mod api.Module, argBufLen, length uint32) []byte {
	if length > argBufLen {
		panic(vmtypes.NewError(vmtypes.KindMemoryAccessOutOfBounds, "arg length %d exceeds ArgBuffer capacity %d", length, argBufLen))
	}
	mem := mod.Memory()
	data, ok := mem.Read(argBufOffset(mod), length)
	if !ok {
		panic(vmtypes.NewError(vmtypes.KindMemoryAccessOutOfBounds, "reading %d bytes from ArgBuffer", length))
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// writeArgBuf copies data into the calling module's ArgBuffer, fatally
// aborting rather than truncating or silently dropping bytes that would
// overrun it (§4.9, same invariant as readArgBuf).
func writeArgBuf(mod api.Module, argBufLen uint32, data []byte) uint32 {
	if uint32(len(data)) > argBufLen {
		panic(vmtypes.NewError(vmtypes.KindMemoryAccessOutOfBounds, "response length %d exceeds ArgBuffer capacity %d", len(data), argBufLen))
	}
	mem := mod.Memory()
	if !mem.Write(argBufOffset(mod), data) {
		panic(vmtypes.NewError(vmtypes.KindMemoryAccessOutOfBounds, "writing %d bytes to ArgBuffer", len(data)))
	}
	return uint32(len(data))
}

func readName(mod api.Module, ptr, length uint32) string {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return ""
	}
	return string(data)
}

// registerHostImports wires the env namespace of §4.9 against host, using
// wazero's GoModuleFunction form so each closure can reach the calling
// instance's own memory and ArgBuffer global directly — grounded on the
// HostModuleBuilder pattern present across the example pack's wazero
// consumers (see DESIGN.md).
func registerHostImports(b wazero.HostModuleBuilder, host abi.Host, argBufLen uint32) {
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			idPtr, namePtr, nameLen, argLen, gasLimit := uint32(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3]), stack[4]
			idBytes, ok := mod.Memory().Read(idPtr, vmtypes.ContractIDLen)
			if !ok {
				stack[0] = negResult(vmtypes.KindMemoryAccessOutOfBounds)
				return
			}
			callee := vmtypes.ContractIDFromBytes(idBytes)
			name := readName(mod, namePtr, nameLen)
			arg := readArgBuf(mod, argBufLen, argLen)

			result, err := host.Call(ctx, callee, name, arg, gasLimit)
			if err != nil || result.Err != nil {
				kind := errorKind(err, result)
				if kind.Fatal() {
					// Memory-substrate and persistence failures are never
					// contract-catchable (§7): panic instead of handing the
					// caller a negative result code it could inspect and
					// ignore, so the failure keeps unwinding through every
					// enclosing frame's own recover wrapper up to the
					// session caller.
					if ce, ok := err.(*vmtypes.ContractError); ok {
						panic(ce)
					}
					panic(result.Err)
				}
				stack[0] = negResult(kind)
				return
			}
			writeArgBuf(mod, argBufLen, result.Data)
			stack[0] = uint64(0)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI64}, []api.ValueType{api.ValueTypeI32}).
		Export("c")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			namePtr, nameLen, argLen := uint32(stack[0]), uint32(stack[1]), uint32(stack[2])
			name := readName(mod, namePtr, nameLen)
			arg := readArgBuf(mod, argBufLen, argLen)
			resp, err := host.HostQuery(ctx, name, arg)
			if err != nil {
				stack[0] = 0
				return
			}
			stack[0] = uint64(writeArgBuf(mod, argBufLen, resp))
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("hq")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			namePtr, nameLen := uint32(stack[0]), uint32(stack[1])
			name := readName(mod, namePtr, nameLen)
			data, ok := host.HostData(name)
			if !ok {
				stack[0] = 0
				return
			}
			stack[0] = uint64(writeArgBuf(mod, argBufLen, data))
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("hd")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			topicPtr, topicLen, argLen := uint32(stack[0]), uint32(stack[1]), uint32(stack[2])
			topic := readName(mod, topicPtr, topicLen)
			data := readArgBuf(mod, argBufLen, argLen)
			host.Emit(topic, data)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("emit")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			argLen := uint32(stack[0])
			_ = host.Feed(readArgBuf(mod, argBufLen, argLen))
		}), []api.ValueType{api.ValueTypeI32}, nil).
		Export("feed")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			id, ok := host.Caller()
			if !ok {
				return
			}
			writeArgBuf(mod, argBufLen, id[:])
		}), nil, nil).
		Export("caller")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			id := host.SelfID()
			writeArgBuf(mod, argBufLen, id[:])
		}), nil, nil).
		Export("self_id")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			idPtr := uint32(stack[0])
			idBytes, ok := mod.Memory().Read(idPtr, vmtypes.ContractIDLen)
			if !ok {
				stack[0] = negResult(vmtypes.KindMemoryAccessOutOfBounds)
				return
			}
			owner, err := host.Owner(vmtypes.ContractIDFromBytes(idBytes))
			if err != nil {
				var ce *vmtypes.ContractError
				if asContractError(err, &ce) {
					stack[0] = negResult(ce.Kind)
					return
				}
				stack[0] = negResult(vmtypes.KindContractDoesNotExist)
				return
			}
			stack[0] = uint64(writeArgBuf(mod, argBufLen, owner))
		}), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("owner")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = host.Limit()
		}), nil, []api.ValueType{api.ValueTypeI64}).
		Export("limit")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = host.Spent()
		}), nil, []api.ValueType{api.ValueTypeI64}).
		Export("spent")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			argLen := uint32(stack[0])
			host.Panic(readArgBuf(mod, argBufLen, argLen))
		}), []api.ValueType{api.ValueTypeI32}, nil).
		Export("panic")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			bcPtr, bcLen := uint32(stack[0]), uint32(stack[1])
			ownerPtr, ownerLen := uint32(stack[2]), uint32(stack[3])
			initLen := uint32(stack[4])
			gasLimit := stack[5]

			bytecode, ok := mod.Memory().Read(bcPtr, bcLen)
			if !ok {
				stack[0] = negResult(vmtypes.KindMemoryAccessOutOfBounds)
				return
			}
			var owner []byte
			if ownerLen > 0 {
				owner, ok = mod.Memory().Read(ownerPtr, ownerLen)
				if !ok {
					stack[0] = negResult(vmtypes.KindMemoryAccessOutOfBounds)
					return
				}
			}
			// The init argument travels through the caller's own
			// ArgBuffer, the same convention every other import uses for
			// its variable-length payload.
			initArg := readArgBuf(mod, argBufLen, initLen)

			id, err := host.Deploy(ctx, bytecode, owner, initArg, gasLimit)
			if err != nil {
				var ce *vmtypes.ContractError
				if asContractError(err, &ce) {
					stack[0] = negResult(ce.Kind)
					return
				}
				stack[0] = negResult(vmtypes.KindInitializationError)
				return
			}
			writeArgBuf(mod, argBufLen, id[:])
			stack[0] = uint64(0)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI64}, []api.ValueType{api.ValueTypeI32}).
		Export("deploy")
}

// asContractError is errors.As without importing the "errors" package
// twice across this file's two error-classification call sites.
func asContractError(err error, target **vmtypes.ContractError) bool {
	ce, ok := err.(*vmtypes.ContractError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

// gasListenerFactory charges one gas unit against the currently executing
// frame on every function entered while a module runs: the own-execution
// half of §4.7's metering (sub-calls get charged separately, by runFrame,
// when a nested `c` import returns). Grounded on wazero's
// experimental.FunctionListenerFactory hook, the same call-boundary
// observation mechanism the call-depth-limiting engine in the example pack
// uses instead of instrumenting the compiled bytecode itself.
func gasListenerFactory(host abi.Host) experimental.FunctionListenerFactory {
	return experimental.FunctionListenerFactoryFunc(func(def api.FunctionDefinition) experimental.FunctionListener {
		return experimental.FunctionListenerFunc(func(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, stack experimental.StackIterator) {
			if err := host.ChargeGas(1); err != nil {
				panic(err)
			}
		})
	})
}

// negResult encodes a ContractError kind as the negative i32 return value
// of §4.9's `c` import.
func negResult(kind vmtypes.ErrorKind) uint64 {
	return uint64(uint32(-int32(kind) - 1))
}

func errorKind(err error, result *abi.CallResult) vmtypes.ErrorKind {
	if result != nil && result.Err != nil {
		return result.Err.Kind
	}
	if kerr, ok := err.(*vmtypes.ContractError); ok {
		return kerr.Kind
	}
	return vmtypes.KindUnknown
}
