// Package testutil holds fixtures shared by this module's tests: a fake
// abi.Engine standing in for a real WASM compiler/runtime (no WASM
// toolchain is available in this build environment).
package testutil

import (
	"context"
	"fmt"

	"github.com/crumblevm/crumble/pkg/abi"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// ExportFunc is one fake contract's exported function body: given the
// ArgBuffer bytes the caller placed, a mutable view of the contract's
// memory and the Host it's executing against, it returns the bytes to
// write back as the response.
type ExportFunc func(ctx context.Context, mem abi.Memory, host abi.Host, arg []byte) ([]byte, error)

// FakeModule is a Go-closure-backed stand-in for a compiled contract.
type FakeModule struct {
	Exports   map[string]ExportFunc
	ArgBufOff uint32
}

// HasExport implements abi.Module.
func (m *FakeModule) HasExport(fn string) bool {
	_, ok := m.Exports[fn]
	return ok
}

// ArgBufferOffset implements abi.Module.
func (m *FakeModule) ArgBufferOffset() (uint32, error) { return m.ArgBufOff, nil }

// Invoke implements abi.Module: it reads argLen bytes from the ArgBuffer,
// runs the matching closure, and writes the result back at the same offset.
func (m *FakeModule) Invoke(ctx context.Context, mem abi.Memory, host abi.Host, fn string, argLen uint32) (uint32, error) {
	export, ok := m.Exports[fn]
	if !ok {
		return 0, fmt.Errorf("testutil: fake module has no export %q", fn)
	}
	arg, err := mem.Read(int(m.ArgBufOff), int(argLen))
	if err != nil {
		return 0, err
	}
	resp, err := export(ctx, mem, host, arg)
	if err != nil {
		return 0, err
	}
	if err := mem.Write(int(m.ArgBufOff), resp); err != nil {
		return 0, err
	}
	return uint32(len(resp)), nil
}

// FakeEngine is an abi.Engine whose "compiled modules" are supplied ahead
// of time by test code, keyed by contract id.
type FakeEngine struct {
	Modules map[vmtypes.ContractID]*FakeModule
}

// NewFakeEngine builds an engine with no registered modules.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{Modules: make(map[vmtypes.ContractID]*FakeModule)}
}

// Register associates contractID with a fake module, as if bytecode for
// that id had been compiled.
func (e *FakeEngine) Register(contractID vmtypes.ContractID, module *FakeModule) {
	e.Modules[contractID] = module
}

// Compile implements abi.Engine. bytecode is ignored; the fake resolves
// purely by contract id, since test fixtures never produce real bytecode.
func (e *FakeEngine) Compile(ctx context.Context, contractID vmtypes.ContractID, bytecode []byte) (abi.Module, error) {
	m, ok := e.Modules[contractID]
	if !ok {
		return nil, fmt.Errorf("testutil: no fake module registered for contract %s", contractID)
	}
	return m, nil
}
