// Package engine is the production abi.Engine: a wazero-backed compiler and
// runtime for the WASM-family bytecode contracts are written in. Compiled
// modules are cached on disk (wazero's own compilation cache) and
// deduplicated in-process with singleflight so concurrent first-touches of
// the same contract only compile once (§4.3, §5 "compiled-module cache:
// concurrent, keyed by contract id + bytecode hash").
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/singleflight"

	"github.com/crumblevm/crumble/pkg/abi"
	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// Engine is the wazero-backed abi.Engine implementation.
type Engine struct {
	runtime   wazero.Runtime
	group     singleflight.Group
	argBufLen uint32

	mu     sync.Mutex
	cached map[cacheKey]*module
}

type cacheKey struct {
	contract vmtypes.ContractID
	bytecode vmtypes.Hash
}

// New builds an Engine whose compiled-module blobs are cached below
// cacheDir (empty disables on-disk caching, keeping compiled modules
// in-process only). argBufLen is the fixed ArgBuffer window size (§6,
// pkg/config.DefaultArgBufLen) every host import's length-bearing argument
// is validated against before it ever touches a module's linear memory.
func New(ctx context.Context, cacheDir string, argBufLen uint32) (*Engine, error) {
	rtConfig := wazero.NewRuntimeConfig()
	if cacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("engine: opening compilation cache at %s: %w", cacheDir, err)
		}
		rtConfig = rtConfig.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	return &Engine{runtime: rt, argBufLen: argBufLen, cached: make(map[cacheKey]*module)}, nil
}

// Close releases the underlying wazero runtime and every module it
// compiled.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Compile implements abi.Engine, compiling bytecode for contractID once and
// reusing the result for subsequent calls to the same (id, bytecode) pair.
// Concurrent misses for the same key are deduplicated by singleflight
// rather than each paying the compile cost.
func (e *Engine) Compile(ctx context.Context, contractID vmtypes.ContractID, bytecode []byte) (abi.Module, error) {
	key := cacheKey{contract: contractID, bytecode: vmtypes.Hash(blake3Sum(bytecode))}

	e.mu.Lock()
	if m, ok := e.cached[key]; ok {
		e.mu.Unlock()
		return m, nil
	}
	e.mu.Unlock()

	result, err, _ := e.group.Do(key.String(), func() (interface{}, error) {
		compiled, err := e.runtime.CompileModule(ctx, bytecode)
		if err != nil {
			return nil, fmt.Errorf("engine: compiling contract %s: %w", contractID, err)
		}
		m := &module{runtime: e.runtime, compiled: compiled, argBufLen: e.argBufLen}

		e.mu.Lock()
		e.cached[key] = m
		e.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*module), nil
}

func (k cacheKey) String() string {
	return k.contract.String() + ":" + k.bytecode.String()
}
