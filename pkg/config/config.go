// Package config holds the process-wide constants and operator-tunable
// settings of the substrate: page geometry, the ArgBuffer window, the gas
// reserve fraction, and the on-disk locations of the commit store and the
// compiled-module cache.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MemoryFlavor distinguishes 32-bit from 64-bit contract linear memories
// (§3.1): the flavor bounds the maximum page count and therefore the height
// of the per-contract page Merkle tree (§4.4).
type MemoryFlavor string

func (f MemoryFlavor) String() string {
	return string(f)
}

const (
	FlavorWasm32 MemoryFlavor = "wasm32"
	FlavorWasm64 MemoryFlavor = "wasm64"
)

// MaxPages returns the maximum number of pages addressable by the flavor.
func (f MemoryFlavor) MaxPages() (uint32, error) {
	switch f {
	case FlavorWasm32:
		return 1 << 16, nil // 2^16 leaves, height 8 arity 4
	case FlavorWasm64:
		return 1 << 26, nil // 2^26 leaves, height 13 arity 4
	default:
		return 0, fmt.Errorf("config: unsupported memory flavor %q", f)
	}
}

// PageTreeHeight returns the height of the arity-4 per-contract page Merkle
// tree for the flavor (§4.4).
func (f MemoryFlavor) PageTreeHeight() (int, error) {
	switch f {
	case FlavorWasm32:
		return 8, nil
	case FlavorWasm64:
		return 13, nil
	default:
		return 0, fmt.Errorf("config: unsupported memory flavor %q", f)
	}
}

const (
	// DefaultPageSize is the fixed page size of §6: 64 KiB.
	DefaultPageSize = 64 * 1024

	// DefaultArgBufLen is the fixed ArgBuffer size of §6: 64 KiB.
	DefaultArgBufLen = 64 * 1024

	// ContractIDLen is the fixed width of a contract id, in bytes (§6).
	ContractIDLen = 32

	// ContractsTreeHeight is the height of the global contracts Merkle tree
	// (§4.4): height 32, arity 2.
	ContractsTreeHeight = 32

	// ContractsTreeArity is the branching factor of the global tree.
	ContractsTreeArity = 2

	// PageTreeArity is the branching factor of the per-contract page tree.
	PageTreeArity = 4

	// DefaultGasReservePercent is the fraction of the caller's remaining gas
	// passed to a callee when it requests no explicit limit (§4.7, §6's
	// "93% rule"). Expressed as parts-per-hundred so the substrate's
	// arithmetic stays in integers.
	DefaultGasReservePercent = 93
)

// Config is the full set of operator-tunable settings for a store + session
// runtime. Zero-value fields are filled in by WithDefaults before use.
type Config struct {
	// PageSize is the page granularity of CoW dirty tracking and of the
	// per-contract page Merkle tree. Must be a positive multiple of the OS
	// page size (§8 "Boundary behaviors").
	PageSize int `yaml:"pageSize"`

	// ArgBufLen is the size of the fixed ArgBuffer window inside every
	// contract's linear memory.
	ArgBufLen int `yaml:"argBufLen"`

	// GasReservePercent is the §4.7 reserve fraction, 0 < p <= 100.
	GasReservePercent int `yaml:"gasReservePercent"`

	// StoreRoot is the root directory of the commit store's on-disk layout
	// (§6): main/, memory/, leaf/, and per-commit directories.
	StoreRoot string `yaml:"storeRoot"`

	// EngineCacheDir is where compiled WASM module blobs are persisted
	// (§4.3); if empty, compiled blobs are kept in memory only.
	EngineCacheDir string `yaml:"engineCacheDir"`

	// MetaStoreBackend selects the pkg/metastore backend: "memory",
	// "badger", or "redis".
	MetaStoreBackend string `yaml:"metaStoreBackend"`

	// MetaStoreDSN is the backend-specific connection string (a filesystem
	// path for badger, a "host:port" for redis; unused for memory).
	MetaStoreDSN string `yaml:"metaStoreDsn"`
}

// LoadFile reads a YAML config document from path. Fields left unset in the
// file keep their zero value, to be filled by a later WithDefaults call or
// overridden by CLI flags.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: reading %s", path)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, errors.Wrapf(err, "config: parsing %s", path)
	}
	return c, nil
}

// Default returns a Config with every field set to its documented default.
func Default() Config {
	return Config{
		PageSize:          DefaultPageSize,
		ArgBufLen:         DefaultArgBufLen,
		GasReservePercent: DefaultGasReservePercent,
		StoreRoot:         "./crumble-store",
		EngineCacheDir:    "./crumble-store/engine-cache",
		MetaStoreBackend:  "memory",
	}
}

// WithDefaults fills any zero-valued field of c from Default(), leaving
// explicitly-set fields untouched.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}
	if c.ArgBufLen == 0 {
		c.ArgBufLen = d.ArgBufLen
	}
	if c.GasReservePercent == 0 {
		c.GasReservePercent = d.GasReservePercent
	}
	if c.StoreRoot == "" {
		c.StoreRoot = d.StoreRoot
	}
	if c.EngineCacheDir == "" {
		c.EngineCacheDir = d.EngineCacheDir
	}
	if c.MetaStoreBackend == "" {
		c.MetaStoreBackend = d.MetaStoreBackend
	}
	return c
}

// Validate checks the invariants §8 requires at construction time: page size
// must be a positive multiple of the OS page size.
func (c Config) Validate(osPageSize int) error {
	if c.PageSize <= 0 {
		return fmt.Errorf("config: page size must be positive, got %d", c.PageSize)
	}
	if c.PageSize%osPageSize != 0 {
		return fmt.Errorf("config: page size %d must be a multiple of the OS page size %d", c.PageSize, osPageSize)
	}
	if c.ArgBufLen <= 0 {
		return fmt.Errorf("config: arg buffer length must be positive, got %d", c.ArgBufLen)
	}
	if c.GasReservePercent <= 0 || c.GasReservePercent > 100 {
		return fmt.Errorf("config: gas reserve percent must be in (0, 100], got %d", c.GasReservePercent)
	}
	return nil
}
