// Package abi is the host-visible contract ABI of §4.9: a fixed-size
// ArgBuffer window inside a contract's linear memory, the set of env-
// namespace host imports wired against it, and the Engine interface a
// session drives to actually invoke compiled contract code.
//
// A zero-copy length-prefixed encoding replaces the teacher's go-ethereum
// ABI string encoder (see DESIGN.md for why: this substrate's encoding has
// no Solidity-compatibility requirement, only the determinism, bounds-
// checking and ARGBUF_LEN-fit properties §9 calls out) — built on
// encoding/binary rather than a third-party codec because the scratch
// format here is a single bounded byte buffer, not a schema'd wire protocol;
// see DESIGN.md for the stdlib justification.
package abi

import (
	"encoding/binary"
	"fmt"
)

// ArgBuffer is a bounds-checked view over a contract's fixed-size argument
// window (§3.1, §6: "64 KiB, fixed").
type ArgBuffer struct {
	mem    MemoryAccessor
	offset int
	length int
}

// MemoryAccessor is the minimal read/write surface ArgBuffer needs from a
// contract's linear memory, satisfied by *pkg/memory.Memory.
type MemoryAccessor interface {
	Read(offset, length int) ([]byte, error)
	Write(offset int, src []byte) error
}

// NewArgBuffer builds an ArgBuffer view at [offset, offset+length) of mem.
func NewArgBuffer(mem MemoryAccessor, offset, length int) *ArgBuffer {
	return &ArgBuffer{mem: mem, offset: offset, length: length}
}

// Len returns the ArgBuffer's fixed capacity.
func (a *ArgBuffer) Len() int { return a.length }

// checkBounds enforces §4.9: "Every pointer and length must be validated
// against ... arg_len <= ARGBUF_LEN before use; an out-of-bounds access is
// a fatal frame error."
func (a *ArgBuffer) checkBounds(length int) error {
	if length < 0 || length > a.length {
		return fmt.Errorf("abi: arg length %d exceeds ArgBuffer capacity %d", length, a.length)
	}
	return nil
}

// Read copies length bytes out of the ArgBuffer.
func (a *ArgBuffer) Read(length int) ([]byte, error) {
	if err := a.checkBounds(length); err != nil {
		return nil, err
	}
	return a.mem.Read(a.offset, length)
}

// Write copies data into the start of the ArgBuffer.
func (a *ArgBuffer) Write(data []byte) error {
	if err := a.checkBounds(len(data)); err != nil {
		return err
	}
	return a.mem.Write(a.offset, data)
}

// EncodeBytes writes a length-prefixed byte string: a deterministic,
// self-describing unit the ABI's zero-copy format builds records out of.
func EncodeBytes(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out, uint32(len(b)))
	copy(out[4:], b)
	return out
}

// DecodeBytes reads one EncodeBytes record from the front of buf, returning
// the value and the number of bytes consumed.
func DecodeBytes(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("abi: buffer too short for length prefix")
	}
	n := int(binary.BigEndian.Uint32(buf))
	if 4+n > len(buf) {
		return nil, 0, fmt.Errorf("abi: declared length %d exceeds buffer of %d bytes", n, len(buf)-4)
	}
	return buf[4 : 4+n], 4 + n, nil
}
