package crumbles

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ensurePage guarantees page idx is materialized and, for a write access,
// that the top snapshot holds its clean pre-image before any bytes change.
//
// The original design discovers this lazily from an actual SIGSEGV/SIGBUS:
// the first touch (read or write) faults on a PROT_NONE page and the handler
// reopens it PROT_READ; a subsequent write then faults again on the
// now-read-only page and the handler captures the pre-image before reopening
// it PROT_READ|PROT_WRITE. Go call sites already know read-vs-write intent
// (ReadAt vs WriteAt), so this drives the same two transitions explicitly
// instead of waiting for hardware faults, while still keeping the region's
// real mprotect bits in sync with what has been touched (§4.1).
func (m *Mmap) ensurePage(idx int, write bool) error {
	if idx < 0 || idx >= m.pageCount {
		return fmt.Errorf("crumbles: page index %d out of range [0, %d)", idx, m.pageCount)
	}

	if !m.mapped[idx] {
		start, end := m.pageBounds(idx)
		if err := m.protectPage(idx, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return err
		}
		if _, err := m.loader.Load(idx, m.data[start:end]); err != nil {
			return fmt.Errorf("crumbles: loading page %d: %w", idx, err)
		}
		m.mapped[idx] = true
	}

	top := m.top()
	if write {
		if _, dirtied := top.pre[idx]; !dirtied {
			start, end := m.pageBounds(idx)
			pre := make([]byte, m.pageSize)
			copy(pre, m.data[start:end])
			top.pre[idx] = pre
		}
		top.hit[idx] = true
		return m.protectPage(idx, unix.PROT_READ|unix.PROT_WRITE)
	}

	top.hit[idx] = true
	if _, dirtied := top.pre[idx]; dirtied {
		return m.protectPage(idx, unix.PROT_READ|unix.PROT_WRITE)
	}
	return m.protectPage(idx, unix.PROT_READ)
}

// pagesSpanning returns the inclusive page index range [first, last] covered
// by the byte range [offset, offset+length).
func (m *Mmap) pagesSpanning(offset, length int) (int, int) {
	first := offset / m.pageSize
	if length == 0 {
		return first, first - 1
	}
	last := (offset + length - 1) / m.pageSize
	return first, last
}

// ReadAt copies length bytes starting at offset into a new slice, faulting
// in any not-yet-materialized pages along the way.
func (m *Mmap) ReadAt(offset, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRange(offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	first, last := m.pagesSpanning(offset, length)
	for idx := first; idx <= last; idx++ {
		if err := m.ensurePage(idx, false); err != nil {
			return nil, err
		}
	}

	out := make([]byte, length)
	if err := m.guardedCopy(out, m.data[offset:offset+length], first, last, false); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteAt copies src into the region at offset, faulting in and marking
// dirty any pages it touches.
func (m *Mmap) WriteAt(offset int, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRange(offset, len(src)); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}

	first, last := m.pagesSpanning(offset, len(src))
	for idx := first; idx <= last; idx++ {
		if err := m.ensurePage(idx, true); err != nil {
			return err
		}
	}

	return m.guardedCopy(m.data[offset:offset+len(src)], src, first, last, true)
}

// faultError reports whether err is the recoverable runtime error that
// debug.SetPanicOnFault converts an invalid memory access into.
func faultError(err error) bool {
	var re runtime.Error
	if !errors.As(err, &re) {
		return false
	}
	// The concrete type (runtime.errorAddressString) is unexported, so any
	// runtime.Error is treated as a fault; the message is not inspected.
	return true
}

// guardedCopy performs a plain slice copy, recovering from the rare case
// where an ensurePage race or bug left the accessed pages under-protected.
// On recovery it re-runs ensurePage for the whole span and retries, up to
// faultRetryLimit times — the software analogue of chaining to the globally
// registered fault handler described in §4.1.
func (m *Mmap) guardedCopy(dst, src []byte, first, last int, write bool) (err error) {
	for attempt := 0; attempt < faultRetryLimit; attempt++ {
		if tryCopy(dst, src, &err) {
			return err
		}
		for idx := first; idx <= last; idx++ {
			if rerr := m.ensurePage(idx, write); rerr != nil {
				return rerr
			}
		}
	}
	return fmt.Errorf("crumbles: access did not stabilize after %d fault retries", faultRetryLimit)
}

// tryCopy runs copy(dst, src) under recover, reporting via ok whether it
// completed without faulting. A recovered panic that is not a fault is
// re-raised immediately; errOut is not written.
func tryCopy(dst, src []byte, errOut *error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, isErr := r.(error); isErr && faultError(rerr) {
				ok = false
				return
			}
			panic(r)
		}
	}()
	copy(dst, src)
	return true
}

// addrOf returns the address of the first byte of a non-empty slice, or 0
// for an empty one.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
