// Package crumbles implements the page-tracking copy-on-write linear memory
// region described in spec §4.1: an anonymous mmap'd region whose pages are
// lazily materialized through a caller-supplied loader, whose writes are
// tracked at page granularity, and which supports a stack of snapshots that
// can be reverted or applied.
//
// The region starts entirely access-protected; the original design relies on
// a process-wide SIGSEGV/SIGBUS handler to discover first-touch and
// write-after-read transitions. Go cannot install a foreign signal handler
// without cgo, so this package drives the same state machine explicitly in
// software (ensurePage), while still performing real mmap/mprotect syscalls
// and arming Go's own fault-to-panic conversion (debug.SetPanicOnFault) as a
// defense-in-depth net for any access that slips past the explicit path. See
// DESIGN.md for the full rationale.
//
// This package only builds on 64-bit Unix targets, matching §6's build
// target constraint.
package crumbles

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// snapshot is one entry of a memory's snapshot stack (§3.2 "Every live
// contract memory has at least one snapshot on its snapshot stack").
type snapshot struct {
	// hit marks pages touched (read or written) since this snapshot became
	// current.
	hit map[int]bool
	// pre holds the clean pre-image of every page first dirtied while this
	// snapshot was current, keyed by page index.
	pre map[int][]byte
}

func newSnapshot() *snapshot {
	return &snapshot{hit: make(map[int]bool), pre: make(map[int][]byte)}
}

// Mmap is a copy-on-write memory region of pageCount*pageSize bytes,
// addressed in page-sized, dirty-tracked units.
type Mmap struct {
	mu sync.Mutex

	data      []byte
	pageSize  int
	pageCount int

	loader LoadPage
	mapped []bool // page has been materialized from the loader at least once

	snapshots []*snapshot

	addrStart, addrEnd uintptr
	closed             bool
}

// New creates a new, zero-filled Mmap of pageCount pages of pageSize bytes
// each.
func New(pageCount, pageSize int) (*Mmap, error) {
	return WithPages(pageCount, pageSize, zeroLoader)
}

// WithPages creates a new Mmap that populates pages on first fault using
// loader.
func WithPages(pageCount, pageSize int, loader LoadPage) (*Mmap, error) {
	if pageCount <= 0 || pageSize <= 0 {
		return nil, fmt.Errorf("crumbles: page count and page size must be positive, got %d x %d", pageCount, pageSize)
	}
	if loader == nil {
		loader = zeroLoader
	}

	initProcessFaultHandling()

	size := pageCount * pageSize
	data, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("crumbles: mmap %d bytes: %w", size, err)
	}

	m := &Mmap{
		data:      data,
		pageSize:  pageSize,
		pageCount: pageCount,
		loader:    loader,
		mapped:    make([]bool, pageCount),
		snapshots: []*snapshot{newSnapshot()},
	}
	if len(data) > 0 {
		m.addrStart = uintptr(unsafe.Pointer(&data[0]))
		m.addrEnd = m.addrStart + uintptr(size)
	}

	registerRegion(m)
	return m, nil
}

// PageSize returns the region's page size in bytes.
func (m *Mmap) PageSize() int { return m.pageSize }

// PageCount returns the number of pages in the region.
func (m *Mmap) PageCount() int { return m.pageCount }

// Len returns the total size of the region in bytes.
func (m *Mmap) Len() int { return m.pageCount * m.pageSize }

// Close unmaps the region and removes it from the process-wide fault
// dispatch table. The Mmap must not be used afterward.
func (m *Mmap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	unregisterRegion(m)
	m.closed = true
	if len(m.data) == 0 {
		return nil
	}
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("crumbles: munmap: %w", err)
	}
	return nil
}

func (m *Mmap) pageBounds(idx int) (int, int) {
	start := idx * m.pageSize
	return start, start + m.pageSize
}

func (m *Mmap) top() *snapshot {
	return m.snapshots[len(m.snapshots)-1]
}

// checkRange validates that [offset, offset+length) lies within the region,
// returning MemoryAccessOutOfBounds-flavored errors the caller can surface
// fatally per §4.9.
func (m *Mmap) checkRange(offset, length int) error {
	if length < 0 || offset < 0 {
		return fmt.Errorf("crumbles: negative offset/length (%d, %d)", offset, length)
	}
	if offset+length > m.Len() {
		return fmt.Errorf("crumbles: access [%d, %d) out of bounds for region of length %d", offset, offset+length, m.Len())
	}
	return nil
}

// snap pushes a new, empty snapshot and sets the whole region to no-access,
// per §4.1 "snap(): set the whole region to no-access and push a new empty
// snapshot."
func (m *Mmap) Snap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapLocked()
}

func (m *Mmap) snapLocked() error {
	if err := m.protectAll(unix.PROT_NONE); err != nil {
		return err
	}
	m.snapshots = append(m.snapshots, newSnapshot())
	return nil
}

// Revert pops the top snapshot and restores every page it recorded a clean
// pre-image for, per §4.1 "revert()". The region below the snapshot being
// reverted is left unchanged.
func (m *Mmap) Revert() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	top := m.popSnapshot()
	for idx, pre := range top.pre {
		start, end := m.pageBounds(idx)
		copy(m.data[start:end], pre)
	}
	if err := m.protectAll(unix.PROT_NONE); err != nil {
		return err
	}
	if len(m.snapshots) == 0 {
		m.snapshots = append(m.snapshots, newSnapshot())
	}
	return nil
}

// Apply pops the top snapshot and merges its clean pre-images into the new
// top snapshot, for indices not already recorded there, per §4.1 "apply()".
func (m *Mmap) Apply() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	top := m.popSnapshot()
	if len(m.snapshots) == 0 {
		m.snapshots = append(m.snapshots, newSnapshot())
	}
	newTop := m.top()
	for idx, pre := range top.pre {
		if _, exists := newTop.pre[idx]; !exists {
			newTop.pre[idx] = pre
		}
		newTop.hit[idx] = true
	}
	for idx := range top.hit {
		newTop.hit[idx] = true
	}
	if err := m.protectAll(unix.PROT_NONE); err != nil {
		return err
	}
	return nil
}

func (m *Mmap) popSnapshot() *snapshot {
	top := m.snapshots[len(m.snapshots)-1]
	m.snapshots = m.snapshots[:len(m.snapshots)-1]
	return top
}

// DirtyPage describes a single page dirtied while the current snapshot has
// been on top of the stack.
type DirtyPage struct {
	Index   int
	Current []byte
	Clean   []byte
}

// DirtyPages enumerates the top snapshot's dirty pages, per §4.1
// "dirty_pages()".
func (m *Mmap) DirtyPages() []DirtyPage {
	m.mu.Lock()
	defer m.mu.Unlock()

	top := m.top()
	out := make([]DirtyPage, 0, len(top.pre))
	for idx, pre := range top.pre {
		start, end := m.pageBounds(idx)
		cur := make([]byte, m.pageSize)
		copy(cur, m.data[start:end])
		out = append(out, DirtyPage{Index: idx, Current: cur, Clean: pre})
	}
	return out
}

// protectAll sets the permission of the entire region. Used at snapshot
// boundaries (snap/revert/apply all reset to no-access).
func (m *Mmap) protectAll(prot int) error {
	if len(m.data) == 0 {
		return nil
	}
	if err := unix.Mprotect(m.data, prot); err != nil {
		return fmt.Errorf("crumbles: mprotect: %w", err)
	}
	return nil
}

// protectPage sets the permission of a single page.
func (m *Mmap) protectPage(idx, prot int) error {
	start, end := m.pageBounds(idx)
	if err := unix.Mprotect(m.data[start:end], prot); err != nil {
		return fmt.Errorf("crumbles: mprotect page %d: %w", idx, err)
	}
	return nil
}
