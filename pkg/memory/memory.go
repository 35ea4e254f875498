// Package memory is the linear-memory facade a contract call operates
// against: a growable view over a crumbles.Mmap plus the WASM-flavor
// bookkeeping (current length, max pages, 32 vs 64-bit addressing) described
// in spec §3.1/§3.3.
package memory

import (
	"fmt"

	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/crumbles"
)

// Memory is one contract's linear memory: a fixed-capacity CoW region of
// which only a growable prefix ("current length") is live WASM memory. The
// rest of the region is reserved but inaccessible, mirroring the original's
// "reserve the flavor's max address space up front, grow by mprotect" design
// so growth never requires a remap.
type Memory struct {
	region   *crumbles.Mmap
	flavor   config.MemoryFlavor
	pageSize int
	curPages uint32
	maxPages uint32
}

// New reserves a region sized for flavor's maximum page count and starts it
// at zero live pages.
func New(flavor config.MemoryFlavor, pageSize int) (*Memory, error) {
	maxPages, err := flavor.MaxPages()
	if err != nil {
		return nil, err
	}
	region, err := crumbles.New(int(maxPages), pageSize)
	if err != nil {
		return nil, fmt.Errorf("memory: reserving %s region: %w", flavor, err)
	}
	return &Memory{region: region, flavor: flavor, pageSize: pageSize, maxPages: maxPages}, nil
}

// WithLoader is New, but pages are populated from loader on first touch
// instead of zero-filled — used when a call resumes a memory reconstructed
// from a commit (§6's memory/<contract>/<root>/<page> layout).
func WithLoader(flavor config.MemoryFlavor, pageSize int, curPages uint32, loader crumbles.LoadPage) (*Memory, error) {
	maxPages, err := flavor.MaxPages()
	if err != nil {
		return nil, err
	}
	if curPages > maxPages {
		return nil, fmt.Errorf("memory: current pages %d exceeds flavor max %d", curPages, maxPages)
	}
	region, err := crumbles.WithPages(int(maxPages), pageSize, loader)
	if err != nil {
		return nil, fmt.Errorf("memory: reserving %s region: %w", flavor, err)
	}
	return &Memory{region: region, flavor: flavor, pageSize: pageSize, curPages: curPages, maxPages: maxPages}, nil
}

// Flavor reports whether this memory is 32 or 64-bit addressed.
func (m *Memory) Flavor() config.MemoryFlavor { return m.flavor }

// Is64 reports whether the memory uses 64-bit (wasm64) addressing.
func (m *Memory) Is64() bool { return m.flavor == config.FlavorWasm64 }

// PageSize returns the memory's page size in bytes.
func (m *Memory) PageSize() int { return m.pageSize }

// CurrentPages returns the number of pages currently live.
func (m *Memory) CurrentPages() uint32 { return m.curPages }

// Len returns the live byte length of the memory (curPages * pageSize).
func (m *Memory) Len() int { return int(m.curPages) * m.pageSize }

// Grow extends the live length by delta pages, returning the previous page
// count, or an error if the flavor's maximum would be exceeded. This never
// remaps: the region was reserved at the flavor's maximum up front, so
// growth only changes the live/reserved boundary the accessors enforce.
func (m *Memory) Grow(delta uint32) (uint32, error) {
	if delta == 0 {
		return m.curPages, nil
	}
	next := m.curPages + delta
	if next < m.curPages || next > m.maxPages {
		return 0, fmt.Errorf("memory: grow by %d pages would exceed max of %d pages", delta, m.maxPages)
	}
	prev := m.curPages
	m.curPages = next
	return prev, nil
}

// Restore sets the live length back to byteLen, without touching page
// contents — the current_len half of a reverted call frame's rollback
// (§4.7 "restore its current_len to the frame's entry value"); page
// contents are restored separately by the region's own Revert.
func (m *Memory) Restore(byteLen uint64) error {
	if byteLen%uint64(m.pageSize) != 0 {
		return fmt.Errorf("memory: restore length %d is not a multiple of page size %d", byteLen, m.pageSize)
	}
	m.curPages = uint32(byteLen / uint64(m.pageSize))
	return nil
}

// Read copies length live bytes starting at offset.
func (m *Memory) Read(offset, length int) ([]byte, error) {
	if err := m.checkLive(offset, length); err != nil {
		return nil, err
	}
	return m.region.ReadAt(offset, length)
}

// Write copies src into the memory at offset, which must lie within the
// live (grown) region.
func (m *Memory) Write(offset int, src []byte) error {
	if err := m.checkLive(offset, len(src)); err != nil {
		return err
	}
	return m.region.WriteAt(offset, src)
}

func (m *Memory) checkLive(offset, length int) error {
	if offset < 0 || length < 0 {
		return fmt.Errorf("memory: negative offset/length (%d, %d)", offset, length)
	}
	if offset+length > m.Len() {
		return fmt.Errorf("memory: access [%d, %d) exceeds live length %d", offset, offset+length, m.Len())
	}
	return nil
}

// Snap, Revert and Apply delegate to the underlying region, forming the
// memory side of a call frame's atomic commit/revert (§4.6).
func (m *Memory) Snap() error   { return m.region.Snap() }
func (m *Memory) Revert() error { return m.region.Revert() }
func (m *Memory) Apply() error  { return m.region.Apply() }

// DirtyPages enumerates pages written since the current snapshot began, for
// the Merkle page tree update of §4.4.
func (m *Memory) DirtyPages() []crumbles.DirtyPage { return m.region.DirtyPages() }

// Close releases the underlying region.
func (m *Memory) Close() error { return m.region.Close() }
