package merkle

import (
	"github.com/crumblevm/crumble/pkg/config"
)

// PageTreeArity and heights are fixed by the memory flavor (§4.4): arity 4
// for both flavors, height 8 for wasm32 (2^16 pages) and height 13 for
// wasm64 (2^26 pages).
const PageTreeArity = config.PageTreeArity

// NewPageTree builds the per-contract page tree for a memory of the given
// flavor.
func NewPageTree(flavor config.MemoryFlavor) (*Tree, error) {
	height, err := flavor.PageTreeHeight()
	if err != nil {
		return nil, err
	}
	return New(PageTreeArity, height)
}

// UpdatePage hashes a page's contents and updates the tree's leaf at
// pageIndex accordingly.
func UpdatePage(t *Tree, pageIndex uint64, contents []byte) error {
	return t.Update(pageIndex, HashLeaf(contents))
}

// PageOpening returns the inclusion proof for the page at pageIndex.
func PageOpening(t *Tree, pageIndex uint64) (Opening, error) {
	return t.Opening(pageIndex)
}

// VerifyPage reports whether contents is the page recorded at pageIndex
// under root, per opening.
func VerifyPage(root Hash, pageIndex uint64, contents []byte, opening Opening) bool {
	return Verify(root, PageTreeArity, pageIndex, HashLeaf(contents), opening)
}
