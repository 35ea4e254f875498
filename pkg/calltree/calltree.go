// Package calltree implements the nested call-invocation tracker of §4.7: a
// single-cursor, arena-of-indices tree of call frames with per-frame gas
// bookkeeping. An arena keeps the tree single-threaded and GC-cheap to drop
// bottom-up, per the design note in §9 ("an arena-of-indices implementation
// is the recommended language-neutral shape").
package calltree

import (
	"fmt"

	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// noParent marks a frame with no parent (the tree's root frame).
const noParent = -1

// Frame is one node of the call tree (§3.1 CallTreeElem): the contract
// invoked, its gas limit and spent, and the callee's memory length at frame
// entry (needed to restore current_len on revert).
type Frame struct {
	ContractID    vmtypes.ContractID
	Limit         uint64
	Spent         uint64
	MemLenAtEntry uint64

	parent   int
	children []int
	pruned   bool
}

// CallTree is a rooted tree of frames with a single movable cursor,
// matching one session's strictly sequential call semantics (§5: "within a
// session ... one call at a time").
type CallTree struct {
	frames []Frame
	cursor int
}

// New returns an empty call tree with no current frame.
func New() *CallTree {
	return &CallTree{cursor: noParent}
}

// Empty reports whether the tree has no live frame under the cursor.
func (t *CallTree) Empty() bool { return t.cursor == noParent }

// Push makes a new child of the cursor and descends into it, returning the
// new frame's index.
func (t *CallTree) Push(contractID vmtypes.ContractID, limit, memLenAtEntry uint64) int {
	idx := len(t.frames)
	t.frames = append(t.frames, Frame{
		ContractID:    contractID,
		Limit:         limit,
		MemLenAtEntry: memLenAtEntry,
		parent:        t.cursor,
	})
	if t.cursor != noParent {
		t.frames[t.cursor].children = append(t.frames[t.cursor].children, idx)
	}
	t.cursor = idx
	return idx
}

// Cursor returns the index of the frame currently under the cursor, or
// noParent if the tree is empty.
func (t *CallTree) Cursor() int { return t.cursor }

// Frame returns the frame at idx.
func (t *CallTree) Frame(idx int) (Frame, error) {
	if idx < 0 || idx >= len(t.frames) {
		return Frame{}, fmt.Errorf("calltree: frame index %d out of range", idx)
	}
	return t.frames[idx], nil
}

// MoveUp sets the cursor frame's spent, returns the (now-exited) frame, and
// ascends the cursor to its parent (§4.7 "move_up(spent)").
func (t *CallTree) MoveUp(spent uint64) (Frame, error) {
	if t.cursor == noParent {
		return Frame{}, fmt.Errorf("calltree: move_up called with no current frame")
	}
	t.frames[t.cursor].Spent = spent
	frame := t.frames[t.cursor]
	t.cursor = frame.parent
	return frame, nil
}

// MoveUpPrune is MoveUp, but additionally removes the exiting frame's
// subtree from its parent's children (§4.7 "move_up_prune()"), used on
// frame-exit failure.
func (t *CallTree) MoveUpPrune() (Frame, error) {
	if t.cursor == noParent {
		return Frame{}, fmt.Errorf("calltree: move_up_prune called with no current frame")
	}
	idx := t.cursor
	frame := t.frames[idx]
	t.cursor = frame.parent

	t.pruneSubtree(idx)
	if frame.parent != noParent {
		t.removeChild(frame.parent, idx)
	}
	return frame, nil
}

func (t *CallTree) pruneSubtree(idx int) {
	t.frames[idx].pruned = true
	for _, c := range t.frames[idx].children {
		t.pruneSubtree(c)
	}
}

func (t *CallTree) removeChild(parent, child int) {
	kids := t.frames[parent].children
	for i, c := range kids {
		if c == child {
			t.frames[parent].children = append(kids[:i], kids[i+1:]...)
			return
		}
	}
}

// UpdateSpent sets the cursor frame's spent to total, then subtracts the
// sum of its direct children's spent, so each frame's Spent reflects gas
// consumed in that frame alone rather than the cumulative total charged
// against its budget (§4.7 "update_spent(spent)").
func (t *CallTree) UpdateSpent(total uint64) error {
	if t.cursor == noParent {
		return fmt.Errorf("calltree: update_spent called with no current frame")
	}
	var childrenSpent uint64
	for _, c := range t.frames[t.cursor].children {
		if t.frames[c].pruned {
			continue
		}
		childrenSpent += t.frames[c].Spent
	}
	own := total
	if childrenSpent < total {
		own = total - childrenSpent
	} else {
		own = 0
	}
	t.frames[t.cursor].Spent = own
	return nil
}

// NthParent returns the frame n levels up from the cursor (0 = current).
func (t *CallTree) NthParent(n int) (Frame, error) {
	if t.cursor == noParent {
		return Frame{}, fmt.Errorf("calltree: nth_parent called with no current frame")
	}
	idx := t.cursor
	for i := 0; i < n; i++ {
		if t.frames[idx].parent == noParent {
			return Frame{}, fmt.Errorf("calltree: no ancestor %d levels up", n)
		}
		idx = t.frames[idx].parent
	}
	return t.frames[idx], nil
}

// CallIDs returns the contract ids from the cursor up to the root,
// cursor-first (§4.7 "call_ids()").
func (t *CallTree) CallIDs() []vmtypes.ContractID {
	if t.cursor == noParent {
		return nil
	}
	var ids []vmtypes.ContractID
	for idx := t.cursor; idx != noParent; idx = t.frames[idx].parent {
		ids = append(ids, t.frames[idx].ContractID)
	}
	return ids
}

// Iter returns an ordered traversal of the subtree rooted at the cursor,
// yielding the rightmost leaf first, up to and including the cursor itself
// (§4.7 "iter()"), matching the call tree's depth-first execution order for
// event interleaving (§5 "Ordering").
func (t *CallTree) Iter() []Frame {
	if t.cursor == noParent {
		return nil
	}
	var out []Frame
	var visit func(idx int)
	visit = func(idx int) {
		kids := t.frames[idx].children
		for i := len(kids) - 1; i >= 0; i-- {
			if !t.frames[kids[i]].pruned {
				visit(kids[i])
			}
		}
		out = append(out, t.frames[idx])
	}
	visit(t.cursor)
	return out
}

// Clear resets the tree to empty, for Session.Call's top-level "the call
// tree is then cleared" step (§4.7).
func (t *CallTree) Clear() {
	t.frames = nil
	t.cursor = noParent
}

// AllFrames returns every non-pruned frame in insertion order, unwound from
// the top (cursor at noParent) after a top-level call completes.
func (t *CallTree) AllFrames() []Frame {
	out := make([]Frame, 0, len(t.frames))
	for _, f := range t.frames {
		if !f.pruned {
			out = append(out, f)
		}
	}
	return out
}
