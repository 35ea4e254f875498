// Package metastore holds the two concerns a Session needs from a shared,
// possibly multi-process key/value backend: session-scoped metadata exposed
// to contracts through the `hd` host import, and a lease registry so that
// deleting a commit can see every process still holding it, not just the
// local one (§3.2 "deleting a commit is allowed only if no session holds
// it"). A store is opened once per process and handed to every Session
// using the same store root.
package metastore

import (
	"github.com/google/uuid"

	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// Store is implemented by the memory, badger and redis backends. All
// implementations must be safe for concurrent use, since a Session's `hd`
// and `set_meta`/`remove_meta` calls can run interleaved with another
// session's lease bookkeeping.
type Store interface {
	// SetMeta records value under key, scoped to sessionID (the `set_meta`
	// host operation; §4.9 names `hd` as its read side).
	SetMeta(sessionID uuid.UUID, key string, value []byte) error
	// GetMeta reads back a key set with SetMeta. found is false if no value
	// was ever set for this (session, key) pair.
	GetMeta(sessionID uuid.UUID, key string) (value []byte, found bool, err error)
	// RemoveMeta deletes a key. Idempotent: removing an absent key is not
	// an error.
	RemoveMeta(sessionID uuid.UUID, key string) error
	// ClearSession drops every meta key scoped to sessionID, called when a
	// session ends.
	ClearSession(sessionID uuid.UUID) error

	// AcquireLease records that sessionID holds commitRoot open, so a
	// concurrent DeleteCommit elsewhere can see it. Idempotent: acquiring a
	// lease already held by the same session is a no-op.
	AcquireLease(sessionID uuid.UUID, commitRoot vmtypes.Hash) error
	// ReleaseLease drops sessionID's hold on commitRoot.
	ReleaseLease(sessionID uuid.UUID, commitRoot vmtypes.Hash) error
	// IsHeld reports whether any live session, in this process or another
	// attached to the same store root, still holds commitRoot.
	IsHeld(commitRoot vmtypes.Hash) (bool, error)

	// Close releases the backend's resources. Idempotent.
	Close() error
	// HealthCheck fails fast if the backend is unreachable.
	HealthCheck() error
}
