// Package memory is an in-memory metastore.Store, intended for single-process
// tests and the `crumbled --metastore=memory` development mode. Nothing
// persists across restarts and no other process can observe its leases.
package memory

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/crumblevm/crumble/pkg/vmtypes"
)

// Store is a mutex-guarded in-memory metastore.Store.
type Store struct {
	mu     sync.RWMutex
	meta   map[uuid.UUID]map[string][]byte
	leases map[vmtypes.Hash]map[uuid.UUID]struct{}
	closed bool
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{
		meta:   make(map[uuid.UUID]map[string][]byte),
		leases: make(map[vmtypes.Hash]map[uuid.UUID]struct{}),
	}
}

func (s *Store) SetMeta(sessionID uuid.UUID, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metastore: store is closed")
	}
	bucket, ok := s.meta[sessionID]
	if !ok {
		bucket = make(map[string][]byte)
		s.meta[sessionID] = bucket
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	bucket[key] = cp
	return nil
}

func (s *Store) GetMeta(sessionID uuid.UUID, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, fmt.Errorf("metastore: store is closed")
	}
	bucket, ok := s.meta[sessionID]
	if !ok {
		return nil, false, nil
	}
	value, ok := bucket[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, true, nil
}

func (s *Store) RemoveMeta(sessionID uuid.UUID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metastore: store is closed")
	}
	if bucket, ok := s.meta[sessionID]; ok {
		delete(bucket, key)
	}
	return nil
}

func (s *Store) ClearSession(sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metastore: store is closed")
	}
	delete(s.meta, sessionID)
	for root, holders := range s.leases {
		delete(holders, sessionID)
		if len(holders) == 0 {
			delete(s.leases, root)
		}
	}
	return nil
}

func (s *Store) AcquireLease(sessionID uuid.UUID, commitRoot vmtypes.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metastore: store is closed")
	}
	holders, ok := s.leases[commitRoot]
	if !ok {
		holders = make(map[uuid.UUID]struct{})
		s.leases[commitRoot] = holders
	}
	holders[sessionID] = struct{}{}
	return nil
}

func (s *Store) ReleaseLease(sessionID uuid.UUID, commitRoot vmtypes.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metastore: store is closed")
	}
	if holders, ok := s.leases[commitRoot]; ok {
		delete(holders, sessionID)
		if len(holders) == 0 {
			delete(s.leases, commitRoot)
		}
	}
	return nil
}

func (s *Store) IsHeld(commitRoot vmtypes.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, fmt.Errorf("metastore: store is closed")
	}
	holders, ok := s.leases[commitRoot]
	return ok && len(holders) > 0, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) HealthCheck() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("metastore: store is closed")
	}
	return nil
}
