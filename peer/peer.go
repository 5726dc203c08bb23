// Package peer maps platform connection handles to the stable logical
// peer identifiers the game engine sees.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role is the role of the other side from this device's perspective.
type Role string

const (
	RoleHost   Role = "host"
	RoleJoiner Role = "joiner"
)

var (
	// ErrCapacityExceeded means the registry is full.
	ErrCapacityExceeded = errors.New("peer capacity exceeded")

	// ErrAlreadyRegistered means the handle already has a peer record.
	ErrAlreadyRegistered = errors.New("peer already registered")
)

// Peer is one connected remote device. The record is owned by the
// registry of the device that observed the connection.
type Peer struct {
	ID          string
	DisplayName string
	Role        Role
	ConnectedAt time.Time
}

// Registry tracks live peers for one manager instance. A PeerId is
// allocated when the connection is first observed and never reused for a
// different physical connection within a session.
type Registry struct {
	mu       sync.RWMutex
	capacity int
	byHandle map[string]*Peer  // platform handle -> peer
	handles  map[string]string // peer id -> platform handle
}

// NewRegistry creates a registry accepting up to capacity peers.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		byHandle: make(map[string]*Peer),
		handles:  make(map[string]string),
	}
}

// Add allocates a fresh PeerId for a platform handle.
func (r *Registry) Add(handle, displayName string, role Role) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHandle[handle]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, handle)
	}
	if len(r.byHandle) >= r.capacity {
		return nil, fmt.Errorf("%w: %d peers", ErrCapacityExceeded, r.capacity)
	}

	p := &Peer{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Role:        role,
		ConnectedAt: time.Now(),
	}
	r.byHandle[handle] = p
	r.handles[p.ID] = handle
	return p, nil
}

// Remove destroys the peer record for a handle, returning it if present.
func (r *Registry) Remove(handle string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.byHandle[handle]
	if !exists {
		return nil, false
	}
	delete(r.byHandle, handle)
	delete(r.handles, p.ID)
	return p, true
}

// Get returns the peer for a platform handle.
func (r *Registry) Get(handle string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, exists := r.byHandle[handle]
	return p, exists
}

// HandleFor returns the platform handle behind a PeerId.
func (r *Registry) HandleFor(peerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, exists := r.handles[peerID]
	return h, exists
}

// SetDisplayName updates a peer's display name (info-channel metadata
// can arrive after registration).
func (r *Registry) SetDisplayName(handle, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, exists := r.byHandle[handle]; exists && name != "" {
		p.DisplayName = name
	}
}

// Handles returns the platform handles of all live peers.
func (r *Registry) Handles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]string, 0, len(r.byHandle))
	for h := range r.byHandle {
		handles = append(handles, h)
	}
	return handles
}

// Len returns the number of live peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}
