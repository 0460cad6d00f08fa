package devices

import (
	"errors"
	"sort"
	"sync"

	"github.com/g960059/printwatch/internal/model"
)

var (
	// ErrOrganizationMismatch marks a request issued for an organization that
	// is no longer active. It is always absorbed by the caller.
	ErrOrganizationMismatch = errors.New("organization mismatch")
	ErrNoOrganizationAccess = errors.New("no access to organization")
)

// Store keeps the last known printers and webcam snapshots of the active
// organization.
type Store struct {
	mu        sync.RWMutex
	activeOrg string
	printers  map[string]model.Printer
	snapshots map[string]model.Snapshot
}

func NewStore() *Store {
	return &Store{
		printers:  map[string]model.Printer{},
		snapshots: map[string]model.Snapshot{},
	}
}

func (s *Store) ActiveOrganization() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeOrg
}

// SetActiveOrganization switches the organization context. Switching drops
// everything recorded for the previous organization.
func (s *Store) SetActiveOrganization(orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeOrg == orgID {
		return
	}
	s.activeOrg = orgID
	s.printers = map[string]model.Printer{}
	s.snapshots = map[string]model.Snapshot{}
}

// Upsert records p when orgID is still active and reports whether it did.
func (s *Store) Upsert(orgID string, p model.Printer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if orgID != s.activeOrg || p.UUID == "" {
		return false
	}
	p.OrganizationID = orgID
	s.printers[p.UUID] = p
	return true
}

func (s *Store) ReplaceAll(orgID string, printers []model.Printer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if orgID != s.activeOrg {
		return false
	}
	next := make(map[string]model.Printer, len(printers))
	for _, p := range printers {
		if p.UUID == "" {
			continue
		}
		p.OrganizationID = orgID
		next[p.UUID] = p
	}
	s.printers = next
	return true
}

func (s *Store) Get(id string) (model.Printer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.printers[id]
	return p, ok
}

// List returns printers ordered by name, then id.
func (s *Store) List() []model.Printer {
	s.mu.RLock()
	out := make([]model.Printer, 0, len(s.printers))
	for _, p := range s.printers {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.printers, id)
	delete(s.snapshots, id)
}

func (s *Store) RecordSnapshot(snap model.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.OrganizationID != s.activeOrg {
		return false
	}
	s.snapshots[snap.DeviceID] = snap
	return true
}

func (s *Store) Snapshot(id string) (model.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	return snap, ok
}

// Reset forgets the organization context, used when the session ends.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeOrg = ""
	s.printers = map[string]model.Printer{}
	s.snapshots = map[string]model.Snapshot{}
}
