package backup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRecordStore keeps records in process memory. It backs the CLI when
// no database is configured and serves as the reference store in tests.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*BackupRecord
}

// NewMemoryRecordStore creates an empty store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*BackupRecord)}
}

// Create stores a new record
func (s *MemoryRecordStore) Create(ctx context.Context, record *BackupRecord) error {
	if record == nil || record.ID == "" {
		return NewValidationError("record ID is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return NewConflictError(fmt.Sprintf("backup %s already exists", record.ID), nil)
	}
	s.records[record.ID] = record.Clone()
	return nil
}

// Get returns a copy of the record
func (s *MemoryRecordStore) Get(ctx context.Context, id string) (*BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	return record.Clone(), nil
}

// Update applies mutate to a copy and commits it when the status move is legal
func (s *MemoryRecordStore) Update(ctx context.Context, id string, mutate func(*BackupRecord) error) (*BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkUpdate(current, next); err != nil {
		return nil, err
	}

	s.records[id] = next
	return next.Clone(), nil
}

// List returns the page of records visible to scope, newest first, and the
// total number of matches
func (s *MemoryRecordStore) List(ctx context.Context, scope Scope, filter ListFilter) ([]*BackupRecord, int, error) {
	filter.Normalize()

	s.mu.RLock()
	matches := make([]*BackupRecord, 0, len(s.records))
	for _, record := range s.records {
		if !scope.Allows(record) {
			continue
		}
		if filter.TenantID != "" && record.TenantID != filter.TenantID {
			continue
		}
		if !filter.Matches(record) {
			continue
		}
		matches = append(matches, record.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(matches)
	return paginate(matches, filter.Offset, filter.Limit), len(matches), nil
}

// Delete removes the record
func (s *MemoryRecordStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	delete(s.records, id)
	return nil
}

// ListExpired returns every record whose retention window closed at or
// before now. Running backups are left for a later sweep.
func (s *MemoryRecordStore) ListExpired(ctx context.Context, now time.Time) ([]*BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*BackupRecord
	for _, record := range s.records {
		if record.IsExpired(now) && record.Status != BackupStatusInProgress {
			expired = append(expired, record.Clone())
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	return expired, nil
}

// checkUpdate rejects changes to identity fields and illegal status moves
func checkUpdate(current, next *BackupRecord) error {
	if next.ID != current.ID || next.TenantID != current.TenantID {
		return NewConflictError("backup identity cannot be changed", nil).WithContext("backup_id", current.ID)
	}
	if next.Status != current.Status && !current.Status.CanTransitionTo(next.Status) {
		return NewConflictError(fmt.Sprintf("cannot move backup from %s to %s", current.Status, next.Status), nil).
			WithContext("backup_id", current.ID)
	}
	if !next.ExpiresAt.Equal(current.ExpiresAt) {
		return NewConflictError("backup expiry is fixed at creation", nil).WithContext("backup_id", current.ID)
	}
	return nil
}

func sortNewestFirst(records []*BackupRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

func paginate(records []*BackupRecord, offset, limit int) []*BackupRecord {
	if offset >= len(records) {
		return []*BackupRecord{}
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end]
}
