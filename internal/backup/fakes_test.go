package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// memoryBackend is an in-memory StorageBackend with failure injection
type memoryBackend struct {
	mu      sync.Mutex
	name    string
	scheme  string
	objects map[string][]byte
	calls   map[string]int

	putErr    error
	getErr    error
	deleteErr error
	// failPuts fails only the first n puts with putErr
	failPuts int
}

func newMemoryBackend(name string) *memoryBackend {
	return &memoryBackend{
		name:    name,
		scheme:  name,
		objects: make(map[string][]byte),
		calls:   make(map[string]int),
	}
}

func (m *memoryBackend) Name() string { return m.name }

func (m *memoryBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["put"]++

	if m.putErr != nil && (m.failPuts == 0 || m.calls["put"] <= m.failPuts) {
		return "", m.putErr
	}
	m.objects[key] = append([]byte(nil), data...)
	return formatLocator(m.scheme, key), nil
}

func (m *memoryBackend) Get(ctx context.Context, locator string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get"]++

	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[KeyFromLocator(locator)]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("object %s not found", locator), nil)
	}
	return append([]byte(nil), data...), nil
}

func (m *memoryBackend) Delete(ctx context.Context, locator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["delete"]++

	if m.deleteErr != nil {
		return m.deleteErr
	}
	key := KeyFromLocator(locator)
	if _, ok := m.objects[key]; !ok {
		return NewNotFoundError(fmt.Sprintf("object %s not found", locator), nil)
	}
	delete(m.objects, key)
	return nil
}

func (m *memoryBackend) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memoryBackend) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// MockDataAccessLayer is a testify mock of the tenant data layer
type MockDataAccessLayer struct {
	mock.Mock
}

func (m *MockDataAccessLayer) FetchEntities(ctx context.Context, scope Scope, entity string, window DateRange) ([]Entity, error) {
	args := m.Called(ctx, scope, entity, window)
	if rows := args.Get(0); rows != nil {
		return rows.([]Entity), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataAccessLayer) FetchFileRecords(ctx context.Context, scope Scope, window DateRange) ([]FileRecord, error) {
	args := m.Called(ctx, scope, window)
	if files := args.Get(0); files != nil {
		return files.([]FileRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataAccessLayer) FetchTenantConfig(ctx context.Context, scope Scope) (*TenantConfig, error) {
	args := m.Called(ctx, scope)
	if cfg := args.Get(0); cfg != nil {
		return cfg.(*TenantConfig), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockApplier records restore applications
type MockApplier struct {
	mock.Mock
}

func (m *MockApplier) Apply(ctx context.Context, scope Scope, snapshot *Snapshot, overwriteExisting bool) error {
	args := m.Called(ctx, scope, snapshot, overwriteExisting)
	return args.Error(0)
}

// fixedClock returns a settable instant
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{now: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
