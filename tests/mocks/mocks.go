package mocks

import (
	"context"
	"net/netip"
	"sync"

	"mailtrace/internal/model"
)

type MockGeoProvider struct {
	NameValue  string
	LookupFunc func(ctx context.Context, addr netip.Addr) (model.Location, error)

	mu    sync.Mutex
	Calls int
}

func (m *MockGeoProvider) Name() string {
	return m.NameValue
}

func (m *MockGeoProvider) Lookup(ctx context.Context, addr netip.Addr) (model.Location, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	return m.LookupFunc(ctx, addr)
}

func (m *MockGeoProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// MockQuotaStore is an in-memory QuotaStore. CountFunc and IncrementFunc,
// when set, replace the default behaviour.
type MockQuotaStore struct {
	CountFunc     func(ctx context.Context, provider string) (int64, error)
	IncrementFunc func(ctx context.Context, provider string) error

	mu     sync.Mutex
	Counts map[string]int64
}

func (m *MockQuotaStore) Count(ctx context.Context, provider string) (int64, error) {
	if m.CountFunc != nil {
		return m.CountFunc(ctx, provider)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counts[provider], nil
}

func (m *MockQuotaStore) Increment(ctx context.Context, provider string) error {
	if m.IncrementFunc != nil {
		return m.IncrementFunc(ctx, provider)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Counts == nil {
		m.Counts = make(map[string]int64)
	}
	m.Counts[provider]++
	return nil
}

type MockCache struct {
	GetLocationFunc func(ctx context.Context, ip string) (model.Location, bool, error)
	SetLocationFunc func(ctx context.Context, ip string, loc model.Location) error
	GetVerdictFunc  func(ctx context.Context, ip string) (model.ReputationVerdict, bool, error)
	SetVerdictFunc  func(ctx context.Context, ip string, verdict model.ReputationVerdict) error
}

func (m *MockCache) GetLocation(ctx context.Context, ip string) (model.Location, bool, error) {
	return m.GetLocationFunc(ctx, ip)
}

func (m *MockCache) SetLocation(ctx context.Context, ip string, loc model.Location) error {
	return m.SetLocationFunc(ctx, ip, loc)
}

func (m *MockCache) GetVerdict(ctx context.Context, ip string) (model.ReputationVerdict, bool, error) {
	return m.GetVerdictFunc(ctx, ip)
}

func (m *MockCache) SetVerdict(ctx context.Context, ip string, verdict model.ReputationVerdict) error {
	return m.SetVerdictFunc(ctx, ip, verdict)
}

type MockResolver struct {
	ResolveFunc func(ctx context.Context, ip string) model.Location

	mu    sync.Mutex
	Calls map[string]int
}

func (m *MockResolver) Resolve(ctx context.Context, ip string) model.Location {
	m.mu.Lock()
	if m.Calls == nil {
		m.Calls = make(map[string]int)
	}
	m.Calls[ip]++
	m.mu.Unlock()
	return m.ResolveFunc(ctx, ip)
}

type MockEnricher struct {
	EnrichFunc func(ctx context.Context, addrs []string) []model.ReputationVerdict
}

func (m *MockEnricher) Enrich(ctx context.Context, addrs []string) []model.ReputationVerdict {
	return m.EnrichFunc(ctx, addrs)
}
