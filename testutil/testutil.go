// Package testutil provides testing utilities shared across the SMTP edge
// trust subsystem's packages.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/edgetrust/smtp-edge/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MockRedisClient implements GET, SET and DEL, the subset of the
// redis.Cmdable surface used by the OAuth2 token cache, backed by an
// in-process map instead of a network round trip. It has no INCR, EXPIRE
// or pipeline, so it cannot stand in for the rate limiter's client.
type MockRedisClient struct {
	data map[string]string
	mu   sync.RWMutex
}

// NewMockRedisClient creates a new mock Redis client.
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{data: make(map[string]string)}
}

// Get mocks redis GET.
func (m *MockRedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd := redis.NewStringCmd(ctx)
	if v, ok := m.data[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

// Set mocks redis SET. Expiration is accepted but not enforced; callers that
// need TTL semantics should use miniredis instead.
func (m *MockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case string:
		m.data[key] = v
	case []byte:
		m.data[key] = string(v)
	}
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

// Del mocks redis DEL.
func (m *MockRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

// MockDomainProvider implements a minimal domain lookup for testing ARC
// signing/verification and SASL authentication without a database.
type MockDomainProvider struct {
	domains   map[string]*domain.Domain
	domainsID map[string]*domain.Domain
	dkimKeys  map[string]*domain.DKIMKey
	mu        sync.RWMutex
}

// NewMockDomainProvider creates a new mock domain provider.
func NewMockDomainProvider() *MockDomainProvider {
	return &MockDomainProvider{
		domains:   make(map[string]*domain.Domain),
		domainsID: make(map[string]*domain.Domain),
		dkimKeys:  make(map[string]*domain.DKIMKey),
	}
}

// AddDomain adds a domain to the mock provider.
func (m *MockDomainProvider) AddDomain(d *domain.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[d.Name] = d
	m.domainsID[d.ID] = d
}

// AddDKIMKey registers the active signing key for a domain.
func (m *MockDomainProvider) AddDKIMKey(k *domain.DKIMKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dkimKeys[k.Domain] = k
}

// GetDomain returns a domain by name.
func (m *MockDomainProvider) GetDomain(name string) *domain.Domain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domains[name]
}

// GetDomainByID returns a domain by ID.
func (m *MockDomainProvider) GetDomainByID(id string) *domain.Domain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domainsID[id]
}

// GetActiveDKIMKey returns the active signing key for a domain.
func (m *MockDomainProvider) GetActiveDKIMKey(domainName string) *domain.DKIMKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dkimKeys[domainName]
}

// TestFixtures provides common test fixtures.
type TestFixtures struct {
	Domains []*domain.Domain
}

// NewTestFixtures creates a new set of test fixtures.
func NewTestFixtures() *TestFixtures {
	now := time.Now()

	domains := []*domain.Domain{
		{
			ID:             "domain-1",
			OrganizationID: "org-1",
			Name:           "example.com",
			Status:         domain.DomainStatusVerified,
			IsPrimary:      true,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		{
			ID:             "domain-2",
			OrganizationID: "org-1",
			Name:           "test.com",
			Status:         domain.DomainStatusVerified,
			IsPrimary:      false,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}

	return &TestFixtures{Domains: domains}
}

// TestLogger returns a logger for testing.
func TestLogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, _ := config.Build()
	return logger
}

// TestContext returns a context for testing with timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
