package domain

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KeyCache provides in-memory caching of domains and their active DKIM/ARC
// signing keys, refreshed periodically and on PostgreSQL LISTEN/NOTIFY
// events so the ARC signer never blocks on a database round trip per
// message.
type KeyCache struct {
	domains     map[string]*Domain    // by domain name
	domainsByID map[string]*Domain    // by domain ID
	orgDomains  map[string][]*Domain  // by organization ID
	dkimKeys    map[string][]*DKIMKey // by domain name

	mu             sync.RWMutex
	refreshChan    chan string
	refreshAllChan chan struct{}
	stopChan       chan struct{}
	logger         *zap.Logger
	repository     Repository
	ttl            time.Duration
	lastRefresh    time.Time
}

// Repository loads the domain and signing-key data backing the cache.
type Repository interface {
	GetAllDomains(ctx context.Context) ([]*Domain, error)
	GetDomainByName(ctx context.Context, name string) (*Domain, error)
	GetDKIMKeys(ctx context.Context, domainID string) ([]*DKIMKey, error)
	GetActiveDKIMKey(ctx context.Context, domainName string) (*DKIMKey, error)
	ListenForChanges(ctx context.Context, callback func(table, action, id string)) error
}

// NewKeyCache creates a new domain/key cache.
func NewKeyCache(repository Repository, logger *zap.Logger, ttl time.Duration) *KeyCache {
	return &KeyCache{
		domains:        make(map[string]*Domain),
		domainsByID:    make(map[string]*Domain),
		orgDomains:     make(map[string][]*Domain),
		dkimKeys:       make(map[string][]*DKIMKey),
		refreshChan:    make(chan string, 100),
		refreshAllChan: make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
		logger:         logger,
		repository:     repository,
		ttl:            ttl,
	}
}

// Start performs the initial load and starts background refresh plus the
// LISTEN/NOTIFY watcher.
func (c *KeyCache) Start(ctx context.Context) error {
	if err := c.RefreshAll(ctx); err != nil {
		return err
	}

	go c.backgroundRefresh(ctx)
	go c.listenForChanges(ctx)

	return nil
}

// Stop stops the background refresh goroutine.
func (c *KeyCache) Stop() {
	close(c.stopChan)
}

// RefreshAll reloads all domains and their DKIM/ARC keys.
func (c *KeyCache) RefreshAll(ctx context.Context) error {
	c.logger.Info("refreshing domain key cache")

	domains, err := c.repository.GetAllDomains(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.domains = make(map[string]*Domain)
	c.domainsByID = make(map[string]*Domain)
	c.orgDomains = make(map[string][]*Domain)
	c.dkimKeys = make(map[string][]*DKIMKey)

	for _, d := range domains {
		c.domains[d.Name] = d
		c.domainsByID[d.ID] = d
		c.orgDomains[d.OrganizationID] = append(c.orgDomains[d.OrganizationID], d)

		keys, err := c.repository.GetDKIMKeys(ctx, d.ID)
		if err != nil {
			c.logger.Warn("failed to load signing keys for domain",
				zap.String("domain", d.Name),
				zap.Error(err))
			continue
		}
		c.dkimKeys[d.Name] = keys
	}

	c.lastRefresh = time.Now()
	c.logger.Info("domain key cache refreshed",
		zap.Int("domains", len(domains)),
		zap.Int("organizations", len(c.orgDomains)))

	return nil
}

// RefreshDomain reloads a single domain and its keys.
func (c *KeyCache) RefreshDomain(ctx context.Context, domainName string) error {
	d, err := c.repository.GetDomainByName(ctx, domainName)
	if err != nil {
		return err
	}

	keys, err := c.repository.GetDKIMKeys(ctx, d.ID)
	if err != nil {
		c.logger.Warn("failed to load signing keys for domain",
			zap.String("domain", domainName),
			zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.domains[domainName]
	c.domains[domainName] = d
	c.domainsByID[d.ID] = d

	if old != nil && old.OrganizationID != d.OrganizationID {
		c.removeFromOrgDomains(old.OrganizationID, old.ID)
	}
	c.addToOrgDomains(d)
	c.dkimKeys[domainName] = keys

	return nil
}

// InvalidateDomain removes a domain from the cache.
func (c *KeyCache) InvalidateDomain(domainName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, exists := c.domains[domainName]; exists {
		delete(c.domains, domainName)
		delete(c.domainsByID, d.ID)
		delete(c.dkimKeys, domainName)
		c.removeFromOrgDomains(d.OrganizationID, d.ID)
	}
}

// GetDomain returns a domain by name.
func (c *KeyCache) GetDomain(name string) *Domain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.domains[name]
}

// GetDomainByID returns a domain by ID.
func (c *KeyCache) GetDomainByID(id string) *Domain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.domainsByID[id]
}

// GetOrganizationDomains returns all domains for an organization.
func (c *KeyCache) GetOrganizationDomains(orgID string) []*Domain {
	c.mu.RLock()
	defer c.mu.RUnlock()

	domains := c.orgDomains[orgID]
	result := make([]*Domain, len(domains))
	copy(result, domains)
	return result
}

// GetActiveDKIMKey returns the active ARC/DKIM signing key for a domain, or
// nil if the domain has none (or none unexpired).
func (c *KeyCache) GetActiveDKIMKey(domainName string) *DKIMKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := c.dkimKeys[domainName]
	for _, key := range keys {
		if key.IsActive && (key.ExpiresAt == nil || key.ExpiresAt.After(time.Now())) {
			return key
		}
	}
	return nil
}

// GetDKIMKeys returns all signing keys for a domain.
func (c *KeyCache) GetDKIMKeys(domainName string) []*DKIMKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := c.dkimKeys[domainName]
	result := make([]*DKIMKey, len(keys))
	copy(result, keys)
	return result
}

// IsDomainInternal reports whether domainName belongs to orgID.
func (c *KeyCache) IsDomainInternal(orgID, domainName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.domains[domainName]
	if d == nil {
		return false
	}
	return d.OrganizationID == orgID
}

// AllDomainNames returns all cached domain names.
func (c *KeyCache) AllDomainNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.domains))
	for name := range c.domains {
		names = append(names, name)
	}
	return names
}

func (c *KeyCache) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			if time.Since(c.lastRefresh) > c.ttl {
				if err := c.RefreshAll(ctx); err != nil {
					c.logger.Error("failed to refresh domain key cache", zap.Error(err))
				}
			}
		case domainName := <-c.refreshChan:
			if err := c.RefreshDomain(ctx, domainName); err != nil {
				c.logger.Error("failed to refresh domain",
					zap.String("domain", domainName),
					zap.Error(err))
			}
		case <-c.refreshAllChan:
			if err := c.RefreshAll(ctx); err != nil {
				c.logger.Error("failed to refresh domain key cache", zap.Error(err))
			}
		}
	}
}

// listenForChanges watches the domains and dkim_keys tables for changes so
// key rotations are picked up without waiting for the next TTL refresh.
func (c *KeyCache) listenForChanges(ctx context.Context) {
	err := c.repository.ListenForChanges(ctx, func(table, action, id string) {
		c.logger.Debug("database change notification",
			zap.String("table", table),
			zap.String("action", action),
			zap.String("id", id))

		switch table {
		case "domains":
			// The notification payload carries the domain's ID, not its
			// name, and a new or renamed domain may not be in the name
			// index yet — reload everything rather than guess a name.
			select {
			case c.refreshAllChan <- struct{}{}:
			default:
			}
		case "dkim_keys":
			if d := c.GetDomainByID(id); d != nil {
				select {
				case c.refreshChan <- d.Name:
				default:
				}
			}
		}
	})

	if err != nil {
		c.logger.Error("failed to listen for database changes", zap.Error(err))
	}
}

func (c *KeyCache) removeFromOrgDomains(orgID, domainID string) {
	domains := c.orgDomains[orgID]
	for i, d := range domains {
		if d.ID == domainID {
			c.orgDomains[orgID] = append(domains[:i], domains[i+1:]...)
			break
		}
	}
}

func (c *KeyCache) addToOrgDomains(d *Domain) {
	domains := c.orgDomains[d.OrganizationID]
	for _, existing := range domains {
		if existing.ID == d.ID {
			return
		}
	}
	c.orgDomains[d.OrganizationID] = append(domains, d)
}
