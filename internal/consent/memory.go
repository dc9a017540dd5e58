package consent

import (
	"context"
	"sync"
	"time"
)

var (
	_ ClientRegistry = (*Memory)(nil)
	_ Store          = (*Memory)(nil)
)

type recordKey struct {
	user   string
	client string
}

// Memory is an in-process ClientRegistry and Store guarded by a single
// mutex. It backs cmd/api when no database is configured and most tests.
type Memory struct {
	mu      sync.RWMutex
	clients map[string]ClientApplication
	records map[recordKey]Record
	now     func() time.Time
}

// NewMemory returns an empty store; register clients with PutClient.
func NewMemory() *Memory {
	return &Memory{
		clients: make(map[string]ClientApplication),
		records: make(map[recordKey]Record),
		now:     time.Now,
	}
}

// PutClient registers or replaces client metadata.
func (m *Memory) PutClient(c ClientApplication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ClientID] = c
}

func (m *Memory) LookupClient(ctx context.Context, clientID string) (ClientApplication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ClientApplication{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) UpsertConsent(ctx context.Context, userAddress, clientID string, providers []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	set := make([]string, len(providers))
	copy(set, providers)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	key := recordKey{user: userAddress, client: clientID}
	rec, ok := m.records[key]
	if !ok {
		rec = Record{UserAddress: userAddress, ClientID: clientID, CreatedAt: now}
	}
	rec.Providers = set
	rec.UpdatedAt = now
	m.records[key] = rec
	return nil
}

func (m *Memory) Consent(ctx context.Context, userAddress, clientID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey{user: userAddress, client: clientID}]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Providers = append([]string(nil), rec.Providers...)
	return rec, nil
}

// Len reports the number of stored consent records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
