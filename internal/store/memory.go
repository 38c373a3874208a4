package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. Nothing survives a restart.
type Memory struct {
	mu      sync.RWMutex
	auths   map[string]Authorization
	tokens  map[string]string
	claims  map[string]time.Time
	active  *ActiveJob
	nowFunc func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		auths:   make(map[string]Authorization),
		tokens:  make(map[string]string),
		claims:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

func (m *Memory) SaveAuthorization(_ context.Context, auth Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.auths[auth.TransactionID]; ok && existing.JobID != "" {
		auth.JobID = existing.JobID
	}
	m.auths[auth.TransactionID] = auth
	if auth.Token != "" {
		m.tokens[auth.Token] = auth.TransactionID
	}
	return nil
}

func (m *Memory) Authorization(_ context.Context, transactionID string) (Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	auth, ok := m.auths[transactionID]
	if !ok {
		return Authorization{}, ErrNotFound
	}
	return auth, nil
}

func (m *Memory) AuthorizationByToken(ctx context.Context, token string) (Authorization, error) {
	m.mu.RLock()
	tx, ok := m.tokens[token]
	m.mu.RUnlock()
	if !ok {
		return Authorization{}, ErrNotFound
	}
	return m.Authorization(ctx, tx)
}

func (m *Memory) Claim(_ context.Context, transactionID string, ttl time.Duration) (Release, error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if expires, held := m.claims[transactionID]; held && now.Before(expires) {
		return nil, ErrClaimed
	}
	expires := now.Add(ttl)
	m.claims[transactionID] = expires

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.claims[transactionID].Equal(expires) {
				delete(m.claims, transactionID)
			}
		})
	}, nil
}

func (m *Memory) RecordJob(_ context.Context, transactionID, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	auth, ok := m.auths[transactionID]
	if !ok {
		auth = Authorization{TransactionID: transactionID, CreatedAt: m.nowFunc()}
	}
	if auth.JobID != "" {
		if auth.JobID != jobID {
			return auth.JobID, ErrJobConflict
		}
		return auth.JobID, nil
	}
	auth.JobID = jobID
	m.auths[transactionID] = auth
	return jobID, nil
}

func (m *Memory) SaveActiveJob(_ context.Context, active ActiveJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = &active
	return nil
}

func (m *Memory) ActiveJob(context.Context) (ActiveJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ActiveJob{}, ErrNotFound
	}
	return *m.active, nil
}

func (m *Memory) ClearActiveJob(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = nil
	return nil
}

func (m *Memory) Ready(context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Verify Memory implements Store
var _ Store = (*Memory)(nil)
