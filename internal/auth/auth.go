// Package auth provides API-key authentication for the yieldguard API.
//
// Authentication model:
//   - Reads (vault status, risk scores, strategies): no auth required
//   - Mutations (deposits, feeds, emergency): require an API key
//   - A key authenticates a principal address; what the principal may do is
//     decided by the access package
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrKeyExists     = errors.New("API key already registered")
)

// KeyPrefix starts every raw key.
const KeyPrefix = "sk_"

// APIKey is the stored form of a key. The raw key is never persisted.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Principal string     `json:"principal"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByPrincipal(ctx context.Context, principal string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues and validates keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// WithClock sets the time source (for testing).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// GenerateKey creates a new API key for principal.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, principal, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = KeyPrefix + hex.EncodeToString(b)
	key, err = m.Import(ctx, rawKey, principal, name)
	if err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Import registers an externally provisioned raw key, as configured through
// API_KEYS. Importing the same key twice returns ErrKeyExists.
func (m *Manager) Import(ctx context.Context, rawKey, principal, name string) (*APIKey, error) {
	rawKey = strings.TrimSpace(rawKey)
	principal = strings.ToLower(strings.TrimSpace(principal))
	if !strings.HasPrefix(rawKey, KeyPrefix) || len(rawKey) < len(KeyPrefix)+16 {
		return nil, fmt.Errorf("%w: keys start with %q and carry at least 16 characters", ErrInvalidAPIKey, KeyPrefix)
	}
	if principal == "" {
		return nil, fmt.Errorf("%w: principal is required", ErrInvalidAPIKey)
	}
	hash := hashKey(rawKey)
	if _, err := m.store.GetByHash(ctx, hash); err == nil {
		return nil, ErrKeyExists
	}
	key := &APIKey{
		ID:        "ak_" + hash[:16],
		Hash:      hash,
		Principal: principal,
		Name:      name,
		CreatedAt: m.now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	touched := *key
	touched.LastUsed = now
	go func() {
		_ = m.store.Update(context.Background(), &touched)
	}()

	return key, nil
}

// ListKeys returns all keys for a principal
func (m *Manager) ListKeys(ctx context.Context, principal string) ([]*APIKey, error) {
	return m.store.GetByPrincipal(ctx, strings.ToLower(principal))
}

// RevokeKey revokes one of principal's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, principal string) error {
	keys, err := m.store.GetByPrincipal(ctx, strings.ToLower(principal))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByPrincipal(ctx context.Context, principal string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if strings.EqualFold(k.Principal, principal) {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Update stores last-used time and revocation. A revoked key stays revoked.
func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	if key.LastUsed.After(cur.LastUsed) {
		cur.LastUsed = key.LastUsed
	}
	cur.Revoked = cur.Revoked || key.Revoked
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
