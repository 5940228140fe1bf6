package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/iliyamo/backoffice-auth/internal/model"
)

// Storage is the key-value store that persists session state across client
// restarts. Get returns (nil, nil) for an absent key.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStorage keeps values for the lifetime of the process.
type MemoryStorage struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{m: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, nil
	}
	return bytes.Clone(v), nil
}

func (s *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.m[key] = bytes.Clone(value)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.m, k)
	}
	s.mu.Unlock()
	return nil
}

// Keys names the storage entries of a session.
type Keys struct {
	Profile      string
	AccessToken  string
	RefreshToken string
	StartedAt    string
	LastActiveAt string
}

// DefaultKeys are used for any empty field of Options.Keys.
var DefaultKeys = Keys{
	Profile:      "auth_user",
	AccessToken:  "auth_access_token",
	RefreshToken: "auth_refresh_token",
	StartedAt:    "auth_session_started_at",
	LastActiveAt: "auth_last_active_at",
}

func (k Keys) withDefaults() Keys {
	if k.Profile == "" {
		k.Profile = DefaultKeys.Profile
	}
	if k.AccessToken == "" {
		k.AccessToken = DefaultKeys.AccessToken
	}
	if k.RefreshToken == "" {
		k.RefreshToken = DefaultKeys.RefreshToken
	}
	if k.StartedAt == "" {
		k.StartedAt = DefaultKeys.StartedAt
	}
	if k.LastActiveAt == "" {
		k.LastActiveAt = DefaultKeys.LastActiveAt
	}
	return k
}

func (k Keys) all() []string {
	return []string{k.Profile, k.AccessToken, k.RefreshToken, k.StartedAt, k.LastActiveAt}
}

// encodeProfile serializes p and obscures it from casual inspection:
// base64 of the JSON, byte-reversed. This is not encryption.
func encodeProfile(p model.Profile) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	enc := []byte(base64.StdEncoding.EncodeToString(raw))
	slices.Reverse(enc)
	return enc, nil
}

func decodeProfile(b []byte) (model.Profile, error) {
	enc := bytes.Clone(b)
	slices.Reverse(enc)
	raw, err := base64.StdEncoding.DecodeString(string(enc))
	if err != nil {
		return model.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	var p model.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}
