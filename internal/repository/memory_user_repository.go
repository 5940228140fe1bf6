package repository

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/backoffice-auth/internal/model"
)

// MemoryUserRepo is a process-local user directory with the same contract as
// UserRepo. It backs integration tests and local runs without MySQL.
type MemoryUserRepo struct {
	mu     sync.RWMutex
	users  map[uint64]model.User
	nextID uint64
	now    func() time.Time
}

func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{users: make(map[uint64]model.User), now: time.Now}
}

func (r *MemoryUserRepo) Create(_ context.Context, u NewUser) (uint64, error) {
	email := NormalizeEmail(u.Email)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == email {
			return 0, ErrEmailExists
		}
	}
	r.nextID++
	now := r.now().UTC()
	r.users[r.nextID] = model.User{
		ID:           r.nextID,
		Email:        email,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
		Department:   u.Department,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return r.nextID, nil
}

func (r *MemoryUserRepo) GetByEmail(_ context.Context, email string) (model.User, error) {
	email = NormalizeEmail(email)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, ErrNotFound
}

func (r *MemoryUserRepo) GetByID(_ context.Context, id uint64) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryUserRepo) TouchLastLogin(_ context.Context, id uint64, at time.Time) error {
	return r.update(id, func(u *model.User) {
		t := at.UTC()
		u.LastLoginAt = &t
	})
}

func (r *MemoryUserRepo) SetActive(_ context.Context, id uint64, active bool) error {
	return r.update(id, func(u *model.User) { u.IsActive = active })
}

func (r *MemoryUserRepo) update(id uint64, fn func(*model.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = r.now().UTC()
	r.users[id] = u
	return nil
}
