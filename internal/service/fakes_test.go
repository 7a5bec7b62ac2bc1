package service

import (
	"sync"
	"time"

	"github.com/docg1701/iam-dashboard/internal/domain"
	"github.com/docg1701/iam-dashboard/internal/repository"
)

type fakeUserRepo struct {
	mu     sync.Mutex
	nextID uint
	byID   map[uint]*domain.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{nextID: 1, byID: map[uint]*domain.User{}}
}

func (f *fakeUserRepo) add(u *domain.User) *domain.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.ID == 0 {
		u.ID = f.nextID
		f.nextID++
	}
	clone := *u
	f.byID[u.ID] = &clone
	return u
}

func (f *fakeUserRepo) FindByID(id uint) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	clone := *u
	return &clone, nil
}

func (f *fakeUserRepo) FindByEmail(email string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (f *fakeUserRepo) Create(u *domain.User) error {
	f.add(u)
	return nil
}

func (f *fakeUserRepo) Update(u *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *u
	f.byID[u.ID] = &clone
	return nil
}

func (f *fakeUserRepo) UpdateLoginState(id uint, failedAttempts int, lockedUntil *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.FailedLoginAttempts = failedAttempts
		u.LockedUntil = lockedUntil
	}
	return nil
}

func (f *fakeUserRepo) TouchLastLogin(id uint, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

func (f *fakeUserRepo) SetTOTPSecret(id uint, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.TOTPSecret = secret
	}
	return nil
}

func (f *fakeUserRepo) ClearTOTPSecret(id uint) error {
	return f.SetTOTPSecret(id, "")
}

type fakePermRepo struct {
	mu    sync.Mutex
	byID  map[uint]domain.PermissionMap
	calls int
}

func newFakePermRepo() *fakePermRepo {
	return &fakePermRepo{byID: map[uint]domain.PermissionMap{}}
}

func (f *fakePermRepo) MapForUser(userID uint) (domain.PermissionMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := domain.PermissionMap{}
	for resource, actions := range f.byID[userID] {
		out[resource] = append([]string(nil), actions...)
	}
	return out, nil
}

func (f *fakePermRepo) Grant(userID uint, resource, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	perms := f.byID[userID]
	if perms == nil {
		perms = domain.PermissionMap{}
		f.byID[userID] = perms
	}
	perms[resource] = append(perms[resource], action)
	return nil
}

func (f *fakePermRepo) RevokeAll(userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, userID)
	return nil
}

type fakeBackupCodeRepo struct {
	mu   sync.Mutex
	byID map[uint]map[string]bool // hash -> used
}

func newFakeBackupCodeRepo() *fakeBackupCodeRepo {
	return &fakeBackupCodeRepo{byID: map[uint]map[string]bool{}}
}

func (f *fakeBackupCodeRepo) Replace(userID uint, codeHashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	codes := map[string]bool{}
	for _, hash := range codeHashes {
		codes[hash] = false
	}
	f.byID[userID] = codes
	return nil
}

func (f *fakeBackupCodeRepo) Consume(userID uint, codeHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	codes := f.byID[userID]
	used, ok := codes[codeHash]
	if !ok || used {
		return repository.ErrBackupCodeNotFound
	}
	codes[codeHash] = true
	return nil
}

func (f *fakeBackupCodeRepo) DeleteAll(userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, userID)
	return nil
}
