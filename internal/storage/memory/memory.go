package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
)

// Store implements an in-memory storage
type Store struct {
	users    *UserStore
	settings *SettingsStore
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		users: &UserStore{
			data:  make(map[string]*domain.User),
			rsuid: make(map[string]string),
		},
		settings: &SettingsStore{data: make(map[string]string)},
	}
}

func (s *Store) Users() storage.UserStore        { return s.users }
func (s *Store) Settings() storage.SettingsStore { return s.settings }
func (s *Store) Close() error                    { return nil }
func (s *Store) Ping(ctx context.Context) error  { return nil }

// SettingsSnapshot returns a copy of every stored setting
func (s *Store) SettingsSnapshot() map[string]string {
	return s.settings.Snapshot()
}

// SettingsStore implements in-memory settings storage
type SettingsStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *SettingsStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value
	return nil
}

func (s *SettingsStore) SetMany(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range values {
		s.data[k] = v
	}
	return nil
}

func (s *SettingsStore) CompareAndSet(ctx context.Context, key, prev, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[key] != prev {
		return false, nil
	}
	s.data[key] = next
	return true, nil
}

func (s *SettingsStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// Snapshot returns a copy of every setting. Used by tests.
func (s *SettingsStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// UserStore implements in-memory user storage. rsuid indexes realm-scoped
// user ids to local user ids and enforces their uniqueness.
type UserStore struct {
	mu    sync.RWMutex
	data  map[string]*domain.User
	rsuid map[string]string
}

func clone(u *domain.User) *domain.User {
	c := *u
	if u.PasswordHash != nil {
		h := *u.PasswordHash
		c.PasswordHash = &h
	}
	return &c
}

func (s *UserStore) Create(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[user.UUID.String()]; exists {
		return storage.ErrAlreadyExists
	}
	for _, u := range s.data {
		if u.Username == user.Username {
			return storage.ErrAlreadyExists
		}
	}
	if id := user.Binding.RealmScopedUserID; id != "" {
		if _, taken := s.rsuid[id]; taken {
			return storage.ErrAlreadyExists
		}
		s.rsuid[id] = user.UUID.String()
	}

	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()
	s.data[user.UUID.String()] = clone(user)
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.data[id.String()]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return clone(user), nil
}

func (s *UserStore) GetByLogin(ctx context.Context, login string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if login == "" {
		return nil, storage.ErrNotFound
	}
	for _, user := range s.data {
		if user.Username == login {
			return clone(user), nil
		}
	}
	for _, user := range s.data {
		if user.MatchesLogin(login) {
			return clone(user), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *UserStore) GetByRealmScopedUserID(ctx context.Context, rsuid string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.rsuid[rsuid]
	if !ok || rsuid == "" {
		return nil, storage.ErrNotFound
	}
	return clone(s.data[id]), nil
}

func (s *UserStore) Update(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[user.UUID.String()]
	if !exists {
		return storage.ErrNotFound
	}

	updated := clone(user)
	updated.Binding = existing.Binding
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	s.data[user.UUID.String()] = updated
	return nil
}

func (s *UserStore) UpdateBinding(ctx context.Context, id domain.UserID, binding domain.UserAuthBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.data[id.String()]
	if !exists {
		return storage.ErrNotFound
	}
	if binding.RealmScopedUserID != user.Binding.RealmScopedUserID {
		return storage.ErrConflict
	}

	user.Binding = binding
	user.UpdatedAt = time.Now()
	return nil
}

func (s *UserStore) ClaimRealmScopedUserID(ctx context.Context, id domain.UserID, rsuid string) error {
	if rsuid == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.data[id.String()]
	if !exists {
		return storage.ErrNotFound
	}
	if user.Binding.RealmScopedUserID != "" {
		return storage.ErrConflict
	}
	if _, taken := s.rsuid[rsuid]; taken {
		return storage.ErrAlreadyExists
	}

	s.rsuid[rsuid] = id.String()
	user.Binding.RealmScopedUserID = rsuid
	user.UpdatedAt = time.Now()
	return nil
}

func (s *UserStore) ClearBinding(ctx context.Context, id domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.data[id.String()]
	if !exists {
		return storage.ErrNotFound
	}
	if rsuid := user.Binding.RealmScopedUserID; rsuid != "" {
		delete(s.rsuid, rsuid)
	}
	user.Binding = domain.UserAuthBinding{}
	user.UpdatedAt = time.Now()
	return nil
}

func (s *UserStore) Delete(ctx context.Context, id domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.data[id.String()]
	if !exists {
		return storage.ErrNotFound
	}
	if rsuid := user.Binding.RealmScopedUserID; rsuid != "" {
		delete(s.rsuid, rsuid)
	}
	delete(s.data, id.String())
	return nil
}

func (s *UserStore) List(ctx context.Context) ([]*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*domain.User, 0, len(s.data))
	for _, user := range s.data {
		users = append(users, clone(user))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}
