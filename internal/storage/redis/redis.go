// Package redis implements storage on Redis for deployments that run several
// relying-party instances against one realm.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

// maxTxRetries bounds optimistic transaction retries under contention
const maxTxRetries = 10

// Store implements Redis storage
type Store struct {
	client    *redis.Client
	keyPrefix string

	users    *UserStore
	settings *SettingsStore
}

// NewStore creates a new Redis store
func NewStore(ctx context.Context, cfg *config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "loginshield:"
	}

	return &Store{
		client:    client,
		keyPrefix: prefix,
		users:     &UserStore{client: client, prefix: prefix},
		settings:  &SettingsStore{client: client, key: prefix + "settings"},
	}, nil
}

func (s *Store) Users() storage.UserStore        { return s.users }
func (s *Store) Settings() storage.SettingsStore { return s.settings }
func (s *Store) Close() error                    { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SettingsStore keeps every setting as a field of one hash
type SettingsStore struct {
	client *redis.Client
	key    string
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.HGet(ctx, s.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return v, nil
}

func (s *SettingsStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	values, err := s.client.HMGet(ctx, s.key, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[keys[i]] = str
		}
	}
	return out, nil
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

// SetMany writes all fields in one MULTI/EXEC block
func (s *SettingsStore) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 2*len(values))
	for k, v := range values {
		args = append(args, k, v)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, args...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// CompareAndSet watches the settings hash so a concurrent writer aborts
// the transaction, in which case the comparison is retried.
func (s *SettingsStore) CompareAndSet(ctx context.Context, key, prev, next string) (bool, error) {
	swapped := false
	txf := func(tx *redis.Tx) error {
		swapped = false
		current, err := tx.HGet(ctx, s.key, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != prev {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key, key, next)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to compare and set %s: %w", key, err)
		}
		return swapped, nil
	}
	return false, fmt.Errorf("compare and set %s: %w", key, storage.ErrConflict)
}

func (s *SettingsStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete settings: %w", err)
	}
	return nil
}

// UserStore stores each user as a JSON document. Username and realm-scoped
// user id uniqueness are enforced with SETNX index keys.
type UserStore struct {
	client *redis.Client
	prefix string
}

// userRecord carries the password hash, which domain.User hides from JSON
type userRecord struct {
	*domain.User
	PasswordHash *string `json:"password_hash,omitempty"`
}

func (s *UserStore) userKey(id string) string {
	return s.prefix + "user:" + id
}

func (s *UserStore) usernameKey(name string) string {
	return s.prefix + "username:" + name
}

func (s *UserStore) rsuidKey(rsuid string) string {
	return s.prefix + "rsuid:" + rsuid
}

func (s *UserStore) indexKey() string {
	return s.prefix + "users"
}

func encodeUser(u *domain.User) ([]byte, error) {
	return json.Marshal(userRecord{User: u, PasswordHash: u.PasswordHash})
}

func decodeUser(data []byte) (*domain.User, error) {
	rec := userRecord{User: &domain.User{}}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	rec.User.PasswordHash = rec.PasswordHash
	return rec.User, nil
}

// getter is satisfied by both *redis.Client and *redis.Tx
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *UserStore) load(ctx context.Context, g getter, id string) (*domain.User, error) {
	data, err := g.Get(ctx, s.userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return decodeUser(data)
}

func (s *UserStore) Create(ctx context.Context, user *domain.User) error {
	id := user.UUID.String()
	ok, err := s.client.SetNX(ctx, s.usernameKey(user.Username), id, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve username: %w", err)
	}
	if !ok {
		return storage.ErrAlreadyExists
	}

	if rsuid := user.Binding.RealmScopedUserID; rsuid != "" {
		ok, err := s.client.SetNX(ctx, s.rsuidKey(rsuid), id, 0).Result()
		if err != nil || !ok {
			_ = s.client.Del(ctx, s.usernameKey(user.Username)).Err()
			if err != nil {
				return fmt.Errorf("failed to reserve realm user id: %w", err)
			}
			return storage.ErrAlreadyExists
		}
	}

	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()
	data, err := encodeUser(user)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, s.userKey(id), data, 0).Result()
	if err == nil && !created {
		err = storage.ErrAlreadyExists
	}
	if err != nil {
		keys := []string{s.usernameKey(user.Username)}
		if rsuid := user.Binding.RealmScopedUserID; rsuid != "" {
			keys = append(keys, s.rsuidKey(rsuid))
		}
		_ = s.client.Del(ctx, keys...).Err()
		if errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return s.client.SAdd(ctx, s.indexKey(), id).Err()
}

func (s *UserStore) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return s.load(ctx, s.client, id.String())
}

func (s *UserStore) GetByLogin(ctx context.Context, login string) (*domain.User, error) {
	if login == "" {
		return nil, storage.ErrNotFound
	}

	id, err := s.client.Get(ctx, s.usernameKey(login)).Result()
	if err == nil {
		return s.load(ctx, s.client, id)
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	users, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.MatchesLogin(login) {
			return u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *UserStore) GetByRealmScopedUserID(ctx context.Context, rsuid string) (*domain.User, error) {
	if rsuid == "" {
		return nil, storage.ErrNotFound
	}
	id, err := s.client.Get(ctx, s.rsuidKey(rsuid)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return s.load(ctx, s.client, id)
}

// modify runs fn on the current user under WATCH and writes the result back
func (s *UserStore) modify(ctx context.Context, id domain.UserID, fn func(u *domain.User) error) error {
	key := s.userKey(id.String())
	txf := func(tx *redis.Tx) error {
		user, err := s.load(ctx, tx, id.String())
		if err != nil {
			return err
		}
		if err := fn(user); err != nil {
			return err
		}
		user.UpdatedAt = time.Now()
		data, err := encodeUser(user)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return storage.ErrConflict
}

func (s *UserStore) Update(ctx context.Context, user *domain.User) error {
	var previousName string
	renamed := false

	existing, err := s.GetByID(ctx, user.UUID)
	if err != nil {
		return err
	}
	if existing.Username != user.Username {
		ok, err := s.client.SetNX(ctx, s.usernameKey(user.Username), user.UUID.String(), 0).Result()
		if err != nil {
			return fmt.Errorf("failed to reserve username: %w", err)
		}
		if !ok {
			return storage.ErrAlreadyExists
		}
		previousName = existing.Username
		renamed = true
	}

	err = s.modify(ctx, user.UUID, func(u *domain.User) error {
		u.Username = user.Username
		u.Email = user.Email
		u.DisplayName = user.DisplayName
		u.IsAdmin = user.IsAdmin
		if user.PasswordHash != nil {
			u.PasswordHash = user.PasswordHash
		}
		return nil
	})
	if renamed {
		stale := previousName
		if err != nil {
			stale = user.Username
		}
		_ = s.client.Del(ctx, s.usernameKey(stale)).Err()
	}
	return err
}

func (s *UserStore) UpdateBinding(ctx context.Context, id domain.UserID, binding domain.UserAuthBinding) error {
	return s.modify(ctx, id, func(u *domain.User) error {
		if u.Binding.RealmScopedUserID != binding.RealmScopedUserID {
			return storage.ErrConflict
		}
		u.Binding = binding
		return nil
	})
}

func (s *UserStore) ClaimRealmScopedUserID(ctx context.Context, id domain.UserID, rsuid string) error {
	if rsuid == "" {
		return storage.ErrInvalidInput
	}

	ok, err := s.client.SetNX(ctx, s.rsuidKey(rsuid), id.String(), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve realm user id: %w", err)
	}
	if !ok {
		return storage.ErrAlreadyExists
	}

	err = s.modify(ctx, id, func(u *domain.User) error {
		if u.Binding.RealmScopedUserID != "" {
			return storage.ErrConflict
		}
		u.Binding.RealmScopedUserID = rsuid
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, s.rsuidKey(rsuid)).Err()
	}
	return err
}

func (s *UserStore) ClearBinding(ctx context.Context, id domain.UserID) error {
	var released string
	err := s.modify(ctx, id, func(u *domain.User) error {
		released = u.Binding.RealmScopedUserID
		u.Binding = domain.UserAuthBinding{}
		return nil
	})
	if err != nil {
		return err
	}
	if released != "" {
		return s.client.Del(ctx, s.rsuidKey(released)).Err()
	}
	return nil
}

func (s *UserStore) Delete(ctx context.Context, id domain.UserID) error {
	user, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	keys := []string{s.userKey(id.String()), s.usernameKey(user.Username)}
	if rsuid := user.Binding.RealmScopedUserID; rsuid != "" {
		keys = append(keys, s.rsuidKey(rsuid))
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, s.indexKey(), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (s *UserStore) List(ctx context.Context) ([]*domain.User, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := make([]*domain.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.load(ctx, s.client, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}
