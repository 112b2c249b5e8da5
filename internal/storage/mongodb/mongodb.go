package mongodb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-loginshield/internal/domain"
	"github.com/sirosfoundation/go-loginshield/internal/storage"
	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

// settingsDocID is the single document holding every setting. Keeping all
// values in one document makes multi-key writes atomic.
const settingsDocID = "loginshield"

// Store implements MongoDB storage
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	cfg      *config.MongoDBConfig

	users    *UserStore
	settings *SettingsStore
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *config.MongoDBConfig) (*Store, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(time.Duration(cfg.Timeout) * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)

	s := &Store{
		client:   client,
		database: database,
		cfg:      cfg,
	}

	s.users = &UserStore{collection: database.Collection("users")}
	s.settings = &SettingsStore{collection: database.Collection("settings")}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	if err := s.settings.init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize settings: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	// The realm-scoped user id index is sparse so unbound users do not collide
	_, err := s.users.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "binding.realm_scoped_user_id", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}

func (s *Store) Users() storage.UserStore        { return s.users }
func (s *Store) Settings() storage.SettingsStore { return s.settings }

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// SettingsStore implements MongoDB settings storage
type SettingsStore struct {
	collection *mongo.Collection
}

type settingsDoc struct {
	ID     string            `bson:"_id"`
	Values map[string]string `bson:"values"`
}

func (s *SettingsStore) init(ctx context.Context) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": settingsDocID},
		bson.M{"$setOnInsert": bson.M{"values": bson.M{}}},
		options.Update().SetUpsert(true),
	)
	return err
}

func validKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, ".$")
}

func field(key string) string {
	return "values." + key
}

func (s *SettingsStore) load(ctx context.Context, keys ...string) (map[string]string, error) {
	projection := bson.M{}
	for _, k := range keys {
		if !validKey(k) {
			return nil, storage.ErrInvalidInput
		}
		projection[field(k)] = 1
	}

	var doc settingsDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": settingsDocID}, options.FindOne().SetProjection(projection)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if doc.Values == nil {
		doc.Values = map[string]string{}
	}
	return doc.Values, nil
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	values, err := s.load(ctx, key)
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *SettingsStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	return s.load(ctx, keys...)
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

// SetMany writes every value with a single $set on one document
func (s *SettingsStore) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	set := bson.M{}
	for k, v := range values {
		if !validKey(k) {
			return storage.ErrInvalidInput
		}
		set[field(k)] = v
	}

	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": settingsDocID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

func (s *SettingsStore) CompareAndSet(ctx context.Context, key, prev, next string) (bool, error) {
	if !validKey(key) {
		return false, storage.ErrInvalidInput
	}

	filter := bson.M{"_id": settingsDocID}
	if prev == "" {
		filter["$or"] = bson.A{
			bson.M{field(key): bson.M{"$exists": false}},
			bson.M{field(key): ""},
		}
	} else {
		filter[field(key)] = prev
	}

	result, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{field(key): next}})
	if err != nil {
		return false, fmt.Errorf("failed to compare and set %s: %w", key, err)
	}
	return result.MatchedCount == 1, nil
}

func (s *SettingsStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	unset := bson.M{}
	for _, k := range keys {
		if !validKey(k) {
			return storage.ErrInvalidInput
		}
		unset[field(k)] = ""
	}

	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": settingsDocID}, bson.M{"$unset": unset})
	if err != nil {
		return fmt.Errorf("failed to delete settings: %w", err)
	}
	return nil
}

// UserStore implements MongoDB user storage
type UserStore struct {
	collection *mongo.Collection
}

func byID(id domain.UserID) bson.M {
	return bson.M{"_id.id": id.String()}
}

func (s *UserStore) findOne(ctx context.Context, filter bson.M) (*domain.User, error) {
	var user domain.User
	err := s.collection.FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *UserStore) Create(ctx context.Context, user *domain.User) error {
	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()

	_, err := s.collection.InsertOne(ctx, user)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return s.findOne(ctx, byID(id))
}

func (s *UserStore) GetByLogin(ctx context.Context, login string) (*domain.User, error) {
	if login == "" {
		return nil, storage.ErrNotFound
	}

	user, err := s.findOne(ctx, bson.M{"username": login})
	if !errors.Is(err, storage.ErrNotFound) {
		return user, err
	}

	email := primitive.Regex{Pattern: "^" + regexp.QuoteMeta(login) + "$", Options: "i"}
	return s.findOne(ctx, bson.M{"email": email})
}

func (s *UserStore) GetByRealmScopedUserID(ctx context.Context, rsuid string) (*domain.User, error) {
	if rsuid == "" {
		return nil, storage.ErrNotFound
	}
	return s.findOne(ctx, bson.M{"binding.realm_scoped_user_id": rsuid})
}

func (s *UserStore) Update(ctx context.Context, user *domain.User) error {
	user.UpdatedAt = time.Now()

	set := bson.M{
		"username":     user.Username,
		"email":        user.Email,
		"display_name": user.DisplayName,
		"is_admin":     user.IsAdmin,
		"updated_at":   user.UpdatedAt,
	}
	if user.PasswordHash != nil {
		set["password_hash"] = *user.PasswordHash
	}

	result, err := s.collection.UpdateOne(ctx, byID(user.UUID), bson.M{"$set": set})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// notFoundOrConflict tells a missing user apart from a failed filter match
func (s *UserStore) notFoundOrConflict(ctx context.Context, id domain.UserID) error {
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	return storage.ErrConflict
}

func (s *UserStore) UpdateBinding(ctx context.Context, id domain.UserID, binding domain.UserAuthBinding) error {
	filter := byID(id)
	if binding.RealmScopedUserID == "" {
		filter["binding.realm_scoped_user_id"] = bson.M{"$exists": false}
	} else {
		filter["binding.realm_scoped_user_id"] = binding.RealmScopedUserID
	}

	update := bson.M{"$set": bson.M{
		"binding.is_registered": binding.IsRegistered,
		"binding.is_activated":  binding.IsActivated,
		"binding.is_confirmed":  binding.IsConfirmed,
		"updated_at":            time.Now(),
	}}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update binding: %w", err)
	}
	if result.MatchedCount == 0 {
		return s.notFoundOrConflict(ctx, id)
	}
	return nil
}

func (s *UserStore) ClaimRealmScopedUserID(ctx context.Context, id domain.UserID, rsuid string) error {
	if rsuid == "" {
		return storage.ErrInvalidInput
	}

	filter := byID(id)
	filter["binding.realm_scoped_user_id"] = bson.M{"$exists": false}

	result, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"binding.realm_scoped_user_id": rsuid,
		"updated_at":                   time.Now(),
	}})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to claim realm user id: %w", err)
	}
	if result.MatchedCount == 0 {
		return s.notFoundOrConflict(ctx, id)
	}
	return nil
}

func (s *UserStore) ClearBinding(ctx context.Context, id domain.UserID) error {
	result, err := s.collection.UpdateOne(ctx, byID(id), bson.M{"$set": bson.M{
		"binding":    domain.UserAuthBinding{},
		"updated_at": time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to clear binding: %w", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *UserStore) Delete(ctx context.Context, id domain.UserID) error {
	result, err := s.collection.DeleteOne(ctx, byID(id))
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *UserStore) List(ctx context.Context) ([]*domain.User, error) {
	cursor, err := s.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var users []*domain.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	return users, nil
}
