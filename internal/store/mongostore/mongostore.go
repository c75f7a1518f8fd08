// Package mongostore implements the user store and revocation list on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"parfum.shop/internal/auth"
	"parfum.shop/internal/ids"
	"parfum.shop/internal/obs"
)

const (
	usersCollection   = "users"
	revokedCollection = "revoked_tokens"
)

// Connect opens a client for uri and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the unique email index and the TTL index that lets
// MongoDB drop expired revocation entries on its own.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	emailIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetName("email_unique").SetUnique(true),
	}
	if _, err := db.Collection(usersCollection).Indexes().CreateOne(ctx, emailIndex); err != nil {
		obs.Logger().Error("ensure index failed", "index", "email_unique", "err", err)
		return err
	}

	ttlIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetName("expires_at_ttl").SetExpireAfterSeconds(0),
	}
	if _, err := db.Collection(revokedCollection).Indexes().CreateOne(ctx, ttlIndex); err != nil {
		obs.Logger().Error("ensure index failed", "index", "expires_at_ttl", "err", err)
		return err
	}
	return nil
}

type userDoc struct {
	ID                string    `bson:"_id"`
	Email             string    `bson:"email"`
	Name              string    `bson:"name"`
	PasswordHash      string    `bson:"passwordHash"`
	Role              string    `bson:"role"`
	Active            bool      `bson:"active"`
	CreatedAt         time.Time `bson:"createdAt"`
	UpdatedAt         time.Time `bson:"updatedAt"`
	PasswordChangedAt time.Time `bson:"passwordChangedAt,omitempty"`
}

func (d userDoc) user() *auth.User {
	return &auth.User{
		ID:                d.ID,
		Email:             d.Email,
		Name:              d.Name,
		PasswordHash:      d.PasswordHash,
		Role:              auth.Role(d.Role),
		Active:            d.Active,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		PasswordChangedAt: d.PasswordChangedAt,
	}
}

var _ auth.UserStore = (*UserStore)(nil)

// UserStore keeps accounts in the users collection keyed by ULID.
type UserStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{coll: db.Collection(usersCollection), now: time.Now}
}

func (s *UserStore) Create(ctx context.Context, u *auth.User) error {
	email := auth.NormalizeEmail(u.Email)
	if email == "" {
		return auth.ErrInvalidInput
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	doc := userDoc{
		ID:           u.ID,
		Email:        email,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Active:       u.Active,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    now,
	}
	if doc.ID == "" {
		doc.ID = ids.New()
	} else if !ids.Valid(doc.ID) {
		return auth.ErrInvalidInput
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return auth.ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	u.ID, u.Email, u.CreatedAt, u.UpdatedAt = doc.ID, email, doc.CreatedAt, now
	return nil
}

func (s *UserStore) FindByID(ctx context.Context, id string) (*auth.User, error) {
	id = strings.TrimSpace(id)
	if !ids.Valid(id) {
		return nil, auth.ErrNotFound
	}
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.findOne(ctx, bson.M{"email": auth.NormalizeEmail(email)})
}

func (s *UserStore) findOne(ctx context.Context, filter bson.M) (*auth.User, error) {
	var doc userDoc
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return doc.user(), nil
}

func (s *UserStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.set(ctx, id, bson.M{"passwordHash": passwordHash})
}

func (s *UserStore) UpdateRole(ctx context.Context, id string, role auth.Role) error {
	return s.set(ctx, id, bson.M{"role": string(role)})
}

func (s *UserStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.set(ctx, id, bson.M{"active": active})
}

func (s *UserStore) set(ctx context.Context, id string, fields bson.M) error {
	now := s.now().UTC()
	fields["updatedAt"] = now
	if _, ok := fields["passwordHash"]; ok {
		fields["passwordChangedAt"] = now
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return auth.ErrNotFound
	}
	return nil
}

var _ auth.RevocationList = (*RevocationList)(nil)

// RevocationList stores revoked token ids as documents {_id: jti, expiresAt}.
// The TTL index removes them after expiry; lookups also ignore stale ones
// because the TTL monitor runs only about once a minute.
type RevocationList struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewRevocationList(db *mongo.Database) *RevocationList {
	return &RevocationList{coll: db.Collection(revokedCollection), now: time.Now}
}

func (l *RevocationList) Put(ctx context.Context, id string, ttl time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return auth.ErrInvalidInput
	}
	if ttl <= 0 {
		return nil
	}
	_, err := l.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$max": bson.M{"expiresAt": l.now().Add(ttl).UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert revoked token: %w", err)
	}
	return nil
}

// Claim relies on the _id uniqueness of the collection: of several concurrent
// inserts for one id exactly one succeeds. A leftover entry the TTL monitor
// has not removed yet still blocks the claim, which only matters for tokens
// that are expired anyway.
func (l *RevocationList) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, auth.ErrInvalidInput
	}
	_, err := l.coll.InsertOne(ctx, bson.M{"_id": id, "expiresAt": l.now().Add(ttl).UTC()})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim token: %w", err)
	}
	return true, nil
}

func (l *RevocationList) Contains(ctx context.Context, id string) (bool, error) {
	n, err := l.coll.CountDocuments(ctx,
		bson.M{"_id": id, "expiresAt": bson.M{"$gt": l.now().UTC()}},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("lookup revoked token: %w", err)
	}
	return n > 0, nil
}
