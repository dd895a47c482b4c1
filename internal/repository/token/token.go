package token

import (
	"context"
	"errors"
	"time"

	"duochat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	TokenRepo struct {
		collection *mongo.Collection
	}
)

func NewTokenRepo(db *mongo.Database) *TokenRepo {
	return &TokenRepo{
		collection: db.Collection("tokens"),
	}
}

// EnsureIndexes indexes lookups and lets mongo drop pairs whose refresh
// token has expired.
func (r *TokenRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}, {Key: "a_tok", Value: 1}, {Key: "r_tok", Value: 1}}},
		{Keys: bson.D{{Key: "r_tok_ttl", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	return err
}

func (r *TokenRepo) Create(ctx context.Context, tok *model.Token) error {
	res, err := r.collection.InsertOne(ctx, tok)
	if err != nil {
		return err
	}
	tok.ID = res.InsertedID.(primitive.ObjectID)
	return nil
}

// Find returns the pair issued to username, or nil.
func (r *TokenRepo) Find(ctx context.Context, username, access, refresh string) (*model.Token, error) {
	filter := bson.M{
		"username": username,
		"a_tok":    access,
		"r_tok":    refresh,
	}

	var tok model.Token
	err := r.collection.FindOne(ctx, filter).Decode(&tok)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// Rotate links the pair id to its successor and cuts its lifetime to
// graceUntil. It reports false when the pair was already rotated or gone,
// so only one of several racing rotations wins.
func (r *TokenRepo) Rotate(ctx context.Context, id primitive.ObjectID, next *model.Token, graceUntil time.Time) (bool, error) {
	filter := bson.M{
		"_id":        id,
		"next_a_tok": bson.M{"$exists": false},
	}
	update := bson.M{"$set": bson.M{
		"next_a_tok": next.Access,
		"next_r_tok": next.Refresh,
		"r_tok_ttl":  graceUntil,
	}}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// Delete removes the pair. It reports false when it was already gone,
// which lets two racing rotations agree on a single winner.
func (r *TokenRepo) Delete(ctx context.Context, id primitive.ObjectID) (bool, error) {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}
