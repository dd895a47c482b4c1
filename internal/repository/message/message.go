package message

import (
	"context"
	"errors"

	"duochat/internal/model"
	"duochat/internal/protocol/conversation"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MessageRepo struct {
		collection *mongo.Collection
	}
)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("messages"),
	}
}

// EnsureIndexes supports listing a conversation in order.
func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user1", Value: 1},
			{Key: "user2", Value: 1},
			{Key: "timestamp", Value: 1},
			{Key: "_id", Value: 1},
		},
	})
	return err
}

func (r *MessageRepo) Append(ctx context.Context, msg *model.Message) error {
	if msg.Likers == nil {
		msg.Likers = []string{}
	}

	res, err := r.collection.InsertOne(ctx, msg)
	if err != nil {
		return err
	}
	msg.ID = res.InsertedID.(primitive.ObjectID)
	return nil
}

// List returns the conversation oldest first, ties broken by id.
func (r *MessageRepo) List(ctx context.Context, pair conversation.Pair) ([]model.Message, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "timestamp", Value: 1},
		{Key: "_id", Value: 1},
	})

	cur, err := r.collection.Find(ctx, bson.M{"user1": pair.A, "user2": pair.B}, opts)
	if err != nil {
		return nil, err
	}

	messages := []model.Message{}
	if err := cur.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *MessageRepo) Get(ctx context.Context, id primitive.ObjectID) (*model.Message, error) {
	var msg model.Message
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ToggleLike adds user to the likers when absent and removes it when
// present. Each branch only matches in the state it expects, so a
// concurrent toggle can make an attempt miss but never applies the same
// transition twice; a miss is retried until one branch applies. It
// reports whether user likes the message afterwards.
func (r *MessageRepo) ToggleLike(ctx context.Context, id primitive.ObjectID, user string) (bool, error) {
	for {
		res, err := r.collection.UpdateOne(ctx,
			bson.M{"_id": id, "upvotes": bson.M{"$ne": user}},
			bson.M{"$addToSet": bson.M{"upvotes": user}},
		)
		if err != nil {
			return false, err
		}
		if res.ModifiedCount == 1 {
			return true, nil
		}

		res, err = r.collection.UpdateOne(ctx,
			bson.M{"_id": id, "upvotes": user},
			bson.M{"$pull": bson.M{"upvotes": user}},
		)
		if err != nil {
			return false, err
		}
		if res.ModifiedCount == 1 {
			return false, nil
		}

		msg, err := r.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if msg == nil {
			return false, model.ErrNotFound
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
}
