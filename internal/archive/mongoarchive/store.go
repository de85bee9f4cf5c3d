// Package mongoarchive implements archive.Store on MongoDB, for
// deployments that already run one. Conversations and messages live in
// two collections; message identity is (conversation_id, msg_id).
package mongoarchive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/otavioch/tandem/internal/archive"
	"github.com/otavioch/tandem/internal/model"
)

// Store is a MongoDB-backed archive.
type Store struct {
	client   *mongo.Client
	convs    *mongo.Collection
	messages *mongo.Collection
}

var _ archive.Store = (*Store)(nil)

// Open connects to MongoDB and prepares the collections and indexes.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		convs:    db.Collection("conversations"),
		messages: db.Collection("messages"),
	}

	_, err = s.messages.Indexes().CreateMany(connCtx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "msg_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: -1}},
		},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	_, err = s.convs.Indexes().CreateOne(connCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "member_ids", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create member index: %w", err)
	}
	return s, nil
}

func (s *Store) CreateConversation(ctx context.Context, c *model.Conversation) error {
	if _, err := s.convs.InsertOne(ctx, c); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.convs.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// ConversationsWithMember filters on array containment; exact member-set
// matching stays with the caller.
func (s *Store) ConversationsWithMember(ctx context.Context, uid string) ([]model.Conversation, error) {
	cur, err := s.convs.Find(ctx, bson.M{"member_ids": uid},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []model.Conversation
	for cur.Next(ctx) {
		var c model.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, cur.Err()
}

func (s *Store) UpdateLastMessage(ctx context.Context, cid string, lm *model.LastMessage) error {
	_, err := s.convs.UpdateOne(ctx, bson.M{"_id": cid},
		bson.M{"$set": bson.M{"last_message": lm, "updated_at": time.Now().UnixMilli()}})
	return err
}

func (s *Store) UpsertMessage(ctx context.Context, m *model.Message) error {
	filter := bson.M{"conversation_id": m.ConversationID, "msg_id": m.ID}
	_, err := s.messages.ReplaceOne(ctx, filter, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, cid, mid string) (*model.Message, error) {
	var m model.Message
	err := s.messages.FindOne(ctx, bson.M{"conversation_id": cid, "msg_id": mid}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

func (s *Store) ListMessagesBefore(ctx context.Context, cid string, beforeTs int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	cur, err := s.messages.Find(ctx,
		bson.M{"conversation_id": cid, "timestamp": bson.M{"$lt": beforeTs}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []model.Message
	for cur.Next(ctx) {
		var m model.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, cur.Err()
}

// AddDeletedFor sets one member key inside the deleted-for map; the
// field write is idempotent by construction.
func (s *Store) AddDeletedFor(ctx context.Context, cid, mid, uid string) error {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"conversation_id": cid, "msg_id": mid},
		bson.M{"$set": bson.M{"deleted_for." + uid: true}})
	if err != nil {
		return fmt.Errorf("add deleted-for: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("message %s/%s: %w", cid, mid, model.ErrNotFound)
	}
	return nil
}

func (s *Store) SetMessageText(ctx context.Context, cid, mid, text string, editedAt int64) error {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"conversation_id": cid, "msg_id": mid},
		bson.M{"$set": bson.M{"text": text, "is_edited": true, "edited_at": editedAt}})
	if err != nil {
		return fmt.Errorf("set message text: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("message %s/%s: %w", cid, mid, model.ErrNotFound)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
