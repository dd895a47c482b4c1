package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"duochat/internal/protocol/conversation"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// Message is stored per conversation pair and travels over the wire as
	// a five element array: body, timestamp, likers, sender slot, id.
	Message struct {
		ID        primitive.ObjectID `bson:"_id,omitempty"`
		User1     string             `bson:"user1"`
		User2     string             `bson:"user2"`
		Body      string             `bson:"message"`
		Timestamp time.Time          `bson:"timestamp"`
		Likers    []string           `bson:"upvotes"`
		Sender    conversation.Slot  `bson:"sender"`
	}
)

// LikedBy reports whether user is in the likers set.
func (m *Message) LikedBy(user string) bool {
	for _, u := range m.Likers {
		if u == user {
			return true
		}
	}
	return false
}

// Equal compares the fields visible to clients.
func (m Message) Equal(o Message) bool {
	if m.ID != o.ID || m.Body != o.Body || m.Sender != o.Sender || !m.Timestamp.Equal(o.Timestamp) {
		return false
	}
	if len(m.Likers) != len(o.Likers) {
		return false
	}
	for i := range m.Likers {
		if m.Likers[i] != o.Likers[i] {
			return false
		}
	}
	return true
}

func (m Message) MarshalJSON() ([]byte, error) {
	likers := m.Likers
	if likers == nil {
		likers = []string{}
	}
	return json.Marshal([]any{
		m.Body,
		unixSeconds(m.Timestamp),
		likers,
		int(m.Sender),
		m.ID.Hex(),
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("message record: %w", err)
	}
	if len(raw) < 5 {
		return fmt.Errorf("message record: want 5 fields, got %d", len(raw))
	}

	var (
		body   string
		ts     float64
		likers []string
		sender int
		id     string
	)
	if err := json.Unmarshal(raw[0], &body); err != nil {
		return fmt.Errorf("message body: %w", err)
	}
	if err := json.Unmarshal(raw[1], &ts); err != nil {
		return fmt.Errorf("message timestamp: %w", err)
	}
	if err := json.Unmarshal(raw[2], &likers); err != nil {
		return fmt.Errorf("message likers: %w", err)
	}
	if err := json.Unmarshal(raw[3], &sender); err != nil {
		return fmt.Errorf("message sender: %w", err)
	}
	if err := json.Unmarshal(raw[4], &id); err != nil {
		return fmt.Errorf("message id: %w", err)
	}

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}

	*m = Message{
		ID:        oid,
		Body:      body,
		Timestamp: fromUnixSeconds(ts),
		Likers:    likers,
		Sender:    conversation.Slot(sender),
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromUnixSeconds(s float64) time.Time {
	return time.UnixMicro(int64(math.Round(s * 1e6))).UTC()
}
