package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	User struct {
		ID           primitive.ObjectID `bson:"_id,omitempty"`
		Name         string             `bson:"name"`
		PasswordHash string             `bson:"password_hash"`
		Chats        []string           `bson:"chats"`
	}

	// Token is one login's credential pair. The access token is short
	// lived; the refresh token lets the server rotate both.
	Token struct {
		ID            primitive.ObjectID `bson:"_id,omitempty"`
		Username      string             `bson:"username"`
		Access        string             `bson:"a_tok"`
		AccessExpiry  time.Time          `bson:"a_tok_ttl"`
		Refresh       string             `bson:"r_tok"`
		RefreshExpiry time.Time          `bson:"r_tok_ttl"`
		// NextAccess and NextRefresh name the pair this one was rotated
		// into. A rotated pair stays usable until RefreshExpiry, which
		// rotation shortens to the grace window.
		NextAccess  string `bson:"next_a_tok,omitempty"`
		NextRefresh string `bson:"next_r_tok,omitempty"`
	}
)

func (t *Token) Rotated() bool {
	return t.NextAccess != ""
}
