package chatsync

import (
	"context"
	"strconv"

	"duochat/internal/model"
	"duochat/internal/service/session"
)

// LikeToggle submits like/unlike intents. The resulting state is computed
// by the server and observed through the next refetch.
type LikeToggle struct {
	backend  Backend
	sessions *session.Manager
	other    string
}

func NewLikeToggle(backend Backend, sessions *session.Manager, other string) *LikeToggle {
	return &LikeToggle{
		backend:  backend,
		sessions: sessions,
		other:    other,
	}
}

func (l *LikeToggle) Toggle(ctx context.Context, messageID string) error {
	if messageID == "" {
		return &model.ValidationError{Field: "message_id", Reason: "is required"}
	}

	return l.sessions.Do(ctx, func(ctx context.Context, sess session.Session) error {
		return l.backend.UpdateLike(ctx, messageID, sess.Username, l.other)
	})
}

// LikeLabel is the text of a message's like button. While hovered it
// previews the effect of a toggle; otherwise it shows the count.
func LikeLabel(m model.Message, viewer string, hovered bool) string {
	if hovered {
		if m.LikedBy(viewer) {
			return "-1"
		}
		return "+1"
	}
	return strconv.Itoa(len(m.Likers))
}
