package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"duochat/internal/model"
	"duochat/internal/protocol/conversation"
	"duochat/internal/utils/log"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type valueResponse[T any] struct {
	Value T `json:"value"`
}

func (s *HttpServer) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req credentialsRequest
		if msg, ok := s.decode(w, r, &req); !ok {
			writeError(w, http.StatusBadRequest, msg)
			return
		}

		user, err := s.users.GetByName(ctx, req.Username)
		if err != nil {
			log.Error("Login failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if user == nil {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		if !checkPassword(user.PasswordHash, req.Password) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		if err := s.issueToken(ctx, w, user.Name); err != nil {
			log.Error("Login failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		log.Info("user logged in", zap.String("username", user.Name))
		writeOK(w)
	}
}

func (s *HttpServer) CreateAccount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req createAccountRequest
		if msg, ok := s.decode(w, r, &req); !ok {
			writeError(w, http.StatusBadRequest, msg)
			return
		}

		hash, err := s.hashPassword(req.Password)
		if err != nil {
			log.Error("CreateAccount failed", zap.Error(err))
			writeError(w, http.StatusBadRequest, "Bad request")
			return
		}

		_, err = s.users.Create(ctx, &model.User{Name: req.Username, PasswordHash: hash})
		if errors.Is(err, model.ErrConflict) {
			writeError(w, http.StatusConflict, "Username already exists")
			return
		}
		if err != nil {
			log.Error("CreateAccount failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		if err := s.issueToken(ctx, w, req.Username); err != nil {
			log.Error("CreateAccount failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		log.Info("account created", zap.String("username", req.Username))
		writeOK(w)
	}
}

// Logout always succeeds; it forgets the presented pair if it exists.
func (s *HttpServer) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req logoutRequest
		if msg, ok := s.decode(w, r, &req); !ok {
			writeError(w, http.StatusBadRequest, msg)
			return
		}

		access, refresh := requestToken(r)
		tok, err := s.tokens.Find(ctx, req.Username, access, refresh)
		for hops := 0; err == nil && tok != nil && hops <= maxRotationHops; hops++ {
			if _, err = s.tokens.Delete(ctx, tok.ID); err != nil || !tok.Rotated() {
				break
			}
			tok, err = s.tokens.Find(ctx, req.Username, tok.NextAccess, tok.NextRefresh)
		}
		if err != nil {
			log.Error("Logout failed", zap.Error(err))
		}

		s.setCookies(w, "", "")
		writeOK(w)
	}
}

func (s *HttpServer) GetChats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		username := mux.Vars(r)["username"]

		if !s.authorize(w, r, username) {
			return
		}

		user, err := s.users.GetByName(ctx, username)
		if err != nil {
			log.Error("GetChats failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if user == nil {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}

		chats := user.Chats
		if chats == nil {
			chats = []string{}
		}
		writeJSON(w, http.StatusOK, valueResponse[[]string]{Value: chats})
	}
}

// NewChat adds new_user to current_user's list. The other side learns of
// the conversation with the first message.
func (s *HttpServer) NewChat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req newChatRequest
		if msg, ok := s.decode(w, r, &req); !ok {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if !s.authorize(w, r, req.CurrentUser) {
			return
		}
		if req.CurrentUser == req.NewUser {
			writeError(w, http.StatusBadRequest, "Cannot start a conversation with yourself")
			return
		}

		other, err := s.users.GetByName(ctx, req.NewUser)
		if err != nil {
			log.Error("NewChat failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if other == nil {
			writeError(w, http.StatusBadRequest, "User does not exist")
			return
		}

		err = s.users.AddChat(ctx, req.CurrentUser, req.NewUser)
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		if err != nil {
			log.Error("NewChat failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeOK(w)
	}
}

func (s *HttpServer) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req sendMessageRequest
		if msg, ok := s.decode(w, r, &req); !ok {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if !s.authorize(w, r, req.Sender) {
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}

		pair, err := conversation.NewPair(req.Sender, req.Recipient)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Bad request")
			return
		}

		recipient, err := s.users.GetByName(ctx, req.Recipient)
		if err != nil {
			log.Error("SendMessage failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if recipient == nil {
			writeError(w, http.StatusBadRequest, "Bad Request, recipient doesn't exist")
			return
		}

		slot, _ := pair.SlotOf(req.Sender)
		msg := &model.Message{
			User1:     pair.A,
			User2:     pair.B,
			Body:      req.Message,
			Timestamp: time.Now().UTC(),
			Likers:    []string{},
			Sender:    slot,
		}
		if err := s.messages.Append(ctx, msg); err != nil {
			log.Error("SendMessage failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Couldn't create message")
			return
		}

		for _, p := range [][2]string{{pair.A, pair.B}, {pair.B, pair.A}} {
			if err := s.users.AddChat(ctx, p[0], p[1]); err != nil {
				log.Error("SendMessage: record conversation failed", zap.String("username", p[0]), zap.Error(err))
			}
		}

		s.publish(ctx, pair.Key(), model.EventNewMessage)
		writeJSON(w, http.StatusOK, valueResponse[string]{Value: model.EventNewMessage})
	}
}

func (s *HttpServer) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req getMessagesRequest
		if msg, ok := s.decode(w, r, &req); !ok {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if !s.authorize(w, r, req.Sender) {
			return
		}

		pair, err := conversation.NewPair(req.Sender, req.Recipient)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Bad request")
			return
		}

		recipient, err := s.users.GetByName(ctx, req.Recipient)
		if err != nil {
			log.Error("GetMessages failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if recipient == nil {
			writeError(w, http.StatusBadRequest, "Bad request")
			return
		}

		messages, err := s.messages.List(ctx, pair)
		if err != nil {
			log.Error("GetMessages failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, valueResponse[[]model.Message]{Value: messages})
	}
}

// UpdateLike toggles username's like under a per-message lock, so two
// toggles on the same message never read the same starting state.
func (s *HttpServer) UpdateLike() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req updateLikeRequest
		if msg, ok := s.decode(w, r, &req); !ok {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if !s.authorize(w, r, req.Username) {
			return
		}

		id, err := primitive.ObjectIDFromHex(req.MessageID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Bad request")
			return
		}
		pair, err := conversation.NewPair(req.Username, req.Username2)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Bad request")
			return
		}

		unlock, err := s.locker.Lock(ctx, "like:"+id.Hex())
		if err != nil {
			log.Error("UpdateLike: acquire lock failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Error updating")
			return
		}
		defer unlock()

		msg, err := s.messages.Get(ctx, id)
		if err != nil {
			log.Error("UpdateLike failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Error updating")
			return
		}
		if msg == nil || msg.User1 != pair.A || msg.User2 != pair.B {
			writeError(w, http.StatusBadRequest, "Bad request")
			return
		}

		liked, err := s.messages.ToggleLike(ctx, id, req.Username)
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "Bad request")
			return
		}
		if err != nil {
			log.Error("UpdateLike failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Error updating")
			return
		}
		log.Debug("like toggled", zap.String("message_id", req.MessageID), zap.String("username", req.Username), zap.Bool("liked", liked))

		s.publish(ctx, pair.Key(), model.EventLikeUpdate)
		writeOK(w)
	}
}
