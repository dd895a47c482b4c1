package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"time"

	"duochat/internal/model"
	"duochat/internal/protocol/conversation"
	"duochat/internal/service/broker"
	"duochat/internal/service/lock"
	"duochat/internal/utils/log"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type (
	UserStore interface {
		GetByName(ctx context.Context, name string) (*model.User, error)
		Create(ctx context.Context, user *model.User) (primitive.ObjectID, error)
		AddChat(ctx context.Context, name, other string) error
	}

	MessageStore interface {
		Append(ctx context.Context, msg *model.Message) error
		List(ctx context.Context, pair conversation.Pair) ([]model.Message, error)
		Get(ctx context.Context, id primitive.ObjectID) (*model.Message, error)
		ToggleLike(ctx context.Context, id primitive.ObjectID, user string) (bool, error)
	}

	TokenStore interface {
		Create(ctx context.Context, tok *model.Token) error
		Find(ctx context.Context, username, access, refresh string) (*model.Token, error)
		Rotate(ctx context.Context, id primitive.ObjectID, next *model.Token, graceUntil time.Time) (bool, error)
		Delete(ctx context.Context, id primitive.ObjectID) (bool, error)
	}

	Options struct {
		AccessTTL  time.Duration
		RefreshTTL time.Duration
		// RotationGrace is how long a rotated pair keeps working. Requests
		// already in flight when the pair rotated still carry it.
		RotationGrace  time.Duration
		AllowedOrigins []string
		SecureCookies  bool
		BcryptCost     int
	}

	HttpServer struct {
		users    UserStore
		messages MessageStore
		tokens   TokenStore
		broker   broker.Broker
		locker   lock.Locker
		hub      *Hub
		validate *validator.Validate
		opts     Options
	}
)

func NewHttpServer(users UserStore, messages MessageStore, tokens TokenStore, b broker.Broker, l lock.Locker, opts Options) *HttpServer {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 120 * time.Minute
	}
	if opts.RotationGrace <= 0 {
		opts.RotationGrace = 30 * time.Second
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}

	return &HttpServer{
		users:    users,
		messages: messages,
		tokens:   tokens,
		broker:   b,
		locker:   l,
		hub:      NewHub(),
		validate: newValidator(),
		opts:     opts,
	}
}

// Router returns the HTTP handler for every endpoint.
func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	post := []string{http.MethodPost, http.MethodOptions}
	r.HandleFunc("/login", s.Login()).Methods(post...)
	r.HandleFunc("/create-account", s.CreateAccount()).Methods(post...)
	r.HandleFunc("/logout", s.Logout()).Methods(post...)
	r.HandleFunc("/get-chats/{username}", s.GetChats()).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/new-chat", s.NewChat()).Methods(post...)
	r.HandleFunc("/send-message", s.SendMessage()).Methods(post...)
	r.HandleFunc("/get-messages", s.GetMessages()).Methods(post...)
	r.HandleFunc("/update-like", s.UpdateLike()).Methods(post...)
	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)

	r.Use(s.logRequests, mux.CORSMethodMiddleware(r), s.cors)
	return r
}

// Run serves on addr and relays broker signals to local websocket
// subscribers until ctx is done.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.broker.Run(ctx, s.relay)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *HttpServer) relay(sig broker.Signal) {
	n := s.hub.Broadcast(sig.Topic, sig.Event)
	log.Debug("relayed signal", zap.String("topic", sig.Topic), zap.String("event", sig.Event), zap.Int("subscribers", n))
}

// publish signals a committed change. A failure only delays the other
// side until its next refetch, so it is logged rather than returned.
func (s *HttpServer) publish(ctx context.Context, topic, event string) {
	if err := s.broker.Publish(ctx, broker.Signal{Topic: topic, Event: event}); err != nil {
		log.Error("publish signal failed", zap.String("topic", topic), zap.String("event", event), zap.Error(err))
	}
}

func (s *HttpServer) originAllowed(origin string) bool {
	return slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *HttpServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *HttpServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, struct{}{})
}
