package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"duochat/internal/model"
	"duochat/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

func (s *HttpServer) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *HttpServer) newToken(username string) *model.Token {
	now := time.Now().UTC()
	return &model.Token{
		Username:      username,
		Access:        uuid.NewString(),
		AccessExpiry:  now.Add(s.opts.AccessTTL),
		Refresh:       uuid.NewString(),
		RefreshExpiry: now.Add(s.opts.RefreshTTL),
	}
}

// issueToken stores a fresh pair for username and sets it on w.
func (s *HttpServer) issueToken(ctx context.Context, w http.ResponseWriter, username string) error {
	tok := s.newToken(username)
	if err := s.tokens.Create(ctx, tok); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	s.setCookies(w, tok.Access, tok.Refresh)
	return nil
}

func (s *HttpServer) setCookies(w http.ResponseWriter, access, refresh string) {
	for name, value := range map[string]string{AccessCookie: access, RefreshCookie: refresh} {
		ck := &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			HttpOnly: true,
			Secure:   s.opts.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		}
		if s.opts.SecureCookies {
			ck.SameSite = http.SameSiteNoneMode
		}
		if value == "" {
			ck.MaxAge = -1
		}
		http.SetCookie(w, ck)
	}
}

func requestToken(r *http.Request) (access, refresh string) {
	if ck, err := r.Cookie(AccessCookie); err == nil {
		access = ck.Value
	}
	if ck, err := r.Cookie(RefreshCookie); err == nil {
		refresh = ck.Value
	}
	return access, refresh
}

// maxRotationHops bounds how far a presented pair is followed through
// its successors.
const maxRotationHops = 4

// resolve finds the live pair for the presented one. A rotated pair still
// inside its grace window resolves to its successor. It returns nil when
// nothing usable is left.
func (s *HttpServer) resolve(ctx context.Context, username, access, refresh string) (*model.Token, error) {
	tok, err := s.tokens.Find(ctx, username, access, refresh)
	for hops := 0; err == nil && tok != nil && tok.Rotated(); hops++ {
		if hops == maxRotationHops || !time.Now().Before(tok.RefreshExpiry) {
			return nil, nil
		}
		tok, err = s.tokens.Find(ctx, username, tok.NextAccess, tok.NextRefresh)
	}
	return tok, err
}

// authenticate checks r's cookies against username. An expired access
// token with a live refresh token rotates the pair and sets the new
// cookies on w. A pair that was rotated moments ago is still accepted and
// answered with its successor's cookies. A failed check clears the
// cookies.
func (s *HttpServer) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, username string) (bool, error) {
	access, refresh := requestToken(r)
	if access == "" || refresh == "" {
		s.setCookies(w, "", "")
		return false, nil
	}

	for attempt := 0; attempt < maxRotationHops; attempt++ {
		tok, err := s.resolve(ctx, username, access, refresh)
		if err != nil {
			return false, err
		}
		if tok == nil {
			s.setCookies(w, "", "")
			return false, nil
		}
		stale := tok.Access != access

		now := time.Now()
		if now.Before(tok.AccessExpiry) {
			if stale {
				s.setCookies(w, tok.Access, tok.Refresh)
			}
			return true, nil
		}
		if !now.Before(tok.RefreshExpiry) {
			if _, err := s.tokens.Delete(ctx, tok.ID); err != nil {
				return false, err
			}
			s.setCookies(w, "", "")
			return false, nil
		}

		next := s.newToken(username)
		if err := s.tokens.Create(ctx, next); err != nil {
			return false, fmt.Errorf("store token: %w", err)
		}
		graceUntil := now.Add(s.opts.RotationGrace)
		if graceUntil.After(tok.RefreshExpiry) {
			graceUntil = tok.RefreshExpiry
		}
		won, err := s.tokens.Rotate(ctx, tok.ID, next, graceUntil)
		if err != nil {
			return false, err
		}
		if won {
			log.Debug("rotating session token", zap.String("username", username))
			s.setCookies(w, next.Access, next.Refresh)
			return true, nil
		}

		// another request rotated it first; follow its successor
		if _, err := s.tokens.Delete(ctx, next.ID); err != nil {
			return false, err
		}
		access, refresh = tok.Access, tok.Refresh
	}

	s.setCookies(w, "", "")
	return false, nil
}

// verify is the read-only check used by the websocket handshake, which
// cannot hand rotated cookies back to the client. A pair is accepted
// until its refresh token expires; a rotated one within its grace window
// counts as its successor.
func (s *HttpServer) verify(ctx context.Context, r *http.Request, username string) (bool, error) {
	access, refresh := requestToken(r)
	if access == "" || refresh == "" {
		return false, nil
	}

	tok, err := s.resolve(ctx, username, access, refresh)
	if err != nil || tok == nil {
		return false, err
	}
	return time.Now().Before(tok.RefreshExpiry), nil
}

// authorize writes the 401 or 500 response itself and reports whether
// the handler may continue.
func (s *HttpServer) authorize(w http.ResponseWriter, r *http.Request, username string) bool {
	ok, err := s.authenticate(r.Context(), w, r, username)
	if err != nil {
		log.Error("authenticate failed", zap.String("username", username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	return true
}
