// Package api is the HTTP client for the chat backend. Every method maps
// the response status onto the error taxonomy in package model.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"duochat/internal/model"
	"duochat/internal/service/session"
)

const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

type (
	// Credentials supplies and receives the opaque session cookies.
	Credentials interface {
		Token() session.Token
		UpdateToken(t session.Token)
	}

	Client struct {
		base    *url.URL
		http    *http.Client
		creds   Credentials
		timeout time.Duration
	}

	// classifier maps a non-200 status to an error.
	classifier func(op string, status int, msg string) error

	errorBody struct {
		Error string `json:"error"`
	}

	valueBody[T any] struct {
		Value T `json:"value"`
	}
)

func NewClient(baseURL string, creds Credentials, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	return &Client{
		base:    u,
		http:    &http.Client{},
		creds:   creds,
		timeout: timeout,
	}, nil
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Cookies returns the credential cookies for the current session, for
// transports such as the notification websocket.
func (c *Client) Cookies() []*http.Cookie {
	if c.creds == nil {
		return nil
	}
	t := c.creds.Token()
	return []*http.Cookie{
		{Name: AccessCookie, Value: t.Access},
		{Name: RefreshCookie, Value: t.Refresh},
	}
}

// Login returns the credential issued by the server.
func (c *Client) Login(ctx context.Context, username, password string) (session.Token, error) {
	body := map[string]string{"username": username, "password": password}
	return c.do(ctx, "login", http.MethodPost, "/login", body, nil, classifyLogin)
}

func (c *Client) CreateAccount(ctx context.Context, username, password string) (session.Token, error) {
	body := map[string]string{"username": username, "password": password}
	return c.do(ctx, "create-account", http.MethodPost, "/create-account", body, nil, classifyRemote)
}

func (c *Client) Logout(ctx context.Context, username string) error {
	body := map[string]string{"username": username}
	_, err := c.do(ctx, "logout", http.MethodPost, "/logout", body, nil, classifySession)
	return err
}

// GetChats returns the other participant of every conversation of user.
func (c *Client) GetChats(ctx context.Context, username string) ([]string, error) {
	var out valueBody[[]string]
	path := "/get-chats/" + url.PathEscape(username)
	if _, err := c.do(ctx, "get-chats", http.MethodGet, path, nil, &out, classifySession); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func (c *Client) NewChat(ctx context.Context, currentUser, newUser string) error {
	body := map[string]string{"current_user": currentUser, "new_user": newUser}
	_, err := c.do(ctx, "new-chat", http.MethodPost, "/new-chat", body, nil, classifySession)
	return err
}

func (c *Client) SendMessage(ctx context.Context, sender, recipient, message string) error {
	body := map[string]string{"sender": sender, "recipient": recipient, "message": message}
	_, err := c.do(ctx, "send-message", http.MethodPost, "/send-message", body, nil, classifySession)
	return err
}

// GetMessages returns the conversation oldest first.
func (c *Client) GetMessages(ctx context.Context, sender, recipient string) ([]model.Message, error) {
	var out valueBody[[]model.Message]
	body := map[string]string{"sender": sender, "recipient": recipient}
	if _, err := c.do(ctx, "get-messages", http.MethodPost, "/get-messages", body, &out, classifySession); err != nil {
		return nil, err
	}
	if out.Value == nil {
		return []model.Message{}, nil
	}
	return out.Value, nil
}

func (c *Client) UpdateLike(ctx context.Context, messageID, username, username2 string) error {
	body := map[string]string{"message_id": messageID, "username": username, "username2": username2}
	_, err := c.do(ctx, "update-like", http.MethodPost, "/update-like", body, nil, classifySession)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, classify classifier) (session.Token, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return session.Token{}, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return session.Token{}, fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, ck := range c.Cookies() {
		if ck.Value != "" {
			req.AddCookie(ck)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return session.Token{}, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	token := tokenFromCookies(resp.Cookies())
	if c.creds != nil {
		c.creds.UpdateToken(token)
	}

	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return session.Token{}, classify(op, resp.StatusCode, eb.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return session.Token{}, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return token, nil
}

func tokenFromCookies(cookies []*http.Cookie) session.Token {
	var t session.Token
	for _, ck := range cookies {
		switch ck.Name {
		case AccessCookie:
			t.Access = ck.Value
		case RefreshCookie:
			t.Refresh = ck.Value
		}
	}
	return t
}

// classifySession is used by every operation that requires a session.
func classifySession(op string, status int, msg string) error {
	remote := &model.RemoteError{Op: op, Status: status, Message: msg}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", model.ErrAuthInvalid, remote)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", model.ErrNotFound, remote)
	}
	return remote
}

// classifyLogin keeps "wrong password" distinct from "user not found".
func classifyLogin(op string, status int, msg string) error {
	remote := &model.RemoteError{Op: op, Status: status, Message: msg}
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", model.ErrWrongPassword, remote)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", model.ErrNotFound, remote)
	}
	return remote
}

func classifyRemote(op string, status int, msg string) error {
	return &model.RemoteError{Op: op, Status: status, Message: msg}
}

// RemoteMessage extracts the server-provided message from err, if any.
func RemoteMessage(err error) string {
	var remote *model.RemoteError
	if errors.As(err, &remote) {
		return remote.Message
	}
	return ""
}
