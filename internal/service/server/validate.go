package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"duochat/internal/protocol/conversation"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 64 << 10

type (
	credentialsRequest struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	createAccountRequest struct {
		Username string `json:"username" validate:"required,username"`
		Password string `json:"password" validate:"required,min=4"`
	}

	logoutRequest struct {
		Username string `json:"username" validate:"required"`
	}

	newChatRequest struct {
		CurrentUser string `json:"current_user" validate:"required"`
		NewUser     string `json:"new_user" validate:"required"`
	}

	sendMessageRequest struct {
		Sender    string `json:"sender" validate:"required"`
		Recipient string `json:"recipient" validate:"required"`
		Message   string `json:"message" validate:"required"`
	}

	getMessagesRequest struct {
		Sender    string `json:"sender" validate:"required"`
		Recipient string `json:"recipient" validate:"required"`
	}

	updateLikeRequest struct {
		MessageID string `json:"message_id" validate:"required,len=24,hexadecimal"`
		Username  string `json:"username" validate:"required"`
		Username2 string `json:"username2" validate:"required"`
	}
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return conversation.ValidUsername(fl.Field().String())
	})
	return v
}

// decode reads and validates a JSON body into dst. The returned message
// is safe to show to the client.
func (s *HttpServer) decode(w http.ResponseWriter, r *http.Request, dst any) (string, bool) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return "Bad request", false
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return describe(verrs[0]), false
		}
		return "Bad request", false
	}
	return "", true
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "username":
		return "username must be 1-32 letters, digits, '_' or '-'"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters long", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}
