package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
)

// ErrEmptyBody is returned when a request has no JSON body.
var ErrEmptyBody = errors.New("request body is empty")

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report json names instead of Go field names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("day", func(fl validator.FieldLevel) bool {
		_, err := shared.ParseDay(fl.Field().String())
		return err == nil
	})
	_ = validate.RegisterValidation("topicstatus", func(fl validator.FieldLevel) bool {
		return progress.Status(fl.Field().String()).IsValid()
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST BODIES
// ══════════════════════════════════════════════════════════════════════════════

// SetStatusRequest is the body of PUT /api/v1/topics/{id}/status.
type SetStatusRequest struct {
	Status string `json:"status" validate:"required,topicstatus"`
}

// AddNoteRequest is the body of POST /api/v1/topics/{id}/notes.
type AddNoteRequest struct {
	Note string `json:"note" validate:"required,max=4000"`
}

// GeneratePlanRequest is the body of POST /api/v1/plan. An empty start
// means today.
type GeneratePlanRequest struct {
	Start string `json:"start" validate:"omitempty,day"`
}

// LoginRequest is the body of POST /api/v1/session.
type LoginRequest struct {
	Token string `json:"token" validate:"required"`
}

// ══════════════════════════════════════════════════════════════════════════════
// DECODING
// ══════════════════════════════════════════════════════════════════════════════

// DecodeJSON reads the request body into dst and validates it. Unknown
// fields are rejected.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return Validate(dst)
}

// Validate runs the validate tags of a request struct.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "day":
		return fmt.Sprintf("%s must be a YYYY-MM-DD date", fe.Field())
	case "topicstatus":
		return fmt.Sprintf("%s must be one of not-started, in-progress, complete, skipped", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
