package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidToken is returned when a token pair was received but its access
	// token could not be decoded into an Identity.
	ErrInvalidToken = errors.New("access token could not be decoded")

	// ErrSessionExpired wraps the refresh failure that ended a session.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotAuthenticated is returned by operations that need a session when none exists.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrResponseTooLarge is returned instead of a truncated body.
	ErrResponseTooLarge = errors.New("response too large")
)

// Envelope is the decoded "error" member of a backend error response.
// It is a closed set: TextError, MessageError or FieldErrors.
type Envelope interface {
	Message() string
	envelope()
}

// TextError is the {"error": "plain string"} shape.
type TextError string

func (e TextError) Message() string { return string(e) }
func (TextError) envelope()         {}

// MessageError is the {"error": {"message": "..."}} shape.
type MessageError struct {
	Text string
}

func (e MessageError) Message() string { return e.Text }
func (MessageError) envelope()         {}

// FieldError is one entry of a validation error map.
type FieldError struct {
	Field   string
	Message string
}

// FieldErrors is the {"error": {"email": "...", "password": "..."}} shape,
// kept in document order.
type FieldErrors []FieldError

// Message returns the first field's message.
func (e FieldErrors) Message() string {
	if len(e) == 0 {
		return ""
	}
	return e[0].Message
}

// Get returns the message for a field, or "".
func (e FieldErrors) Get(field string) string {
	for _, f := range e {
		if f.Field == field {
			return f.Message
		}
	}
	return ""
}

func (FieldErrors) envelope() {}

// ParseEnvelope decodes a backend error body.
// Returns nil when the body has no "error" member or its shape is unrecognized.
func ParseEnvelope(body []byte) Envelope {
	var outer struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &outer); err != nil || len(outer.Error) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(outer.Error, &text); err == nil {
		if text == "" {
			return nil
		}
		return TextError(text)
	}

	var withMessage struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(outer.Error, &withMessage); err != nil {
		return nil
	}
	if withMessage.Message != "" {
		return MessageError{Text: withMessage.Message}
	}

	fields, ok := parseFieldErrors(outer.Error)
	if !ok {
		return nil
	}
	return fields
}

// parseFieldErrors walks the object token by token so document order survives.
// The shape is only recognized when the first value is a string.
func parseFieldErrors(raw json.RawMessage) (FieldErrors, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, false
	}

	var fields FieldErrors
	first := true
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, _ := tok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, false
		}

		var msg string
		if err := json.Unmarshal(value, &msg); err != nil {
			if first {
				return nil, false
			}
			first = false
			continue
		}
		first = false
		fields = append(fields, FieldError{Field: key, Message: msg})
	}

	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Envelope   Envelope
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Envelope != nil {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Envelope.Message())
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ErrorMessage extracts a human-readable message from err.
// Falls back to fallback when err carries no recognizable backend envelope.
func ErrorMessage(err error, fallback string) string {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Envelope == nil {
		return fallback
	}
	if msg := apiErr.Envelope.Message(); msg != "" {
		return msg
	}
	return fallback
}

// IsUnauthorized returns true if err is a 401 response from the backend.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsNotFound returns true if err is a 404 response from the backend.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
