package session

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Envelope
	}{
		{"plain string", `{"error":"the requested resource could not be found"}`, TextError("the requested resource could not be found")},
		{"object with message", `{"error":{"message":"invalid authentication credentials"}}`, MessageError{Text: "invalid authentication credentials"}},
		{"field map keeps document order", `{"error":{"password":"must be at least 8 bytes long","email":"must be a valid email address"}}`,
			FieldErrors{{Field: "password", Message: "must be at least 8 bytes long"}, {Field: "email", Message: "must be a valid email address"}}},
		{"no error member", `{"message":"ok"}`, nil},
		{"not JSON", `<html>Bad Gateway</html>`, nil},
		{"empty body", ``, nil},
		{"null error", `{"error":null}`, nil},
		{"numeric error", `{"error":500}`, nil},
		{"field map with non-string first value", `{"error":{"details":{"a":1},"email":"bad"}}`, nil},
		{"empty object", `{"error":{}}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseEnvelope([]byte(tt.body)))
		})
	}
}

func TestFieldErrorsGet(t *testing.T) {
	fields := FieldErrors{{Field: "email", Message: "a user with this email address already exists"}}
	assert.Equal(t, "a user with this email address already exists", fields.Get("email"))
	assert.Equal(t, "", fields.Get("dni"))
	assert.Equal(t, "", FieldErrors{}.Message())
}

func TestErrorMessage(t *testing.T) {
	const fallback = "unexpected error"

	t.Run("uses the envelope message", func(t *testing.T) {
		err := fmt.Errorf("failed to register: %w", &APIError{
			StatusCode: http.StatusUnprocessableEntity,
			Envelope:   FieldErrors{{Field: "email", Message: "must be provided"}},
		})
		assert.Equal(t, "must be provided", ErrorMessage(err, fallback))
	})

	t.Run("falls back without an envelope", func(t *testing.T) {
		err := &APIError{StatusCode: http.StatusBadGateway}
		assert.Equal(t, fallback, ErrorMessage(err, fallback))
	})

	t.Run("falls back for non-API errors", func(t *testing.T) {
		assert.Equal(t, fallback, ErrorMessage(errors.New("connection refused"), fallback))
		assert.Equal(t, fallback, ErrorMessage(nil, fallback))
	})
}

func TestStatusHelpers(t *testing.T) {
	unauthorized := fmt.Errorf("wrapped: %w", &APIError{StatusCode: http.StatusUnauthorized})
	notFound := &APIError{StatusCode: http.StatusNotFound, Envelope: TextError("missing")}

	assert.True(t, IsUnauthorized(unauthorized))
	assert.False(t, IsUnauthorized(notFound))
	assert.True(t, IsNotFound(notFound))
	assert.Equal(t, 0, StatusCode(errors.New("plain")))
	assert.Equal(t, "api error 404: missing", notFound.Error())
	assert.Equal(t, "api error 401: Unauthorized", (&APIError{StatusCode: http.StatusUnauthorized}).Error())
}
