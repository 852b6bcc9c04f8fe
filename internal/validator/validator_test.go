package validator

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(assertWriter{}, nil))
}

type assertWriter struct{}

func (assertWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestValidateFormat(t *testing.T) {
	assert.True(t, ValidateFormat("sk-abc123XYZ"))
	assert.False(t, ValidateFormat("abc123"))
	assert.False(t, ValidateFormat("sk-"))
	assert.False(t, ValidateFormat("sk-has space"))
}

func TestValidate_FormatInvalidShortCircuits(t *testing.T) {
	v := New(http.DefaultClient, "http://unused.invalid", discardLogger())
	o := v.Validate(t.Context(), "not-a-key")
	assert.True(t, o.FormatInvalid)
	assert.False(t, o.Valid)
}

func TestValidate_ValidWithBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"totalBalance":"12.5"}}`))
	}))
	defer srv.Close()

	v := New(srv.Client(), srv.URL, discardLogger())
	o := v.Validate(t.Context(), "sk-validkey123")
	require.True(t, o.Valid)
	assert.Equal(t, 12.5, o.Balance)
}

func TestValidate_AuthoritativeInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := New(srv.Client(), srv.URL, discardLogger())
	o := v.Validate(t.Context(), "sk-validkey123")
	assert.False(t, o.Valid)
	assert.False(t, o.Transient)
}

func TestValidate_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":{"totalBalance":"0"}}`))
	}))
	defer srv.Close()

	v := New(srv.Client(), srv.URL, discardLogger())
	o := v.Validate(t.Context(), "sk-validkey123")
	require.True(t, o.Valid)
	assert.Equal(t, 2, calls)
}

func TestStateEffect(t *testing.T) {
	assert.Equal(t, map[string]any{"is_invalid": true, "enabled": false}, StateEffect(5, Outcome{FormatInvalid: true}))
	assert.Equal(t, map[string]any{"balance": 3.0, "is_invalid": false, "enabled": true}, StateEffect(0, Outcome{Valid: true, Balance: 3}))
	assert.Equal(t, map[string]any{"is_invalid": true, "enabled": false}, StateEffect(0, Outcome{Valid: false, Transient: false}))
	assert.Nil(t, StateEffect(5, Outcome{Valid: false, Transient: false}))
	assert.Nil(t, StateEffect(0, Outcome{Valid: false, Transient: true}))
}
