package scheduler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/llmproxy/internal/store"
	"github.com/vitaliisemenov/llmproxy/internal/validator"
)

type fakeReader struct {
	creds []store.Credential
}

func (f *fakeReader) ListCredentials(ctx context.Context, filter store.CredentialFilter) ([]store.Credential, error) {
	return f.creds, nil
}

type fakeWriter struct {
	mu      sync.Mutex
	updates map[string]map[string]any
}

func newFakeWriter() *fakeWriter { return &fakeWriter{updates: make(map[string]map[string]any)} }

func (f *fakeWriter) QueueUpdate(table string, set map[string]any, whereField string, whereVal any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[whereVal.(string)] = set
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTriggerNow_AppliesStateEffects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := validator.New(srv.Client(), srv.URL, discardLogger())
	reader := &fakeReader{creds: []store.Credential{
		{Key: "sk-zerobalance01", Balance: 0, Enabled: true},
		{Key: "sk-positivebal02", Balance: 5, Enabled: true},
	}}
	writer := newFakeWriter()

	s := New(reader, writer, v, 0, discardLogger())
	require.NoError(t, s.TriggerNow(t.Context()))

	writer.mu.Lock()
	defer writer.mu.Unlock()
	assert.Equal(t, map[string]any{"is_invalid": true, "enabled": false}, writer.updates["sk-zerobalance01"])
	_, touchedPositive := writer.updates["sk-positivebal02"]
	assert.False(t, touchedPositive, "positive-balance credential must not be demoted on authoritative invalid")
}

func TestTriggerNow_SingleFlightSkipsConcurrentTick(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte(`{"data":{"totalBalance":"1"}}`))
	}))
	defer srv.Close()

	v := validator.New(srv.Client(), srv.URL, discardLogger())
	reader := &fakeReader{creds: []store.Credential{{Key: "sk-slowcred00001", Enabled: true}}}
	writer := newFakeWriter()
	s := New(reader, writer, v, 0, discardLogger())

	go func() { _ = s.TriggerNow(t.Context()) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.TriggerNow(t.Context()))
	close(block)
	time.Sleep(50 * time.Millisecond)
}
