package dispatcher

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

	"github.com/vitaliisemenov/llmproxy/internal/selector"
	"github.com/vitaliisemenov/llmproxy/internal/store"
	"github.com/vitaliisemenov/llmproxy/internal/validator"
)

type fakeStore struct {
	creds []store.Credential
}

func (f *fakeStore) ListCredentials(ctx context.Context, filter store.CredentialFilter) ([]store.Credential, error) {
	return f.creds, nil
}

type fakeCache struct {
	mu      sync.Mutex
	updates []string
	sets    []map[string]any
	inserts []store.Row
}

func (f *fakeCache) QueueUpdate(table string, set map[string]any, whereField string, whereVal any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, table)
	f.sets = append(f.sets, set)
}

func (f *fakeCache) QueueInsert(table string, row store.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, row)
}

func (f *fakeCache) snapshotUpdates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

type fakeSelector struct {
	key string
	err error
}

func (f *fakeSelector) Select(candidates []selector.Candidate, useFreeTierOnly bool, strategy selector.Strategy, rpm, tpm int64) (string, error) {
	return f.key, f.err
}

type fakeRate struct {
	tracked int
}

func (f *fakeRate) Track(key string, reqs, tokens int64) { f.tracked++ }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, upstream string, key string) (*Dispatcher, *fakeCache, *fakeRate) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UpstreamBase = upstream
	cfg.Strategy = selector.StrategyRandom
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = 10 * time.Millisecond

	st := &fakeStore{creds: []store.Credential{{Key: key, Enabled: true, Balance: 1}}}
	ca := &fakeCache{}
	sel := &fakeSelector{key: key}
	rate := &fakeRate{}

	d := New(cfg, st, ca, sel, rate, nil, nil, discardLogger())
	return d, ca, rate
}

func TestDispatch_UnarySuccessRecordsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
	}))
	defer srv.Close()

	d, ca, rate := newTestDispatcher(t, srv.URL, "sk-testkey0001")
	d.Start()
	defer d.Stop()

	res := d.Dispatch(t.Context(), EndpointChatCompletions, Request{
		Method: http.MethodPost, Body: []byte(`{}`), Headers: http.Header{}, Model: "m",
	})

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, rate.tracked)
	assert.Contains(t, ca.inserts[len(ca.inserts)-1], "total_tokens")
}

func TestDispatch_EmptyCredentialRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpstreamBase = "http://unused.invalid"
	st := &fakeStore{creds: nil}
	ca := &fakeCache{}
	sel := &fakeSelector{key: ""}
	rate := &fakeRate{}

	d := New(cfg, st, ca, sel, rate, nil, nil, discardLogger())
	d.Start()
	defer d.Stop()

	res := d.Dispatch(t.Context(), EndpointModels, Request{Method: http.MethodGet})
	assert.ErrorIs(t, res.Err, ErrEmptyCredential)
}

func TestDispatch_HTTPProtocolErrorNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d, _, _ := newTestDispatcher(t, srv.URL, "sk-testkey0001")
	d.Start()
	defer d.Stop()

	res := d.Dispatch(t.Context(), EndpointEmbeddings, Request{Method: http.MethodPost, Body: []byte(`{}`)})
	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, 1, calls)
}

// TestDispatch_SuccessQueuesValidatorStateEffect exercises the fire-and-
// forget revalidation path: a successful call against an upstream that also
// serves /v1/user/info must end up applying validator.StateEffect to the
// credential, not merely probing and discarding the outcome.
func TestDispatch_SuccessQueuesValidatorStateEffect(t *testing.T) {
	key := "sk-testkey0001"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/user/info" {
			w.Write([]byte(`{"data":{"totalBalance":"5.00"}}`))
			return
		}
		w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UpstreamBase = srv.URL
	cfg.Strategy = selector.StrategyRandom
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = 10 * time.Millisecond

	st := &fakeStore{creds: []store.Credential{{Key: key, Enabled: true, Balance: 1}}}
	ca := &fakeCache{}
	sel := &fakeSelector{key: key}
	rate := &fakeRate{}
	v := validator.New(http.DefaultClient, srv.URL, discardLogger())
	recent := validator.NewRecentCache()

	d := New(cfg, st, ca, sel, rate, v, recent, discardLogger())
	d.Start()
	defer d.Stop()

	res := d.Dispatch(t.Context(), EndpointChatCompletions, Request{
		Method: http.MethodPost, Body: []byte(`{}`), Headers: http.Header{}, Model: "m",
	})
	require.NoError(t, res.Err)

	// bindCredential already queues a usage_count update, so look for the
	// balance field that only the revalidation StateEffect writes.
	require.Eventually(t, func() bool {
		ca.mu.Lock()
		defer ca.mu.Unlock()
		for _, set := range ca.sets {
			if _, ok := set["balance"]; ok {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "expected a queued credential update from revalidation")
	assert.Contains(t, ca.snapshotUpdates(), store.TableCredentials)
}

// TestDispatch_StreamHTTPProtocolErrorForwarded covers the streaming variant
// of TestDispatch_HTTPProtocolErrorNotRetried: upstream's non-2xx response
// must be written to the caller's writer, not silently dropped.
func TestDispatch_StreamHTTPProtocolErrorForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	d, _, _ := newTestDispatcher(t, srv.URL, "sk-testkey0001")
	d.Start()
	defer d.Stop()

	rec := httptest.NewRecorder()
	res := d.Dispatch(t.Context(), EndpointChatCompletions, Request{
		Method: http.MethodPost, Body: []byte(`{}`), Stream: true, Writer: rec,
	})

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad request")
}

func TestFastPath_InlinesWhenIdle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, _, _ := newTestDispatcher(t, srv.URL, "sk-testkey0001")
	d.Start()
	defer d.Stop()

	item := &workItem{id: "x", endpoint: EndpointModels, result: make(chan Result, 1)}
	assert.True(t, d.tryFastPath(item))
	<-d.permits // release the permit we just grabbed
}
