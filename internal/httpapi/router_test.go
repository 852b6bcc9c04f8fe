package httpapi

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/llmproxy/internal/cache"
	"github.com/vitaliisemenov/llmproxy/internal/config"
	"github.com/vitaliisemenov/llmproxy/internal/dispatcher"
	"github.com/vitaliisemenov/llmproxy/internal/ratelimit"
	"github.com/vitaliisemenov/llmproxy/internal/selector"
	"github.com/vitaliisemenov/llmproxy/internal/store"
	"github.com/vitaliisemenov/llmproxy/internal/validator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeScheduler struct{ triggered int }

func (f *fakeScheduler) TriggerNow(ctx context.Context) error {
	f.triggered++
	return nil
}

func newTestRouter(t *testing.T, upstream *httptest.Server) (http.Handler, *store.Store, *cache.Cache, *config.Store, *fakeScheduler) {
	t.Helper()
	ctx := context.Background()
	log := discardLogger()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ca := cache.New(st, log, cache.WithFlushInterval(0))
	ca.Start()
	t.Cleanup(func() { ca.Shutdown(ctx) })

	rl := ratelimit.New()
	sel := selector.New(rl)
	v := validator.New(upstream.Client(), upstream.URL, log)
	recent := validator.NewRecentCache()

	dcfg := dispatcher.DefaultConfig()
	dcfg.UpstreamBase = upstream.URL
	d := dispatcher.New(dcfg, st, ca, sel, rl, v, recent, log)
	d.Start()
	t.Cleanup(d.Stop)

	cfg, err := config.Load("", "")
	require.NoError(t, err)
	cfg.Runtime.ProxyAPIToken = "proxy-token"
	cfg.Runtime.FreeModelAPIToken = "free-token"
	cfg.Runtime.AdminUsername = "admin"
	cfg.Runtime.AdminPassword = "adminpass"
	cfgStore := config.NewStore(cfg, "", log)

	sched := &fakeScheduler{}

	router := NewRouter(d, st, ca, sched, cfgStore, v, log)
	return router, st, ca, cfgStore, sched
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestProxy_RejectsMissingToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"usage":{"total_tokens":1}}`))
	}))
	defer upstream.Close()

	router, _, _, _, _ := newTestRouter(t, upstream)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProxy_UnaryDispatchesWithValidToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/user/info" {
			// post-call revalidation probe sent by the dispatcher
			w.Write([]byte(`{"data":{"totalBalance":"5"}}`))
			return
		}
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Write([]byte(`{"usage":{"prompt_tokens":2,"completion_tokens":0,"total_tokens":2}}`))
	}))
	defer upstream.Close()

	router, st, ca, _, _ := newTestRouter(t, upstream)
	ctx := context.Background()
	ca.QueueInsert(store.TableCredentials, store.Row{
		"key": "sk-routertest1", "add_time": time.Now().UTC().Unix(), "balance": 5.0,
		"usage_count": int64(0), "enabled": 1, "is_invalid": 0,
	})
	require.NoError(t, ca.Flush(ctx))
	_, err := st.GetCredential(ctx, "sk-routertest1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", nil)
	req.Header.Set("Authorization", "Bearer proxy-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_RequiresBasicAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	router, _, _, _, _ := newTestRouter(t, upstream)
	req := httptest.NewRequest(http.MethodGet, "/admin/credentials", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_ImportAndListCredentials(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"totalBalance":"3.5"}}`))
	}))
	defer upstream.Close()

	router, _, ca, _, _ := newTestRouter(t, upstream)

	importReq := httptest.NewRequest(http.MethodPost, "/admin/credentials",
		strings.NewReader(`{"keys":["sk-admintestabc"]}`))
	importReq.Header.Set("Content-Type", "application/json")
	importReq.Header.Set("Authorization", basicAuthHeader("admin", "adminpass"))
	importRec := httptest.NewRecorder()
	router.ServeHTTP(importRec, importReq)
	require.Equal(t, http.StatusOK, importRec.Code)

	require.NoError(t, ca.Flush(context.Background()))

	listReq := httptest.NewRequest(http.MethodGet, "/admin/credentials", nil)
	listReq.Header.Set("Authorization", basicAuthHeader("admin", "adminpass"))
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)

	assert.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), "sk-admintestabc")
}

func TestAdmin_BulkRefreshTriggersScheduler(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	router, _, _, _, sched := newTestRouter(t, upstream)
	req := httptest.NewRequest(http.MethodPost, "/admin/refresh", nil)
	req.Header.Set("Authorization", basicAuthHeader("admin", "adminpass"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sched.triggered)
}
