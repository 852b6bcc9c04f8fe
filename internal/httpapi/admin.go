package httpapi

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/vitaliisemenov/llmproxy/internal/config"
	"github.com/vitaliisemenov/llmproxy/internal/selector"
	"github.com/vitaliisemenov/llmproxy/internal/store"
	"github.com/vitaliisemenov/llmproxy/internal/validator"
)

func (rt *Router) registerAdminRoutes() {
	admin := rt.mux.PathPrefix("/admin").Subrouter()
	admin.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := rt.cfgStore.Snapshot().Runtime
			basicAuth(rc.AdminUsername, rc.AdminPassword)(next).ServeHTTP(w, r)
		})
	})

	admin.HandleFunc("/credentials", rt.handleListCredentials).Methods(http.MethodGet, http.MethodOptions)
	admin.HandleFunc("/credentials", rt.handleImportCredentials).Methods(http.MethodPost, http.MethodOptions)
	admin.HandleFunc("/credentials/{key}/toggle", rt.handleToggleCredential).Methods(http.MethodPut, http.MethodOptions)
	admin.HandleFunc("/credentials/{key}", rt.handleDeleteCredential).Methods(http.MethodDelete, http.MethodOptions)

	admin.HandleFunc("/refresh", rt.handleBulkRefresh).Methods(http.MethodPost, http.MethodOptions)
	admin.HandleFunc("/export", rt.handleExport).Methods(http.MethodGet, http.MethodOptions)
	admin.HandleFunc("/stats", rt.handleStats).Methods(http.MethodGet, http.MethodOptions)

	admin.HandleFunc("/logs", rt.handleListLogs).Methods(http.MethodGet, http.MethodOptions)
	admin.HandleFunc("/logs", rt.handleClearLogs).Methods(http.MethodDelete, http.MethodOptions)
	admin.HandleFunc("/logs/stream", rt.handleStreamLogs).Methods(http.MethodGet)

	admin.HandleFunc("/config", rt.handleGetConfig).Methods(http.MethodGet, http.MethodOptions)
	admin.HandleFunc("/config", rt.handleUpdateConfig).Methods(http.MethodPut, http.MethodOptions)
}

func (rt *Router) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	filter := store.CredentialFilter{
		EnabledOnly: r.URL.Query().Get("enabled_only") == "true",
		OrderBy:     r.URL.Query().Get("order_by"),
		Descending:  r.URL.Query().Get("desc") == "true",
	}
	creds, err := rt.store.ListCredentials(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// importResult reports the outcome of validating one imported key, per
// §3's "one attempt to validate before insertion is allowed".
type importResult struct {
	Key     string `json:"key"`
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (rt *Router) handleImportCredentials(w http.ResponseWriter, r *http.Request) {
	keys, err := parseImportKeys(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := make([]importResult, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if !validator.ValidateFormat(key) {
			results = append(results, importResult{Key: key, Ok: false, Message: "fails format check"})
			continue
		}

		outcome := rt.validator.Validate(r.Context(), key)
		if !outcome.Valid {
			results = append(results, importResult{Key: key, Ok: false, Message: outcome.Message})
			continue
		}

		rt.cache.QueueInsert(store.TableCredentials, store.Row{
			"key":         key,
			"add_time":    time.Now().UTC().Unix(),
			"balance":     outcome.Balance,
			"usage_count": int64(0),
			"enabled":     1,
			"is_invalid":  0,
		})
		results = append(results, importResult{Key: key, Ok: true})
	}

	writeJSON(w, http.StatusOK, results)
}

// parseImportKeys accepts either a JSON body {"keys": [...]} or a
// newline-separated plain-text body, matching how a bulk credential
// import is typically pasted through the admin panel.
func parseImportKeys(r *http.Request) ([]string, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var payload struct {
			Keys []string `json:"keys"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return payload.Keys, nil
	}

	var keys []string
	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		keys = append(keys, scanner.Text())
	}
	return keys, scanner.Err()
}

func (rt *Router) handleToggleCredential(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	cred, err := rt.store.GetCredential(r.Context(), key)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "credential not found")
		return
	}
	rt.cache.QueueUpdate(store.TableCredentials, map[string]any{
		"enabled": !cred.Enabled,
	}, "key", key)
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "enabled": !cred.Enabled})
}

func (rt *Router) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	rt.cache.QueueDelete(store.TableCredentials, "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) handleBulkRefresh(w http.ResponseWriter, r *http.Request) {
	if err := rt.scheduler.TriggerNow(r.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	creds, err := rt.store.ListCredentials(r.Context(), store.CredentialFilter{})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"key", "balance", "usage_count", "enabled", "is_invalid"})
		for _, c := range creds {
			_ = cw.Write([]string{
				c.Key, fmt.Sprintf("%.4f", c.Balance), fmt.Sprintf("%d", c.UsageCount),
				fmt.Sprintf("%t", c.Enabled), fmt.Sprintf("%t", c.IsInvalid),
			})
		}
		cw.Flush()
	case "line_balance":
		w.Header().Set("Content-Type", "text/plain")
		for _, c := range creds {
			fmt.Fprintf(w, "%s,%.4f\n", c.Key, c.Balance)
		}
	default:
		w.Header().Set("Content-Type", "text/plain")
		for _, c := range creds {
			fmt.Fprintln(w, c.Key)
		}
	}
}

func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	creds, err := rt.store.ListCredentials(r.Context(), store.CredentialFilter{})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var enabled, invalid int
	var totalBalance float64
	var totalUsage int64
	for _, c := range creds {
		if c.Enabled {
			enabled++
		}
		if c.IsInvalid {
			invalid++
		}
		totalBalance += c.Balance
		totalUsage += c.UsageCount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_credentials": len(creds),
		"enabled":           enabled,
		"invalid":           invalid,
		"total_balance":     totalBalance,
		"total_usage_count": totalUsage,
		"store_file_bytes":  rt.store.FileSize(),
	})
}

func (rt *Router) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter := store.CallLogFilter{
		TodayOnly: r.URL.Query().Get("date") != "all",
		Model:     r.URL.Query().Get("model"),
		Endpoint:  r.URL.Query().Get("endpoint"),
	}
	records, err := rt.store.ListCallRecords(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (rt *Router) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := rt.store.TruncateCallLog(r.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetConfig returns the sanitized live configuration. The JSON
// document is the live/atomic source of truth throughout C8; `?format=yaml`
// is a human-readable export convenience only, matching the teacher's own
// yaml.v3 dependency on its config-backup path.
func (rt *Router) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	sanitized := config.Sanitize(rt.cfgStore.Snapshot())

	if r.URL.Query().Get("format") == "yaml" {
		data, err := yaml.Marshal(sanitized)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	writeJSON(w, http.StatusOK, sanitized)
}

// configUpdateRequest mirrors RuntimeConfig's JSON tags; every field is a
// pointer so a PUT only touches the fields the caller actually sent.
type configUpdateRequest struct {
	Strategy           *string  `json:"strategy"`
	ProxyAPIToken      *string  `json:"proxy_api_token"`
	FreeModelAPIToken  *string  `json:"free_model_api_token"`
	RefreshIntervalMin *int     `json:"refresh_interval_minutes"`
	RPMLimit           *int64   `json:"rpm_limit"`
	TPMLimit           *int64   `json:"tpm_limit"`
	AdminUsername      *string  `json:"admin_username"`
	AdminPassword      *string  `json:"admin_password"`
}

func (rt *Router) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := rt.cfgStore.Update(func(rc *config.RuntimeConfig) {
		if req.Strategy != nil {
			rc.Strategy = selector.Strategy(*req.Strategy)
		}
		if req.ProxyAPIToken != nil {
			rc.ProxyAPIToken = *req.ProxyAPIToken
		}
		if req.FreeModelAPIToken != nil {
			rc.FreeModelAPIToken = *req.FreeModelAPIToken
		}
		if req.RefreshIntervalMin != nil {
			rc.RefreshIntervalMin = *req.RefreshIntervalMin
		}
		if req.RPMLimit != nil {
			rc.RPMLimit = *req.RPMLimit
		}
		if req.TPMLimit != nil {
			rc.TPMLimit = *req.TPMLimit
		}
		if req.AdminUsername != nil {
			rc.AdminUsername = *req.AdminUsername
		}
		if req.AdminPassword != nil {
			rc.AdminPassword = *req.AdminPassword
		}
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, config.Sanitize(rt.cfgStore.Snapshot()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
