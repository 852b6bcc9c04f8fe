package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vitaliisemenov/llmproxy/internal/store"
)

var logStreamUpgrader = websocket.Upgrader{
	// Admin surface already sits behind Basic auth; no extra origin check
	// is meaningful for a same-operator tool.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const logStreamPollInterval = 2 * time.Second

// handleStreamLogs sends the call-log rows already stored on its first poll
// and then each newly flushed row over a websocket, the
// admin-facing analog of the teacher's internal/realtime live alert push,
// narrowed to a single poll-and-diff loop since this system has no
// existing pub/sub to subscribe to.
func (rt *Router) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := logStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.logger.Warn("log stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Detect client-initiated close without blocking the writer goroutine.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var lastID int64
	ticker := time.NewTicker(logStreamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, err := rt.store.ListCallRecords(ctx, store.CallLogFilter{})
			if err != nil {
				continue
			}
			// records are ordered newest-first; emit unseen ones oldest-first
			// so a connected admin UI appends rather than reorders.
			var fresh []any
			for _, rec := range records {
				if rec.ID <= lastID {
					break
				}
				fresh = append(fresh, rec)
			}
			if len(fresh) == 0 {
				continue
			}
			for i := len(fresh) - 1; i >= 0; i-- {
				if err := conn.WriteJSON(fresh[i]); err != nil {
					return
				}
			}
			lastID = records[0].ID
		}
	}
}
