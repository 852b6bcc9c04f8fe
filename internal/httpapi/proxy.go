package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/vitaliisemenov/llmproxy/internal/dispatcher"
)

// chatRequestFields is the small slice of an inbound JSON body the proxy
// handler needs to inspect before dispatch: whether the caller asked for
// a streamed response and which model it named (for the call-log row).
type chatRequestFields struct {
	Stream bool   `json:"stream"`
	Model  string `json:"model"`
}

func (rt *Router) proxyHandler(endpoint dispatcher.Endpoint, mayStream bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(io.LimitReader(r.Body, 32<<20))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "failed to read request body")
				return
			}
		}

		var fields chatRequestFields
		if len(body) > 0 {
			_ = json.Unmarshal(body, &fields)
		}
		stream := mayStream && fields.Stream

		req := dispatcher.Request{
			Method:   r.Method,
			Body:     body,
			Headers:  r.Header.Clone(),
			Stream:   stream,
			Model:    fields.Model,
			FreeTier: isFreeTier(r),
		}

		if stream {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			req.Writer = w
		}

		res := rt.dispatch.Dispatch(r.Context(), endpoint, req)
		if stream {
			// The dispatcher writes both a successful stream relay and an
			// upstream HTTP-protocol error directly to w via req.Writer. A
			// failure before any upstream response (rejected admission, or
			// transport errors on every retry) reaches here with a status
			// still to send.
			if res.Err != nil && res.StatusCode != 0 {
				w.WriteHeader(statusOrDefault(res.StatusCode, http.StatusBadGateway))
			}
			return
		}

		if res.StatusCode == 0 {
			res.StatusCode = http.StatusBadGateway
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.StatusCode)
		_, _ = w.Write(res.Body)
	}
}

func statusOrDefault(code, fallback int) int {
	if code == 0 {
		return fallback
	}
	return code
}
