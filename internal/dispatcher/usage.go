package dispatcher

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// usage is the token accounting extracted from one upstream response,
// normalized across the chat/completions-style `usage.*` shape and the
// rerank-style `meta.tokens.*` shape (§4.6 step 4).
type usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

type chatUsageEnvelope struct {
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Meta struct {
		Tokens struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"tokens"`
	} `json:"meta"`
}

// parseUnaryUsage extracts usage from a complete non-streamed body. A
// parse failure or an entirely absent usage block yields a zero usage
// rather than an error — token accounting is best-effort bookkeeping, not
// a correctness gate on the response itself.
func parseUnaryUsage(body []byte) usage {
	var env chatUsageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return usage{}
	}
	if env.Usage.TotalTokens > 0 || env.Usage.PromptTokens > 0 || env.Usage.CompletionTokens > 0 {
		return usage{
			InputTokens:  env.Usage.PromptTokens,
			OutputTokens: env.Usage.CompletionTokens,
			TotalTokens:  env.Usage.TotalTokens,
		}
	}
	if env.Meta.Tokens.InputTokens > 0 || env.Meta.Tokens.OutputTokens > 0 {
		return usage{
			InputTokens:  env.Meta.Tokens.InputTokens,
			OutputTokens: env.Meta.Tokens.OutputTokens,
			TotalTokens:  env.Meta.Tokens.InputTokens + env.Meta.Tokens.OutputTokens,
		}
	}
	return usage{}
}

// sseUsageAccumulator tracks the last-seen usage frame across a relayed
// Server-Sent-Events stream; the final frame of the upstream protocol
// carries the authoritative totals, so later frames simply overwrite.
type sseUsageAccumulator struct {
	last usage
	seen bool
}

func (a *sseUsageAccumulator) observe(frame []byte) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || bytes.Equal(frame, []byte("[DONE]")) {
		return
	}
	var env chatUsageEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return
	}
	if env.Usage.TotalTokens > 0 {
		a.last = usage{
			InputTokens:  env.Usage.PromptTokens,
			OutputTokens: env.Usage.CompletionTokens,
			TotalTokens:  env.Usage.TotalTokens,
		}
		a.seen = true
	}
}

// scanSSELines splits a `data: ` prefixed SSE body into its raw payloads,
// stripping the prefix and trailing blank-line frame separators.
func scanSSELines(r *bufio.Scanner, onFrame func(line string)) {
	for r.Scan() {
		line := r.Text()
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			onFrame(after)
		} else if after, ok := strings.CutPrefix(line, "data:"); ok {
			onFrame(after)
		}
	}
}
