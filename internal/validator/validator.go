// Package validator implements the credential validator (C5): an async
// upstream probe against {upstream}/v1/user/info that classifies the
// result into valid / authoritative-invalid / transient, with bounded
// retry and doubling backoff on network-class and 429 failures. Grounded
// on the reference validate_key_async probe and the retry/backoff shape
// of the teacher's health-checker and resilience packages.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/vitaliisemenov/llmproxy/pkg/logger"
	"github.com/vitaliisemenov/llmproxy/pkg/metrics"
)

const (
	maxAttempts  = 4
	probeTimeout = 30 * time.Second
	baseBackoff  = 1 * time.Second
)

var keyFormatRE = regexp.MustCompile(`^sk-[A-Za-z0-9]+$`)

// ValidateFormat reports whether key matches the required `sk-` + alphanumeric shape.
func ValidateFormat(key string) bool {
	return keyFormatRE.MatchString(key)
}

// Outcome is the classified result of a single Validate call.
type Outcome struct {
	Valid         bool
	Balance       float64
	Message       string
	Transient     bool
	FormatInvalid bool // unconditional-invalid exception per §4.5
}

// Validator probes the upstream liveness endpoint for one credential at a time.
type Validator struct {
	httpClient   *http.Client
	upstreamBase string
	logger       *slog.Logger
	metrics      *metrics.ValidatorMetrics
}

// New creates a Validator against upstreamBase (e.g. https://api.siliconflow.cn),
// using httpClient for the probe request (callers typically share the
// dispatcher's transport so connections are pooled consistently).
func New(httpClient *http.Client, upstreamBase string, log *slog.Logger) *Validator {
	return &Validator{
		httpClient:   httpClient,
		upstreamBase: upstreamBase,
		logger:       log,
		metrics:      metrics.DefaultRegistry().Validator(),
	}
}

// Validate runs the full classify-and-retry pipeline for one credential.
func (v *Validator) Validate(ctx context.Context, key string) Outcome {
	start := time.Now()
	defer func() { v.metrics.ProbeDuration.Observe(time.Since(start).Seconds()) }()

	if !ValidateFormat(key) {
		v.metrics.ProbesTotal.WithLabelValues("invalid").Inc()
		return Outcome{Valid: false, Transient: false, FormatInvalid: true, Message: "credential fails format check"}
	}

	delay := baseBackoff
	var outcome Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome = v.probe(ctx, key)
		if !outcome.Transient {
			break
		}
		if attempt == maxAttempts {
			break
		}

		v.logger.Debug("validator probe transient failure, retrying",
			"credential", logger.Redact(key), "attempt", attempt, "delay", delay, "message", outcome.Message)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			outcome = Outcome{Valid: false, Transient: true, Message: ctx.Err().Error()}
			v.recordOutcome(outcome)
			return outcome
		}
		delay *= 2
	}

	v.recordOutcome(outcome)
	return outcome
}

func (v *Validator) recordOutcome(o Outcome) {
	switch {
	case o.Valid:
		v.metrics.ProbesTotal.WithLabelValues("valid").Inc()
	case o.Transient:
		v.metrics.ProbesTotal.WithLabelValues("transient").Inc()
	default:
		v.metrics.ProbesTotal.WithLabelValues("invalid").Inc()
	}
}

// probe issues exactly one HTTP GET and classifies the result without retrying.
func (v *Validator) probe(ctx context.Context, key string) Outcome {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, v.upstreamBase+"/v1/user/info", nil)
	if err != nil {
		return Outcome{Valid: false, Transient: true, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Outcome{Valid: false, Transient: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
		return classifyBalance(body)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Outcome{Valid: false, Transient: false, Message: fmt.Sprintf("upstream rejected credential: %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Outcome{Valid: false, Transient: true, Message: "rate limited by upstream"}
	default:
		return Outcome{Valid: false, Transient: true, Message: fmt.Sprintf("unexpected upstream status %d", resp.StatusCode)}
	}
}

type userInfoResponse struct {
	Data struct {
		TotalBalance json.Number `json:"totalBalance"`
	} `json:"data"`
}

func classifyBalance(body []byte) Outcome {
	var parsed userInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Outcome{Valid: true, Balance: 0}
	}
	balance, err := parsed.Data.TotalBalance.Float64()
	if err != nil {
		return Outcome{Valid: true, Balance: 0}
	}
	return Outcome{Valid: true, Balance: balance}
}
