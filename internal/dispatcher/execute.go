package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vitaliisemenov/llmproxy/internal/store"
	"github.com/vitaliisemenov/llmproxy/internal/validator"
	"github.com/vitaliisemenov/llmproxy/pkg/logger"
)

func endpointPath(e Endpoint) string {
	switch e {
	case EndpointModels:
		return "/v1/models"
	default:
		return "/v1/" + string(e)
	}
}

// execute runs the full per-item protocol of §4.6: bind, compose, call,
// consume, log, track, revalidate — with retry and one credential
// fallback attempt.
func (d *Dispatcher) execute(ctx context.Context, item *workItem) Result {
	credential, err := d.bindCredential(ctx, item.req.FreeTier)
	if err != nil {
		return Result{StatusCode: http.StatusServiceUnavailable, Err: err}
	}
	if strings.TrimSpace(credential) == "" {
		return Result{StatusCode: http.StatusServiceUnavailable, Err: ErrEmptyCredential}
	}

	res := d.attemptWithRetry(ctx, item, credential)
	if res.Err != nil && d.cfg.Strategy == "round_robin" {
		d.disableOrSkip(ctx, credential)
		if fallback, ferr := d.bindCredential(ctx, item.req.FreeTier); ferr == nil && fallback != credential {
			d.metrics.FallbackTotal.Inc()
			res = d.attemptWithRetry(ctx, item, fallback)
		}
	}
	return res
}

// attemptWithRetry runs the network-class retry loop for one credential:
// up to MaxRetries attempts, linear backoff, a distinct fresh-transport
// path for EOF-flavored failures, and no retry at all for HTTP-protocol
// errors (those are forwarded to the caller verbatim).
func (d *Dispatcher) attemptWithRetry(ctx context.Context, item *workItem, credential string) Result {
	client := d.httpClient
	var lastErr error
	start := time.Now()

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		res, transportErr := d.callOnce(ctx, item, credential, client)
		if transportErr == nil {
			d.metrics.UpstreamCalls.WithLabelValues(string(item.endpoint), "ok").Observe(time.Since(start).Seconds())
			return res
		}
		lastErr = transportErr

		if isEOFError(transportErr) {
			d.metrics.RetryTotal.WithLabelValues("eof").Inc()
			client = &http.Client{Transport: newFreshTransport(), Timeout: client.Timeout}
			d.logger.Warn("dispatcher retrying after EOF-flavored failure",
				"credential", logger.Redact(credential), "attempt", attempt, "endpoint", item.endpoint)
			if !sleepCtx(ctx, d.cfg.RetryBaseDelay) {
				break
			}
			continue
		}

		if !isNetworkError(transportErr) {
			// Non-network exceptions are not retried at this layer.
			break
		}

		d.metrics.RetryTotal.WithLabelValues("transport").Inc()
		delay := time.Duration(attempt) * d.cfg.RetryBaseDelay
		d.logger.Warn("dispatcher retrying transport error",
			"credential", logger.Redact(credential), "attempt", attempt, "delay", delay, "error", transportErr)
		if !sleepCtx(ctx, delay) {
			break
		}
	}

	d.metrics.UpstreamCalls.WithLabelValues(string(item.endpoint), "error").Observe(time.Since(start).Seconds())
	return Result{StatusCode: http.StatusBadGateway, Err: fmt.Errorf("dispatcher: upstream call failed: %w", lastErr)}
}

// callOnce issues exactly one upstream HTTP call and consumes the
// response, branching on item.req.Stream. The returned error is non-nil
// only for network/transport-class failures eligible for retry; an
// HTTP-protocol error status is returned as a populated Result instead.
func (d *Dispatcher) callOnce(ctx context.Context, item *workItem, credential string, client *http.Client) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeoutFor(item.endpoint))
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(callCtx, item.req.Method,
		d.cfg.UpstreamBase+endpointPath(item.endpoint), bytes.NewReader(item.req.Body))
	if err != nil {
		return Result{}, err
	}
	for k, vs := range item.req.Headers {
		for _, v := range vs {
			upstreamReq.Header.Add(k, v)
		}
	}
	upstreamReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := client.Do(upstreamReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && item.req.Stream {
		// Protocol error, not network error: forward as-is, no retry. The
		// streaming caller only reads off item.req.Writer, so the status and
		// body have to be written here rather than left in the Result for
		// proxyHandler to relay.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if item.req.Writer != nil {
			item.req.Writer.WriteHeader(resp.StatusCode)
			_, _ = item.req.Writer.Write(body)
			if flusher, ok := item.req.Writer.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		return Result{StatusCode: resp.StatusCode, Body: body}, nil
	}

	if item.req.Stream && item.req.Writer != nil {
		return d.relayStream(item, credential, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode >= 300 {
		return Result{StatusCode: resp.StatusCode, Body: body}, nil
	}

	u := parseUnaryUsage(body)
	d.afterSuccess(credential, item, u)
	return Result{StatusCode: resp.StatusCode, Body: body}, nil
}

// relayStream forwards every chunk verbatim to the caller's writer while
// opportunistically parsing `data: ` frames for trailing usage totals.
func (d *Dispatcher) relayStream(item *workItem, credential string, resp *http.Response) (Result, error) {
	flusher, _ := item.req.Writer.(http.Flusher)
	acc := &sseUsageAccumulator{}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if _, werr := item.req.Writer.Write([]byte(line)); werr != nil {
				return Result{}, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			if after, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: "); ok {
				acc.observe([]byte(after))
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return Result{}, err
		}
	}

	d.afterSuccess(credential, item, acc.last)
	return Result{StatusCode: resp.StatusCode}, nil
}

// afterSuccess records the call log, tracks rate-limit usage, and fires a
// best-effort background revalidation of the credential, applying any
// resulting state transition the same way the refresh scheduler does
// (§4.6 step 4/5).
func (d *Dispatcher) afterSuccess(credential string, item *workItem, u usage) {
	now := time.Now().UTC()
	d.cache.QueueInsert(store.TableCallLog, store.Row{
		"credential_key": credential,
		"model":          item.req.Model,
		"endpoint":       string(item.endpoint),
		"call_time":      now.Unix(),
		"input_tokens":   u.InputTokens,
		"output_tokens":  u.OutputTokens,
		"total_tokens":   u.TotalTokens,
	})
	d.rate.Track(credential, 1, u.TotalTokens)

	if d.validator != nil && d.recent != nil {
		go func() {
			bgCtx := context.Background()
			outcome := d.recent.ValidateDeduped(bgCtx, d.validator, credential)

			balance, ok := d.currentBalance(bgCtx, credential)
			if !ok {
				return
			}
			if effect := validator.StateEffect(balance, outcome); effect != nil {
				d.cache.QueueUpdate(store.TableCredentials, effect, "key", credential)
			}
		}()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func isEOFError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(err.Error(), "EOF")
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"EOF", "connection reset", "broken pipe", "timeout", "connection refused", "no such host", "i/o timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}
