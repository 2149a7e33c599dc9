package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiError(code int, header http.Header) *anthropic.Error {
	if header == nil {
		header = http.Header{}
	}
	req := &http.Request{Method: http.MethodPost, URL: &url.URL{Scheme: "https", Host: "api.anthropic.com", Path: "/v1/messages"}}
	return &anthropic.Error{
		StatusCode: code,
		Request:    req,
		Response:   &http.Response{StatusCode: code, Header: header, Request: req},
	}
}

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ErrorType
		wantWait time.Duration
	}{
		{"rate limited with seconds", apiError(429, http.Header{"Retry-After": []string{"120"}}), ErrorQuota, 2 * time.Minute},
		{"rate limited without hint", apiError(429, nil), ErrorQuota, time.Hour},
		{"unauthorized", apiError(401, nil), ErrorAuth, 0},
		{"forbidden", apiError(403, nil), ErrorAuth, 0},
		{"server error", apiError(500, nil), ErrorTransient, 0},
		{"overloaded", apiError(529, nil), ErrorTransient, 0},
		{"bad request", apiError(400, nil), ErrorInvalid, 0},
		{"not found", apiError(404, nil), ErrorInvalid, 0},
		{"wrapped", fmt.Errorf("call: %w", apiError(503, nil)), ErrorTransient, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotWait := classifyError(tt.err)
			assert.Equal(t, tt.wantType, gotType)
			assert.Equal(t, tt.wantWait, gotWait)
		})
	}
}

func TestClassifyMessageError(t *testing.T) {
	tests := []struct {
		msg      string
		wantType ErrorType
		wantWait time.Duration
	}{
		{"rate limit exceeded, try again in 5 minutes", ErrorQuota, 5 * time.Minute},
		{"quota exhausted, wait 2 hours", ErrorQuota, 2 * time.Hour},
		{`429: {"retry_after": 30}`, ErrorQuota, 30 * time.Second},
		{"monthly quota reached", ErrorQuota, time.Hour},
		{"502 Bad Gateway", ErrorTransient, 0},
		{"dial tcp: connection refused", ErrorTransient, 0},
		{"API is overloaded", ErrorTransient, 0},
		{"invalid x-api-key", ErrorAuth, 0},
		{"bad request: max_tokens too large", ErrorInvalid, 0},
		{"something odd happened", ErrorUnknown, 0},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			gotType, gotWait := classifyError(errors.New(tt.msg))
			assert.Equal(t, tt.wantType, gotType)
			assert.Equal(t, tt.wantWait, gotWait)
		})
	}

	gotType, _ := classifyError(fmt.Errorf("request: %w", context.DeadlineExceeded))
	assert.Equal(t, ErrorTransient, gotType)

	gotType, _ = classifyError(nil)
	assert.Equal(t, ErrorUnknown, gotType)
}

func TestParseRetryAfterHeaders(t *testing.T) {
	reset := time.Now().Add(10 * time.Minute).Unix()
	wait := parseRetryAfter(apiError(429, http.Header{"X-Ratelimit-Reset": []string{strconv.FormatInt(reset, 10)}}))
	assert.InDelta(t, (10 * time.Minute).Seconds(), wait.Seconds(), 5)

	at := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	wait = parseRetryAfter(apiError(429, http.Header{"Retry-After": []string{at}}))
	assert.InDelta(t, 90, wait.Seconds(), 5)

	assert.Equal(t, time.Hour, parseRetryAfter(&anthropic.Error{StatusCode: 429}))
}

func TestIsRetriableError(t *testing.T) {
	assert.False(t, isRetriableError(nil))
	assert.False(t, isRetriableError(apiError(401, nil)))
	assert.False(t, isRetriableError(apiError(400, nil)))
	assert.True(t, isRetriableError(apiError(500, nil)))
	assert.True(t, isRetriableError(apiError(429, nil)))
	assert.True(t, isRetriableError(errors.New("something odd happened")))
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "TRANSIENT", ErrorTransient.String())
	assert.Equal(t, "QUOTA", ErrorQuota.String())
	assert.Equal(t, "INVALID", ErrorInvalid.String())
	assert.Equal(t, "AUTH", ErrorAuth.String())
	assert.Equal(t, "UNKNOWN", ErrorUnknown.String())
}

func TestMaxQuotaWaitFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", defaultMaxQuotaWait},
		{"30m", 30 * time.Minute},
		{"not-a-duration", defaultMaxQuotaWait},
		{"-5m", defaultMaxQuotaWait},
		{"100h", maxQuotaWaitCap},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("OVERSEER_MAX_QUOTA_WAIT", tt.value)
			assert.Equal(t, tt.want, DefaultRetryConfig().MaxQuotaWait)
		})
	}
}

func TestRetryConfigWithDefaults(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond}.withDefaults()
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, defaultMaxQuotaWait, cfg.MaxQuotaWait)
}

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, 20*time.Millisecond)
	assert.Equal(t, CircuitClosed, cb.GetState())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.GetState())
	cb.RecordSuccess()
	_, failures, _ := cb.GetMetrics()
	assert.Equal(t, 0, failures, "success in closed state resets failures")

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.GetState())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState(), "failure while half-open reopens")

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.GetState())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreakerQuotaWeight(t *testing.T) {
	cb := NewCircuitBreaker(5, 2, time.Minute)
	cb.recordFailureWithType(ErrorQuota)
	_, failures, _ := cb.GetMetrics()
	assert.Equal(t, quotaFailureWeight, failures)

	cb.recordFailureWithType(ErrorQuota)
	assert.Equal(t, CircuitOpen, cb.GetState())
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", CircuitClosed.String())
	assert.Equal(t, "OPEN", CircuitOpen.String())
	assert.Equal(t, "HALF_OPEN", CircuitHalfOpen.String())
	assert.Equal(t, "UNKNOWN", CircuitState(9).String())
}
