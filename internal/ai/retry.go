package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// RetryConfig holds retry configuration for API calls
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retries (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 30s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)
	Timeout           time.Duration // Per-request timeout (default: 60s)

	// Circuit breaker settings
	CircuitBreakerEnabled bool          // Enable circuit breaker (default: true)
	FailureThreshold      int           // Failures before opening circuit (default: 5)
	SuccessThreshold      int           // Successes in half-open before closing (default: 2)
	OpenTimeout           time.Duration // How long to keep circuit open (default: 30s)

	MaxConcurrentCalls int // Maximum concurrent AI API calls (default: 3, 0 = unlimited)

	// MaxQuotaWait caps how long a quota error may delay a retry. Longer
	// waits fail the call instead (default: 15m, OVERSEER_MAX_QUOTA_WAIT).
	MaxQuotaWait time.Duration
}

const (
	defaultMaxQuotaWait = 15 * time.Minute
	maxQuotaWaitCap     = 24 * time.Hour
	defaultQuotaWait    = time.Hour
	// quotaFailureWeight is how many failures one quota error counts as.
	quotaFailureWeight = 3
)

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               60 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    3,
		MaxQuotaWait:          maxQuotaWaitFromEnv(),
	}
}

// withDefaults fills unset durations and multipliers.
func (c RetryConfig) withDefaults() RetryConfig {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxQuotaWait <= 0 {
		c.MaxQuotaWait = defaultMaxQuotaWait
	}
	return c
}

func maxQuotaWaitFromEnv() time.Duration {
	v := os.Getenv("OVERSEER_MAX_QUOTA_WAIT")
	if v == "" {
		return defaultMaxQuotaWait
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultMaxQuotaWait
	}
	if d > maxQuotaWaitCap {
		return maxQuotaWaitCap
	}
	return d
}

// ErrorType classifies API errors for retry decisions.
type ErrorType int

const (
	ErrorUnknown   ErrorType = iota // Unclassified; retried conservatively
	ErrorTransient                  // 5xx, timeouts, connection errors
	ErrorQuota                      // 429 and quota exhaustion
	ErrorInvalid                    // 400 and other bad requests
	ErrorAuth                       // 401/403
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTransient:
		return "TRANSIENT"
	case ErrorQuota:
		return "QUOTA"
	case ErrorInvalid:
		return "INVALID"
	case ErrorAuth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}

var retryAfterPatterns = []struct {
	re   *regexp.Regexp
	unit time.Duration
}{
	{regexp.MustCompile(`(?i)(?:try again in|wait)\s+(\d+)\s*(?:hours?|hrs?)\b`), time.Hour},
	{regexp.MustCompile(`(?i)(?:try again in|wait)\s+(\d+)\s*(?:minutes?|mins?)\b`), time.Minute},
	{regexp.MustCompile(`(?i)(?:try again in|wait)\s+(\d+)\s*(?:seconds?|secs?|s)\b`), time.Second},
	{regexp.MustCompile(`(?i)"?retry[_-]after"?\s*[:=]\s*(\d+)`), time.Second},
}

// parseRetryAfterFromMessage extracts a wait hint from an error message.
func parseRetryAfterFromMessage(msg string) time.Duration {
	for _, p := range retryAfterPatterns {
		if m := p.re.FindStringSubmatch(msg); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil && n > 0 {
				return time.Duration(n) * p.unit
			}
		}
	}
	return 0
}

// parseRetryAfter reads Retry-After or X-RateLimit-Reset from an API error
// response, falling back to one hour.
func parseRetryAfter(apiErr *anthropic.Error) time.Duration {
	if apiErr.Response != nil {
		h := apiErr.Response.Header
		if v := h.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
			if at, err := time.Parse(time.RFC1123, v); err == nil {
				if d := time.Until(at); d > 0 {
					return d
				}
			}
		}
		if v := h.Get("X-RateLimit-Reset"); v != "" {
			if unix, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				if d := time.Until(time.Unix(unix, 0)); d > 0 {
					return d
				}
			}
		}
	}
	return defaultQuotaWait
}

// classifyError returns the error class and, for quota errors, how long to
// wait before retrying.
func classifyError(err error) (ErrorType, time.Duration) {
	if err == nil {
		return ErrorUnknown, 0
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == 429:
			return ErrorQuota, parseRetryAfter(apiErr)
		case code == 401 || code == 403:
			return ErrorAuth, 0
		case code >= 500:
			return ErrorTransient, 0
		case code >= 400:
			return ErrorInvalid, 0
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient, 0
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		wait := parseRetryAfterFromMessage(msg)
		if wait == 0 {
			wait = defaultQuotaWait
		}
		return ErrorQuota, wait
	case containsAny(msg, "500", "502", "503", "504", "529", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "overloaded", "connection refused",
		"connection reset", "timeout", "temporary failure", "network"):
		return ErrorTransient, 0
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid x-api-key"):
		return ErrorAuth, 0
	case containsAny(msg, "400", "404", "bad request", "invalid request"):
		return ErrorInvalid, 0
	}
	return ErrorUnknown, 0
}

// isRetriableError reports whether a retry could succeed.
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	switch t, _ := classifyError(err); t {
	case ErrorAuth, ErrorInvalid:
		return false
	}
	return true
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker fails fast after repeated failures and probes for
// recovery after a timeout.
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	logger           *slog.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		lastStateChange:  time.Now(),
		logger:           slog.Default(),
	}
}

// Allow returns ErrCircuitOpen while the circuit is open and its timeout
// has not passed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a failed request of unknown type
func (cb *CircuitBreaker) RecordFailure() {
	cb.recordFailureWithType(ErrorUnknown)
}

// recordFailureWithType weights quota errors more heavily than others.
func (cb *CircuitBreaker) recordFailureWithType(t ErrorType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()
	weight := 1
	if t == ErrorQuota {
		weight = quotaFailureWeight
	}

	switch cb.state {
	case CircuitClosed:
		cb.failureCount += weight
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure while probing reopens the circuit.
		cb.transition(CircuitOpen)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics returns current metrics (for monitoring/logging)
func (cb *CircuitBreaker) GetMetrics() (state CircuitState, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failureCount, cb.successCount
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.successCount = 0
	if to == CircuitClosed {
		cb.failureCount = 0
	}
	cb.lastStateChange = time.Now()
	cb.logger.Info("circuit breaker state transition",
		"from", from.String(),
		"to", to.String(),
		"failures", cb.failureCount)
}

// retryWithBackoff executes fn with retries and exponential backoff.
func (s *Supervisor) retryWithBackoff(ctx context.Context, operation string, fn func(context.Context) error) error {
	if s.concurrencySem != nil {
		if err := s.concurrencySem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer s.concurrencySem.Release(1)
	}

	var lastErr error
	backoff := s.retry.InitialBackoff

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if s.circuitBreaker != nil {
			if err := s.circuitBreaker.Allow(); err != nil {
				state, failures, _ := s.circuitBreaker.GetMetrics()
				s.logger.Warn("AI call blocked by circuit breaker",
					"operation", operation, "state", state.String(), "failures", failures)
				return fmt.Errorf("%s failed: %w", operation, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if s.circuitBreaker != nil {
				s.circuitBreaker.RecordSuccess()
			}
			if attempt > 0 {
				s.logger.Info("AI call succeeded after retries", "operation", operation, "retries", attempt)
			}
			return nil
		}
		lastErr = err

		errType, wait := classifyError(err)
		if errType == ErrorAuth || errType == ErrorInvalid {
			// Not the service's fault; leave the circuit alone.
			s.logger.Warn("AI call failed with non-retriable error",
				"operation", operation, "error_type", errType.String(), "error", err)
			return err
		}
		if s.circuitBreaker != nil {
			s.circuitBreaker.recordFailureWithType(errType)
		}
		if attempt == s.retry.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		delay := backoff
		if errType == ErrorQuota {
			if wait > s.retry.MaxQuotaWait {
				return fmt.Errorf("%s failed: quota wait %v exceeds limit %v: %w",
					operation, wait, s.retry.MaxQuotaWait, err)
			}
			if wait > delay {
				delay = wait
			}
		}

		s.logger.Info("AI call failed, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", s.retry.MaxRetries+1,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			backoff = time.Duration(float64(backoff) * s.retry.BackoffMultiplier)
			if backoff > s.retry.MaxBackoff {
				backoff = s.retry.MaxBackoff
			}
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, s.retry.MaxRetries+1, lastErr)
}
