package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds the attempts of one Chat call.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is three attempts with exponential waits from 2s capped at 10s.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialBackoff: 2 * time.Second, MaxBackoff: 10 * time.Second}

// Reliable wraps a ChatModel with throttling and retry of transient failures.
// Every error it returns wraps models.ErrLanguageModelFailure.
type Reliable struct {
	model   ChatModel
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *zap.Logger
}

// ReliableOption configures a Reliable.
type ReliableOption func(*Reliable)

// WithRetryPolicy overrides the retry policy. Zero fields keep the defaults.
func WithRetryPolicy(p RetryPolicy) ReliableOption {
	return func(r *Reliable) {
		if p.MaxAttempts > 0 {
			r.policy.MaxAttempts = p.MaxAttempts
		}
		if p.InitialBackoff > 0 {
			r.policy.InitialBackoff = p.InitialBackoff
		}
		if p.MaxBackoff > 0 {
			r.policy.MaxBackoff = p.MaxBackoff
		}
	}
}

// WithRateLimit allows at most rps calls per second. Zero or negative disables throttling.
func WithRateLimit(rps float64) ReliableOption {
	return func(r *Reliable) {
		if rps > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			r.limiter = nil
		}
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *zap.Logger) ReliableOption {
	return func(r *Reliable) {
		r.logger = utils.OrNop(l)
	}
}

// NewReliable wraps model.
func NewReliable(model ChatModel, opts ...ReliableOption) *Reliable {
	r := &Reliable{model: model, policy: DefaultRetryPolicy, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the wrapped provider tag.
func (r *Reliable) Name() string { return r.model.Name() }

// Chat calls the wrapped model, retrying transient failures.
func (r *Reliable) Chat(ctx context.Context, messages []Message, opts Options) (*Completion, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialBackoff
	eb.MaxInterval = r.policy.MaxBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() (*Completion, error) {
		attempts++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		c, err := r.model.Chat(ctx, messages, opts)
		if err != nil {
			if !retryable(ctx, err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return c, nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("language model call failed, retrying",
			zap.String("provider", r.model.Name()),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	c, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		return nil, fmt.Errorf("%w: %s after %d attempt(s): %w", models.ErrLanguageModelFailure, r.model.Name(), attempts, err)
	}
	return c, nil
}

// retryable reports whether err is transient: network failures, timeouts and
// HTTP 408/409/429/5xx. Malformed replies, other statuses and caller cancellation are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, errMalformedResponse) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
