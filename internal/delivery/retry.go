package delivery

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds how hard one dispatch attempt tries a sender
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"` // total sends per dispatch, including the first
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      bool          `yaml:"jitter"`
	Timeout     time.Duration `yaml:"timeout"` // per send; a timeout counts as a failure
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		Timeout:     30 * time.Second,
	}
}

// Outcome summarizes a SendWithRetry call
type Outcome struct {
	Result   Result
	Attempts int
}

// SendWithRetry sends msg, retrying retryable failures with exponential
// backoff. Each attempt runs under the policy timeout.
func SendWithRetry(ctx context.Context, s Sender, msg Message, p RetryPolicy) Outcome {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var out Outcome
	for attempt := 0; attempt < attempts; attempt++ {
		out.Attempts = attempt + 1
		out.Result = sendOnce(ctx, s, msg, p.Timeout)
		if out.Result.Success {
			if out.Result.Error != nil {
				out.Result.Error = nil
			}
			return out
		}
		if out.Result.Error == nil {
			out.Result.Error = fmt.Errorf("%s: send failed without an error", s.Name())
		}
		if out.Result.Permanent || attempt == attempts-1 {
			return out
		}

		delay := backoff(p, attempt)
		log.Warn().
			Err(out.Result.Error).
			Str("item_id", msg.ItemID).
			Str("sender", s.Name()).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("Send failed, retrying")

		select {
		case <-ctx.Done():
			out.Result = Failure(ctx.Err())
			return out
		case <-time.After(delay):
		}
	}
	return out
}

func sendOnce(ctx context.Context, s Sender, msg Message, timeout time.Duration) Result {
	if timeout <= 0 {
		return s.Send(ctx, msg)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- s.Send(ctx, msg) }()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return Failure(fmt.Errorf("%s: send timed out after %v: %w", s.Name(), timeout, ctx.Err()))
	}
}

// backoff is BaseDelay * Multiplier^attempt, capped at MaxDelay, with up
// to 10% jitter either way
func backoff(p RetryPolicy, attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay += (rand.Float64() - 0.5) * 2 * delay * 0.1
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
