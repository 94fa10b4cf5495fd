// Package resilience wraps calls to external collaborators with a bounded
// timeout and retries for transient transport failures.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrTransport marks a collaborator failure that survived all retries.
var ErrTransport = errors.New("transport failure")

// Policy configures timeouts and retries for one collaborator.
type Policy struct {
	// Timeout bounds a single attempt. Zero selects the default; a negative
	// value leaves attempts bounded only by ctx.
	Timeout time.Duration

	// MaxTries is the total number of attempts, including the first.
	MaxTries uint

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential wait between retries.
	MaxBackoff time.Duration

	Logger *zap.Logger
}

// DefaultPolicy returns 3 tries with 500ms initial backoff and a 30s attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:        30 * time.Second,
		MaxTries:       3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// ApplyDefaults fills unset fields.
func (p *Policy) ApplyDefaults() {
	d := DefaultPolicy()
	if p.Timeout == 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxTries == 0 {
		p.MaxTries = d.MaxTries
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
}

// Do runs op under the policy. Only transient errors are retried; any other
// error is returned immediately. A transient error that exhausts the retries
// is wrapped with ErrTransport. Cancellation of ctx is returned as-is.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	p.ApplyDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}

		v, err := op(attemptCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		if !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.Logger.Debug("retrying after transient error",
				zap.String("operation", name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		if attempt > 1 {
			p.Logger.Info("operation recovered after retries",
				zap.String("operation", name),
				zap.Int("attempts", attempt),
			)
		}
		return res, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if IsTransient(err) {
		p.Logger.Warn("operation failed after all retries exhausted",
			zap.String("operation", name),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return res, fmt.Errorf("%s: %w: %w", name, ErrTransport, err)
	}
	return res, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
