// Package retry implements the exponential backoff policy applied to
// transient failures against the catalog and the object store.
//
// A Policy is a plain value. Call sites embed one in their own config and
// wrap individual operations with Do; there is no shared retry state. The
// classifier decides per error whether another attempt can help: network
// blips and 5xx-style failures are Transient, while validation errors,
// missing objects, and every catalog commit outcome are Permanent.
//
// Catalog commits deserve the emphasis: ErrCommitConflict means the inputs
// changed under the job and replaying the same transaction can never
// succeed, and ErrCommitOutcomeUnknown means the commit may already have
// been applied, so replaying it risks applying the file swap twice. Both
// surface immediately. The caller re-reads catalog state and re-plans
// instead of retrying.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
	"github.com/gulio-python/influxdb-iox/internal/logging"
	"github.com/gulio-python/influxdb-iox/internal/objectstore"
)

// Class labels an error by whether another attempt can succeed.
type Class int

const (
	// Transient errors may succeed on a later attempt and are retried
	// with backoff.
	Transient Class = iota

	// Permanent errors cannot succeed on retry and surface immediately.
	Permanent
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classifier maps a non-nil error to a Class.
type Classifier func(error) Class

// DefaultClassifier treats context cancellation, catalog commit outcomes,
// and object-store client errors as permanent, and everything else as
// transient. Unrecognized errors default to Transient so that network and
// server-side failures get a bounded number of attempts.
func DefaultClassifier(err error) Class {
	switch {
	case err == nil:
		return Permanent
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return Permanent
	case errors.Is(err, catalog.ErrCommitConflict),
		errors.Is(err, catalog.ErrCommitOutcomeUnknown),
		errors.Is(err, catalog.ErrPartitionFlagged),
		errors.Is(err, catalog.ErrNotFound):
		return Permanent
	case errors.Is(err, objectstore.ErrNotFound),
		errors.Is(err, objectstore.ErrBucketNotFound),
		errors.Is(err, objectstore.ErrAccessDenied),
		errors.Is(err, objectstore.ErrPreconditionFailed),
		errors.Is(err, objectstore.ErrInvalidRange):
		return Permanent
	default:
		return Transient
	}
}

// Policy describes how transient failures are retried. The zero value is
// usable: zero fields fall back to the defaults below, except JitterFraction
// where zero means no jitter.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 4.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	// Default: 100ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	// Default: 5s.
	MaxBackoff time.Duration

	// Multiplier grows the delay after each failed attempt.
	// Default: 2.0.
	Multiplier float64

	// JitterFraction randomizes each delay to base * (1 ± JitterFraction).
	// Zero disables jitter.
	JitterFraction float64

	// Classify overrides DefaultClassifier when set.
	Classify Classifier
}

// DefaultPolicy returns the policy used when the daemon config does not
// override retry settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.Classify == nil {
		p.Classify = DefaultClassifier
	}
	return p
}

// Do runs fn until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or ctx is canceled while waiting between attempts. The op
// name labels retry log lines and the final error.
//
// Do must not wrap a catalog commit. CommitTransaction is not idempotent,
// and DefaultClassifier refusing to retry its sentinels is the backstop,
// not the design.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	p = p.withDefaults()

	backoff := p.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if p.Classify(err) == Permanent {
			return err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		sleep := p.jitter(backoff)
		logging.Global().Warnf("retrying after transient failure", map[string]any{
			"op":          op,
			"attempt":     attempt,
			"maxAttempts": p.MaxAttempts,
			"backoff":     sleep.String(),
			"error":       err.Error(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}

// jitter spreads the delay to base * (1 ± JitterFraction) so that workers
// retrying the same outage do not reconverge on the backend in lockstep.
func (p Policy) jitter(base time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return base
	}

	span := float64(base) * p.JitterFraction
	d := time.Duration(float64(base) + (rand.Float64()*2*span - span))
	if d < 0 {
		d = 0
	}
	return d
}
