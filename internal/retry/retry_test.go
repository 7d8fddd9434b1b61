package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
	"github.com/gulio-python/influxdb-iox/internal/objectstore"
)

// quickPolicy keeps test retries in the microsecond range and disables
// jitter so attempt counts stay deterministic.
func quickPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: 50 * time.Microsecond,
		MaxBackoff:     200 * time.Microsecond,
		Multiplier:     2.0,
	}
}

func TestDoFirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := quickPolicy(3).Do(context.Background(), "put object", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesTransientFailure(t *testing.T) {
	transient := errors.New("connection reset by peer")

	calls := 0
	err := quickPolicy(5).Do(context.Background(), "live files", func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("query catalog: %w", transient)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil after recovery", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	transient := errors.New("i/o timeout")

	calls := 0
	err := quickPolicy(3).Do(context.Background(), "fetch manifest", func(context.Context) error {
		calls++
		return transient
	})
	if err == nil {
		t.Fatal("Do() error = nil, want failure after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, transient) {
		t.Errorf("Do() error = %v, want wrapped %v", err, transient)
	}
	if !strings.Contains(err.Error(), "fetch manifest failed after 3 attempts") {
		t.Errorf("Do() error = %q, want op and attempt count in message", err)
	}
}

func TestDoPermanentErrorSurfacesImmediately(t *testing.T) {
	denied := fmt.Errorf("put 42/7/out.parquet: %w", objectstore.ErrAccessDenied)

	calls := 0
	err := quickPolicy(5).Do(context.Background(), "put object", func(context.Context) error {
		calls++
		return denied
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent errors must not retry)", calls)
	}
	if !errors.Is(err, objectstore.ErrAccessDenied) {
		t.Errorf("Do() error = %v, want wrapped ErrAccessDenied", err)
	}
	if err != denied {
		t.Errorf("Do() error = %v, want the original error unwrapped and unannotated", err)
	}
}

// Catalog commit errors are never retried, whatever the policy says about
// attempts. A conflict means the inputs changed and the job must be
// discarded; an unknown outcome means the commit may already be applied and
// replaying it could double-apply the file swap.
func TestDoNeverRetriesCatalogCommitErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"commit conflict", catalog.ErrCommitConflict},
		{"commit outcome unknown", fmt.Errorf("connection lost during commit: %w", catalog.ErrCommitOutcomeUnknown)},
		{"partition flagged", catalog.ErrPartitionFlagged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := quickPolicy(10).Do(context.Background(), "commit", func(context.Context) error {
				calls++
				return tt.err
			})
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Do() error = %v, want %v surfaced", err, tt.err)
			}
		})
	}
}

func TestDoContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := Policy{MaxAttempts: 2, InitialBackoff: time.Hour, Multiplier: 2.0}

	calls := 0
	time.AfterFunc(5*time.Millisecond, cancel)

	start := time.Now()
	err := p.Do(ctx, "get range", func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if elapsed > time.Second {
		t.Errorf("Do() took %v, want prompt return on cancellation", elapsed)
	}
}

func TestDoCustomClassifier(t *testing.T) {
	p := quickPolicy(5)
	p.Classify = func(error) Class { return Permanent }

	calls := 0
	err := p.Do(context.Background(), "list", func(context.Context) error {
		calls++
		return errors.New("would normally be transient")
	})
	if err == nil {
		t.Fatal("Do() error = nil, want error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 with an all-permanent classifier", calls)
	}
}

func TestDoZeroPolicyUsesDefaults(t *testing.T) {
	calls := 0
	err := Policy{}.Do(context.Background(), "ping", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	p := Policy{}.withDefaults()
	want := DefaultPolicy()
	if p.MaxAttempts != want.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, want.MaxAttempts)
	}
	if p.InitialBackoff != want.InitialBackoff {
		t.Errorf("InitialBackoff = %v, want %v", p.InitialBackoff, want.InitialBackoff)
	}
	if p.MaxBackoff != want.MaxBackoff {
		t.Errorf("MaxBackoff = %v, want %v", p.MaxBackoff, want.MaxBackoff)
	}
	if p.Multiplier != want.Multiplier {
		t.Errorf("Multiplier = %v, want %v", p.Multiplier, want.Multiplier)
	}
	if p.JitterFraction != 0 {
		t.Errorf("JitterFraction = %v, want 0 (zero value means no jitter)", p.JitterFraction)
	}
	if p.Classify == nil {
		t.Error("Classify = nil, want DefaultClassifier backfilled")
	}
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"plain network error", errors.New("connection refused"), Transient},
		{"wrapped io error", fmt.Errorf("read row group: %w", errors.New("unexpected EOF")), Transient},
		{"context canceled", context.Canceled, Permanent},
		{"context deadline", context.DeadlineExceeded, Permanent},
		{"commit conflict", catalog.ErrCommitConflict, Permanent},
		{"wrapped commit conflict", fmt.Errorf("commit: %w", catalog.ErrCommitConflict), Permanent},
		{"commit outcome unknown", catalog.ErrCommitOutcomeUnknown, Permanent},
		{"partition flagged", catalog.ErrPartitionFlagged, Permanent},
		{"catalog not found", catalog.ErrNotFound, Permanent},
		{"object not found", objectstore.ErrNotFound, Permanent},
		{"bucket not found", objectstore.ErrBucketNotFound, Permanent},
		{"access denied", objectstore.ErrAccessDenied, Permanent},
		{"precondition failed", objectstore.ErrPreconditionFailed, Permanent},
		{"invalid range", objectstore.ErrInvalidRange, Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultClassifier(tt.err); got != tt.want {
				t.Errorf("DefaultClassifier(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoffGrowthCapsAtMaximum(t *testing.T) {
	// With an uncapped multiplier of 100 the third wait alone would be
	// 50 seconds; capped, the waits are 5ms + 10ms + 10ms.
	p := Policy{
		MaxAttempts:    4,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     100,
	}

	calls := 0
	start := time.Now()
	err := p.Do(context.Background(), "head", func(context.Context) error {
		calls++
		return errors.New("503 slow down")
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Do() error = nil, want failure")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if elapsed < 25*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 25ms of backoff", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("elapsed = %v, want capped backoff well under the uncapped 50s", elapsed)
	}
}

func TestJitterStaysWithinFraction(t *testing.T) {
	p := Policy{JitterFraction: 0.2}
	base := 100 * time.Millisecond
	lo, hi := 80*time.Millisecond, 120*time.Millisecond

	for i := 0; i < 1000; i++ {
		d := p.jitter(base)
		if d < lo || d > hi {
			t.Fatalf("jitter(%v) = %v, want within [%v, %v]", base, d, lo, hi)
		}
	}

	if d := (Policy{}).jitter(base); d != base {
		t.Errorf("jitter with zero fraction = %v, want %v unchanged", d, base)
	}
}
