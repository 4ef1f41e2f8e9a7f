package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

type networkError struct{ n int }

func (e *networkError) Error() string { return fmt.Sprintf("network error %d", e.n) }

type configError struct{}

func (configError) Error() string { return "bad config" }
func (configError) Fatal() bool   { return true }

func fastPolicy(max int) Policy {
	return Policy{MaxRetries: max, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2}
}

func TestDo_AlwaysFailingInvokesExactlyMaxRetries(t *testing.T) {
	var calls int
	var last error

	attempts, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) error {
		calls++
		last = &networkError{n: attempt}
		return last
	}, nil)

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if err != last {
		t.Errorf("returned error %v is not the last handler error %v", err, last)
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_FatalErrorNotRetried(t *testing.T) {
	var calls int
	fatal := configError{}

	_, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return fatal
	}, nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err != error(fatal) {
		t.Errorf("err = %v, want %v", err, fatal)
	}
}

func TestDo_MarkFatal(t *testing.T) {
	var calls int
	base := errors.New("not found")

	_, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return MarkFatal(base)
	}, nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, base) {
		t.Errorf("MarkFatal should keep the wrapped error reachable, got %v", err)
	}
	if MarkFatal(nil) != nil {
		t.Error("MarkFatal(nil) should be nil")
	}
}

func TestDo_NotifyCalledBeforeEachSleep(t *testing.T) {
	type call struct {
		attempt int
		delay   time.Duration
	}
	var calls []call

	p := Policy{MaxRetries: 4, BaseDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond, BackoffMultiplier: 2}
	_, _ = Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	}, func(attempt int, err error, delay time.Duration) {
		calls = append(calls, call{attempt, delay})
	})

	want := []call{{1, time.Millisecond}, {2, 2 * time.Millisecond}, {3, 3 * time.Millisecond}}
	if len(calls) != len(want) {
		t.Fatalf("notify calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 5, BaseDelay: time.Hour}
	handlerErr := errors.New("down")

	var calls int
	done := make(chan struct{})
	var err error
	go func() {
		_, err = Do(ctx, p, func(ctx context.Context, attempt int) error {
			calls++
			return handlerErr
		}, func(int, error, time.Duration) { cancel() })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err != handlerErr {
		t.Errorf("err = %v, want handler error", err)
	}
}

func TestDo_ZeroMaxRetriesRunsOnce(t *testing.T) {
	var calls int
	_, _ = Do(context.Background(), Policy{}, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("x")
	}, nil)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicy_DelayMonotonicAndCapped(t *testing.T) {
	policies := []Policy{
		{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2},
		{BaseDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 1.5},
		{BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 0.5},
		{BaseDelay: time.Hour, MaxDelay: time.Minute, BackoffMultiplier: 3},
	}

	for _, p := range policies {
		prev := time.Duration(0)
		for attempt := 0; attempt < 80; attempt++ {
			d := p.Delay(attempt)
			if d < prev {
				t.Fatalf("%+v: Delay(%d) = %v decreased from %v", p, attempt, d, prev)
			}
			if d > p.MaxDelay {
				t.Fatalf("%+v: Delay(%d) = %v exceeds max %v", p, attempt, d, p.MaxDelay)
			}
			prev = d
		}
	}
}

func TestPolicy_DelayFormula(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, BackoffMultiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 80 * time.Millisecond},
		{4, 100 * time.Millisecond},
		{30, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_Merge(t *testing.T) {
	p := DefaultPolicy().Merge(&models.RetrySpec{MaxRetries: 7, BaseDelay: time.Second})
	if p.MaxRetries != 7 || p.BaseDelay != time.Second {
		t.Errorf("merged policy = %+v", p)
	}
	if p.MaxDelay != DefaultMaxDelay || p.BackoffMultiplier != DefaultBackoffMultiplier {
		t.Errorf("unset fields should keep defaults, got %+v", p)
	}
	if got := DefaultPolicy().Merge(nil); got.MaxRetries != DefaultMaxRetries {
		t.Errorf("Merge(nil) changed policy: %+v", got)
	}
}

func TestDefaultShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("x"), true},
		{"wrapped network error", fmt.Errorf("get: %w", &networkError{}), true},
		{"fatal error", configError{}, false},
		{"wrapped fatal", fmt.Errorf("load: %w", configError{}), false},
		{"canceled", context.Canceled, false},
		{"deadline is retryable", context.DeadlineExceeded, true},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultShouldRetry(tt.err); got != tt.want {
				t.Errorf("DefaultShouldRetry(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestValue_ReturnsResult(t *testing.T) {
	got, attempts, err := Value(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("first fails")
		}
		return "ok", nil
	}, nil)
	if err != nil || got != "ok" || attempts != 2 {
		t.Errorf("Value = (%q, %d, %v), want (ok, 2, nil)", got, attempts, err)
	}
}
