package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/models"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "http status" }
func (e statusErr) StatusCode() int { return e.code }

// Test helper - a policy with tiny, deterministic delays
func fastPolicy(attempts int) *Policy {
	p := DefaultPolicy()
	p.MaxAttempts = attempts
	p.InitialBackoff = time.Millisecond
	p.MaxBackoff = 5 * time.Millisecond
	p.Jitter = 0
	return p
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(3).Do(context.Background(), arbor.NewLogger(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return statusErr{code: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cause := errors.New("connection refused")
	attempts, err := fastPolicy(3).Do(context.Background(), arbor.NewLogger(), func(ctx context.Context) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_TerminalErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"client error status", statusErr{code: 404}},
		{"validation error", models.NewValidationError("malformed url")},
		{"permanent wrapper", Permanent(errors.New("unsupported payload"))},
		{"cancelled", context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			attempts, err := fastPolicy(5).Do(context.Background(), arbor.NewLogger(), func(ctx context.Context) error {
				calls++
				return tt.err
			})
			require.Error(t, err)
			assert.Equal(t, 1, attempts)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	cause := errors.New("bad selector")
	_, err := fastPolicy(3).Do(context.Background(), arbor.NewLogger(), func(ctx context.Context) error {
		return Permanent(cause)
	})
	assert.Equal(t, cause, err)
}

func TestDo_StopsWhenContextDone(t *testing.T) {
	p := fastPolicy(5)
	p.InitialBackoff = time.Second
	p.MaxBackoff = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = p.Do(ctx, arbor.NewLogger(), func(ctx context.Context) error {
			calls++
			return statusErr{code: 500}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestRetryable(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Retryable(nil))
	assert.True(t, p.Retryable(statusErr{code: 500}))
	assert.True(t, p.Retryable(statusErr{code: 502}))
	assert.False(t, p.Retryable(statusErr{code: 400}))
	assert.False(t, p.Retryable(statusErr{code: 429}))
	assert.True(t, p.Retryable(errors.New("no response")))
}

func TestDelay(t *testing.T) {
	p := fastPolicy(5)
	p.InitialBackoff = 100 * time.Millisecond
	p.MaxBackoff = time.Second

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(10), "capped at MaxBackoff")

	p.Backoff = BackoffLinear
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
}

func TestDelay_JitterStaysInBounds(t *testing.T) {
	p := DefaultPolicy()
	p.InitialBackoff = 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestNewPolicy_FromConfig(t *testing.T) {
	cfg := common.NewDefaultConfig().Recon
	cfg.MaxAttempts = 5
	cfg.Backoff = "linear"

	p := NewPolicy(&cfg)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, BackoffLinear, p.Backoff)
	assert.Equal(t, cfg.InitialBackoff, p.InitialBackoff)
}
