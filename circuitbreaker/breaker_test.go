package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/procflow/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func failing(_ context.Context) error    { return errBoom }
func succeeding(_ context.Context) error { return nil }

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestNew_NormalizesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want Config
	}{
		{
			name: "zero values fall back to defaults",
			cfg:  Config{},
			want: DefaultConfig(),
		},
		{
			name: "custom values preserved",
			cfg:  Config{FailureThreshold: 3, ResetTimeout: time.Second, SuccessThreshold: 1},
			want: Config{FailureThreshold: 3, ResetTimeout: time.Second, SuccessThreshold: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New("svc", tt.cfg, nil).Config()
			assert.Equal(t, tt.want.FailureThreshold, got.FailureThreshold)
			assert.Equal(t, tt.want.ResetTimeout, got.ResetTimeout)
			assert.Equal(t, tt.want.SuccessThreshold, got.SuccessThreshold)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, st := range []State{StateClosed, StateOpen, StateHalfOpen} {
		text, err := st.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, st, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("SIDEWAYS")))
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestBreaker_TripRejectRecover(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := New("payments", Config{
		FailureThreshold: 3,
		ResetTimeout:     1000 * time.Millisecond,
		SuccessThreshold: 2,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}, zap.NewNop(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, failing)
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	clock.Advance(999 * time.Millisecond)
	err := cb.Execute(ctx, func(context.Context) error { calls++; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "payments", openErr.Name)
	assert.Equal(t, time.Millisecond, openErr.RetryAfter)
	assert.Zero(t, calls)

	clock.Advance(time.Millisecond)
	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Failures())

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	clock := newFakeClock()
	cb := New("svc", Config{FailureThreshold: 3, ResetTimeout: time.Second, SuccessThreshold: 2},
		zap.NewNop(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failing)
	}
	clock.Advance(time.Second)

	require.NoError(t, cb.Execute(ctx, succeeding))
	require.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(ctx, failing)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// reset 窗口从这次失败重新计算
	err = cb.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureCountWhenClosed(t *testing.T) {
	cb := New("svc", Config{FailureThreshold: 3}, zap.NewNop())
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	assert.Equal(t, 2, cb.Failures())

	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Zero(t, cb.Failures())

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_IsFailureClassifier(t *testing.T) {
	errClient := errors.New("bad input")
	cb := New("svc", Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errClient) },
	}, zap.NewNop())

	err := cb.Execute(context.Background(), func(context.Context) error { return errClient })
	require.ErrorIs(t, err, errClient)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_Reset(t *testing.T) {
	cb := New("svc", Config{FailureThreshold: 1}, zap.NewNop())
	_ = cb.Execute(context.Background(), failing)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.Failures)
	assert.Zero(t, snap.Successes)
	require.NoError(t, cb.Execute(context.Background(), succeeding))
}

func TestOpenError_AsTypesError(t *testing.T) {
	err := (&OpenError{Name: "svc", RetryAfter: time.Second}).AsTypesError()
	assert.Equal(t, types.ErrCircuitOpen, err.Code)
	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestExecuteTyped(t *testing.T) {
	cb := New("svc", DefaultConfig(), zap.NewNop())

	v, err := ExecuteTyped(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = ExecuteTyped(context.Background(), cb, func(context.Context) (int, error) { return 7, errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Zero(t, v)
}

func TestBreaker_ConcurrentCalls(t *testing.T) {
	cb := New("svc", Config{FailureThreshold: 1000}, zap.NewNop())
	var calls atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(context.Context) error {
				calls.Add(1)
				if i%2 == 0 {
					return errBoom
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(50), calls.Load())
	assert.Equal(t, StateClosed, cb.State())
}
