package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestReconnectConfig_ExponentialDelays(t *testing.T) {
	cfg := ReconnectConfig{}.withDefaults()

	require.Equal(t, 1*time.Second, cfg.Delay(1))
	require.Equal(t, 2*time.Second, cfg.Delay(2))
	require.Equal(t, 4*time.Second, cfg.Delay(3))
	require.Equal(t, 16*time.Second, cfg.Delay(5))
	require.Equal(t, 30*time.Second, cfg.Delay(6), "capped at max delay")
	require.Equal(t, 30*time.Second, cfg.Delay(10))
}

func TestReconnectConfig_ExponentialOverflowCapped(t *testing.T) {
	cfg := ReconnectConfig{}.withDefaults()

	// Shift overflow territory must still return the cap, never a
	// negative or zero delay.
	require.Equal(t, cfg.MaxDelay, cfg.Delay(80))
}

func TestReconnectConfig_LinearDelays(t *testing.T) {
	cfg := ReconnectConfig{
		Strategy:  ReconnectLinear,
		BaseDelay: 2 * time.Second,
		MaxDelay:  7 * time.Second,
	}.withDefaults()

	require.Equal(t, 2*time.Second, cfg.Delay(1))
	require.Equal(t, 4*time.Second, cfg.Delay(2))
	require.Equal(t, 6*time.Second, cfg.Delay(3))
	require.Equal(t, 7*time.Second, cfg.Delay(4), "capped at max delay")
}

func TestReconnectConfig_CustomDelayFn(t *testing.T) {
	cfg := ReconnectConfig{
		Strategy: ReconnectCustom,
		MaxDelay: time.Minute,
		CustomDelayFn: func(attempt int) time.Duration {
			return time.Duration(attempt) * 500 * time.Millisecond
		},
	}.withDefaults()

	require.Equal(t, 500*time.Millisecond, cfg.Delay(1))
	require.Equal(t, 1500*time.Millisecond, cfg.Delay(3))
}

func TestReconnectConfig_CustomWithoutFnFallsBackToBase(t *testing.T) {
	cfg := ReconnectConfig{Strategy: ReconnectCustom}.withDefaults()
	require.Equal(t, cfg.BaseDelay, cfg.Delay(4))
}

func TestReconnectConfig_JitterDisabledIsDeterministic(t *testing.T) {
	cfg := ReconnectConfig{JitterPercent: 0}.withDefaults()
	cfg.JitterPercent = 0

	for attempt := 1; attempt <= 10; attempt++ {
		require.Equal(t, cfg.Delay(attempt), cfg.JitteredDelay(attempt))
	}
}

func TestReconnectConfig_JitterStaysWithinBand(t *testing.T) {
	cfg := ReconnectConfig{JitterPercent: 30}.withDefaults()

	for attempt := 1; attempt <= 8; attempt++ {
		base := cfg.Delay(attempt)
		half := time.Duration(float64(base) * 0.30 / 2)
		for i := 0; i < 50; i++ {
			j := cfg.JitteredDelay(attempt)
			require.GreaterOrEqual(t, j, base-half-time.Nanosecond)
			require.LessOrEqual(t, j, base+half+time.Nanosecond)
		}
	}
}

func TestReconnectConfig_DelaysNonDecreasing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := ReconnectConfig{
			BaseDelay: time.Duration(rapid.IntRange(1, 5000).Draw(t, "base")) * time.Millisecond,
			MaxDelay:  time.Duration(rapid.IntRange(1, 120).Draw(t, "max")) * time.Second,
			Strategy:  rapid.SampledFrom([]ReconnectStrategy{ReconnectExponential, ReconnectLinear}).Draw(t, "strategy"),
		}.withDefaults()

		prev := time.Duration(0)
		for attempt := 1; attempt <= 30; attempt++ {
			d := cfg.Delay(attempt)
			if d < prev {
				t.Fatalf("delay shrank: attempt %d gave %v after %v", attempt, d, prev)
			}
			if d > cfg.MaxDelay {
				t.Fatalf("delay %v exceeds cap %v", d, cfg.MaxDelay)
			}
			prev = d
		}
	})
}

func TestReconnectController_StartIsSingleFlight(t *testing.T) {
	r := newReconnectController(ReconnectConfig{
		MaxAttempts: 1,
		BaseDelay:   50 * time.Millisecond,
	})

	s := newTestSessionNoServer(t)
	r.start(s)
	require.True(t, r.inFlight())
	// Second start while running is a no-op.
	r.start(s)

	r.stop()
	require.Eventually(t, func() bool { return !r.inFlight() }, time.Second, 10*time.Millisecond)
}

func TestReconnectController_StopPreemptsSleep(t *testing.T) {
	r := newReconnectController(ReconnectConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Second,
	})

	s := newTestSessionNoServer(t)
	start := time.Now()
	r.start(s)
	r.stop()

	require.Eventually(t, func() bool { return !r.inFlight() }, time.Second, 10*time.Millisecond)
	require.Less(t, time.Since(start), 5*time.Second, "stop must not wait out the delay")
}

// newTestSessionNoServer builds a session pointing at a closed port so
// channel opens always fail fast.
func newTestSessionNoServer(t *testing.T) *Session {
	t.Helper()
	s, err := New(DefaultConfig("http://127.0.0.1:1"))
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s
}
