package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenDuration: 50 * time.Millisecond, SuccessThreshold: 2})
	require.Equal(t, StateClosed, b.State())

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, SuccessThreshold: 2})
	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow(), "should allow one probe after open duration elapses")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "a second concurrent probe should be refused")

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State(), "needs success_threshold consecutive successes")

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: 5 * time.Millisecond, SuccessThreshold: 1})
	b.Allow()
	b.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestDefaultConfigFillsZeroFields(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, DefaultConfig().FailureThreshold, b.cfg.FailureThreshold)
	assert.Equal(t, DefaultConfig().OpenDuration, b.cfg.OpenDuration)
	assert.Equal(t, DefaultConfig().SuccessThreshold, b.cfg.SuccessThreshold)
}
