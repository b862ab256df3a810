package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetql/facetql/apperr"
	"github.com/facetql/facetql/executor"
)

func TestHeavy(t *testing.T) {
	assert.False(t, executor.Heavy(100, false))
	assert.False(t, executor.Heavy(4999, false))
	assert.True(t, executor.Heavy(5000, false))
	assert.True(t, executor.Heavy(100, true))
	assert.True(t, executor.Heavy(0, true))
}

func TestGateAllowWithinBurst(t *testing.T) {
	gate := executor.NewGate(executor.GateOptions{RatePerSec: 10, Burst: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, gate.Allow(ctx, "alice"))
	}

	err := gate.Allow(ctx, "alice")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.RateLimited))
	assert.Equal(t, 429, apperr.StatusOf(err))
	assert.GreaterOrEqual(t, apperr.RetryAfterOf(err), 1)
}

func TestGateAllowRetryAfterFromReservation(t *testing.T) {
	gate := executor.NewGate(executor.GateOptions{RatePerSec: 0.5, Burst: 1})
	ctx := context.Background()

	require.NoError(t, gate.Allow(ctx, "alice"))

	err := gate.Allow(ctx, "alice")
	require.Error(t, err)
	// Next token accrues in 2s at half a token per second.
	assert.Equal(t, 2, apperr.RetryAfterOf(err))
}

func TestGateAllowBucketsPerActor(t *testing.T) {
	gate := executor.NewGate(executor.GateOptions{RatePerSec: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, gate.Allow(ctx, "alice"))
	require.Error(t, gate.Allow(ctx, "alice"))

	assert.NoError(t, gate.Allow(ctx, "bob"))
}

func TestGateAllowRefills(t *testing.T) {
	gate := executor.NewGate(executor.GateOptions{RatePerSec: 100, Burst: 1})
	ctx := context.Background()

	require.NoError(t, gate.Allow(ctx, "alice"))
	require.Error(t, gate.Allow(ctx, "alice"))

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, gate.Allow(ctx, "alice"))
}

func TestAdmitLightBypassesSemaphores(t *testing.T) {
	gate := executor.NewGate(executor.GateOptions{HeavyConcurrency: 1, ActorConcurrency: 1})
	ctx := context.Background()

	// Light requests never contend, even with every slot width at one.
	for i := 0; i < 10; i++ {
		release, err := gate.Admit(ctx, "alice", false)
		require.NoError(t, err)
		release()
	}
}

func TestAdmitHeavyGlobalBound(t *testing.T) {
	gate := executor.NewGate(executor.GateOptions{HeavyConcurrency: 1, ActorConcurrency: 2})
	ctx := context.Background()

	release, err := gate.Admit(ctx, "alice", true)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = gate.Admit(blocked, "bob", true)
	require.Error(t, err)

	release()
	release, err = gate.Admit(ctx, "bob", true)
	require.NoError(t, err)
	release()
}

func TestAdmitHeavyActorBound(t *testing.T) {
	gate := executor.NewGate(executor.GateOptions{HeavyConcurrency: 10, ActorConcurrency: 1})
	ctx := context.Background()

	release, err := gate.Admit(ctx, "alice", true)
	require.NoError(t, err)
	defer release()

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = gate.Admit(blocked, "alice", true)
	require.Error(t, err)

	// Another actor is not starved by alice's slot.
	other, err := gate.Admit(ctx, "bob", true)
	require.NoError(t, err)
	other()
}
