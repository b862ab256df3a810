package database

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentMapPreservesOrder(t *testing.T) {
	inputs := []int{5, 3, 8, 1, 9, 2}
	outputs, err := ConcurrentMapFuncWithError(context.Background(), inputs, 3, func(_ context.Context, n int) (int, error) {
		return n * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{50, 30, 80, 10, 90, 20}, outputs)
}

func TestConcurrentMapPropagatesError(t *testing.T) {
	inputs := []string{"a", "b", "c"}
	_, err := ConcurrentMapFuncWithError(context.Background(), inputs, -1, func(_ context.Context, s string) (string, error) {
		if s == "b" {
			return "", errors.New("b failed")
		}
		return s, nil
	})
	assert.ErrorContains(t, err, "b failed")
}

func TestConcurrentMapSequentialWhenZero(t *testing.T) {
	var running, peak atomic.Int32
	inputs := make([]int, 16)
	_, err := ConcurrentMapFuncWithError(context.Background(), inputs, 0, func(_ context.Context, n int) (int, error) {
		now := running.Add(1)
		if now > peak.Load() {
			peak.Store(now)
		}
		running.Add(-1)
		return n, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(1))
}
