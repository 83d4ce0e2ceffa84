package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relvohq/automation/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"transient code", schema.NewError(schema.ErrCodeActionTransient, "x"), true},
		{"timeout code", schema.NewError(schema.ErrCodeTimeout, "x"), true},
		{"permanent code", schema.NewError(schema.ErrCodeActionPermanent, "x"), false},
		{"validation code", schema.NewError(schema.ErrCodeValidation, "x"), false},
		{"interpolation code", schema.NewError(schema.ErrCodeInterpolation, "x"), false},
		{"connection refused string", errors.New("dial tcp: connection refused"), true},
		{"service unavailable string", errors.New("503 service unavailable"), true},
		{"plain error", errors.New("unknown template"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := time.Minute
	max := 15 * time.Minute

	assert.Equal(t, time.Minute, ComputeBackoff(base, max, 1))
	assert.Equal(t, 2*time.Minute, ComputeBackoff(base, max, 2))
	assert.Equal(t, 4*time.Minute, ComputeBackoff(base, max, 3))
	assert.Equal(t, 8*time.Minute, ComputeBackoff(base, max, 4))

	// Capped at max.
	assert.Equal(t, max, ComputeBackoff(base, max, 10))

	// No base means no delay.
	assert.Equal(t, time.Duration(0), ComputeBackoff(0, max, 3))
}

func TestWaitForBackoff(t *testing.T) {
	require.NoError(t, WaitForBackoff(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
