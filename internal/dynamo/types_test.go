package dynamo

import (
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_IsValid(t *testing.T) {
	tests := []struct {
		name  string
		state State
		valid bool
	}{
		{"empty", State{}, true},
		{"normal", State{1.0, 2.0, 3.0}, true},
		{"with NaN", State{1.0, math.NaN()}, false},
		{"with +Inf", State{1.0, math.Inf(1)}, false},
		{"with -Inf", State{1.0, math.Inf(-1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.state.IsValid())
		})
	}
}

func TestIntegrationError(t *testing.T) {
	cause := errors.New("boom")
	err := &IntegrationError{Time: 1.5, Flag: -10, Wrapped: cause}

	assert.Equal(t, "solve failed at t = 1.500000e+00, flag = -10: boom", err.Error())
	assert.ErrorIs(t, err, ErrIntegration)
	assert.ErrorIs(t, err, cause)

	var ie *IntegrationError
	assert.True(t, errors.As(err, &ie))
	assert.Equal(t, -10, ie.Flag)
}

func TestConfigError(t *testing.T) {
	err := ConfigError("unknown method %q", "foo")
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), `unknown method "foo"`)
}

func TestParallelFor_CoversRange(t *testing.T) {
	for _, n := range []int{0, 1, 7, 100, 1001} {
		var sum atomic.Int64
		ParallelFor(n, 8, func(start, end int) {
			for i := start; i < end; i++ {
				sum.Add(int64(i))
			}
		})
		assert.Equal(t, int64(n*(n-1)/2), sum.Load(), "n=%d", n)
	}
}
