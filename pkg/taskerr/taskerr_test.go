package taskerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsMessage(t *testing.T) {
	err := New(Transient, "")
	assert.Equal(t, "transient error", err.Message)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(Transient, "dispatch failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dispatch failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestErrorfFormats(t *testing.T) {
	err := Errorf(Tool, "exit code %d", 137)
	assert.Equal(t, "exit code 137", err.Message)
}

func TestClassOfUnwrapsChain(t *testing.T) {
	inner := New(Health, "container unhealthy")
	outer := fmt.Errorf("starting subject: %w", inner)

	assert.Equal(t, Health, ClassOf(outer))
	assert.True(t, Is(outer, Health))
}

func TestClassOfDefaultsToFatal(t *testing.T) {
	assert.Equal(t, Fatal, ClassOf(errors.New("unclassified")))
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		class Classification
		want  bool
	}{
		{Preflight, true},
		{Transient, true},
		{Stuck, true},
		{Validation, false},
		{Health, false},
		{Fatal, false},
		{Tool, false},
		{Partial, false},
		{Timeout, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Retryable(tc.class), "class %s", tc.class)
	}
}
