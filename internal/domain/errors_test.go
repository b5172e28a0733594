package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Execute", ErrToolNotFound, "delete_universe")
	assert.Equal(t, "Registry.Execute: delete_universe: tool not found", err.Error())
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Loop.Run", ErrCancelled, "")
	assert.Equal(t, "Loop.Run: cancelled by user", err.Error())
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("CommandGate.Execute", ErrCommandRefused, "rm -rf /")
	assert.True(t, errors.Is(err, ErrCommandRefused))

	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "CommandGate.Execute", de.Op)
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"direct sentinel", ErrCommandTimeout, CodeCommandTimeout},
		{"domain error", NewDomainError("Registry.Get", ErrToolNotFound, "x"), CodeToolNotFound},
		{"wrapped", fmt.Errorf("context: %w", ErrRepeatedFailure), CodeRepeatedFailure},
		{"unknown", fmt.Errorf("some random error"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestDomainError_Code(t *testing.T) {
	assert.Equal(t, CodeArgumentParse, NewDomainError("Op", ErrArgumentParse, "").Code())
	assert.Equal(t, CodeUnknown, NewDomainError("Op", fmt.Errorf("custom"), "detail").Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))

	inner := WrapOp("inner", ErrToolExecution)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: tool execution failed", outer.Error())
	assert.True(t, errors.Is(outer, ErrToolExecution))
	assert.Equal(t, CodeToolExecution, ErrorCodeOf(outer))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(ErrRateLimit))
	assert.True(t, IsRetryableError(fmt.Errorf("wrap: %w", ErrContextOverflow)))
	assert.False(t, IsRetryableError(ErrAuthInvalid))
}
