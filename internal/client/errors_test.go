package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode_IsA(t *testing.T) {
	assert.True(t, TransactionSerializationError.IsA(TransactionConflictError))
	assert.True(t, TransactionSerializationError.IsA(TransactionError))
	assert.True(t, TransactionSerializationError.IsA(ExecutionError))
	assert.True(t, DivisionByZeroError.IsA(InvalidValueError))
	assert.True(t, EdgeQLSyntaxError.IsA(QueryError))
	assert.True(t, QueryError.IsA(QueryError))

	assert.False(t, QueryError.IsA(EdgeQLSyntaxError))
	assert.False(t, DivisionByZeroError.IsA(NumericOutOfRangeError))
	assert.False(t, UnknownModuleError.IsA(UnknownDatabaseError))
	assert.False(t, ClientConnectionError.IsA(ExecutionError))
	assert.False(t, QueryError.IsA(0))
}

func TestCode_String(t *testing.T) {
	assert.Equal(t, "DivisionByZeroError", DivisionByZeroError.String())
	assert.Equal(t, "TransactionConflictError", Code(0x05_03_01_7F).String())
	assert.Equal(t, "Error(0xAB000000)", Code(0xAB_00_00_00).String())

	c, ok := CodeByName("GraphQLSyntaxError")
	assert.True(t, ok)
	assert.Equal(t, GraphQLSyntaxError, c)
	_, ok = CodeByName("NoSuchError")
	assert.False(t, ok)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(newError(TransactionSerializationError, "conflict")))
	assert.True(t, IsRetryable(newError(TransactionDeadlockError, "deadlock")))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", newError(ClientConnectionTimeoutError, "timeout"))))
	assert.False(t, IsRetryable(newError(DivisionByZeroError, "division by zero")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestError_Format(t *testing.T) {
	e := &Error{Code: InvalidReferenceError, Message: "object type 'Foo' does not exist", Hint: "did you mean 'Bar'?", Line: 1, Column: 8}
	assert.Equal(t, "InvalidReferenceError: object type 'Foo' does not exist", e.Error())
	assert.Contains(t, e.Verbose(), "code: 0x04030000")
	assert.Contains(t, e.Verbose(), "position: line 1, column 8")
	assert.Contains(t, e.Verbose(), "hint: did you mean 'Bar'?")
	assert.NotContains(t, e.Verbose(), "details:")

	cause := errors.New("dial tcp: refused")
	w := wrapError(ClientConnectionFailedError, cause, "%v", cause)
	assert.ErrorIs(t, w, cause)
}
