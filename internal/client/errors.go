// Package client talks to a database server over its EdgeQL and GraphQL
// HTTP endpoints and reproduces the protocol's transaction state and error
// taxonomy at the client boundary.
package client

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a 32-bit error code. Each non-zero byte, from the most
// significant down, narrows the class: 0x05_03_01_01 is a child of
// 0x05_03_01_00, which is a child of 0x05_03_00_00, and so on.
type Code uint32

const (
	InternalServerError     Code = 0x01_00_00_00
	UnsupportedFeatureError Code = 0x02_00_00_00
	ProtocolError           Code = 0x03_00_00_00

	QueryError                 Code = 0x04_00_00_00
	InvalidSyntaxError         Code = 0x04_01_00_00
	EdgeQLSyntaxError          Code = 0x04_01_01_00
	SchemaSyntaxError          Code = 0x04_01_02_00
	GraphQLSyntaxError         Code = 0x04_01_03_00
	InvalidTypeError           Code = 0x04_02_00_00
	InvalidReferenceError      Code = 0x04_03_00_00
	UnknownModuleError         Code = 0x04_03_00_01
	UnknownDatabaseError       Code = 0x04_03_00_07
	SchemaDefinitionError      Code = 0x04_04_00_00
	DuplicateDefinitionError   Code = 0x04_04_02_00
	QueryTimeoutError          Code = 0x04_05_00_00

	ExecutionError                Code = 0x05_00_00_00
	InvalidValueError             Code = 0x05_01_00_00
	DivisionByZeroError           Code = 0x05_01_00_01
	NumericOutOfRangeError        Code = 0x05_01_00_02
	IntegrityError                Code = 0x05_02_00_00
	ConstraintViolationError      Code = 0x05_02_00_01
	CardinalityViolationError     Code = 0x05_02_00_02
	MissingRequiredError          Code = 0x05_02_00_03
	TransactionError              Code = 0x05_03_00_00
	TransactionConflictError      Code = 0x05_03_01_00
	TransactionSerializationError Code = 0x05_03_01_01
	TransactionDeadlockError      Code = 0x05_03_01_02

	ConfigurationError       Code = 0x06_00_00_00
	AccessError              Code = 0x07_00_00_00
	AuthenticationError      Code = 0x07_01_00_00
	AvailabilityError        Code = 0x08_00_00_00
	BackendUnavailableError  Code = 0x08_00_00_01
	BackendError             Code = 0x09_00_00_00
	UnsupportedBackendError  Code = 0x09_00_01_00

	ClientError                  Code = 0xFF_00_00_00
	ClientConnectionError        Code = 0xFF_01_00_00
	ClientConnectionFailedError  Code = 0xFF_01_01_00
	ClientConnectionTimeoutError Code = 0xFF_01_02_00
	ClientConnectionClosedError  Code = 0xFF_01_03_00
	InterfaceError               Code = 0xFF_02_00_00
	QueryArgumentError           Code = 0xFF_02_01_00
	NoDataError                  Code = 0xFF_03_00_00
)

var codeNames = map[Code]string{
	InternalServerError:           "InternalServerError",
	UnsupportedFeatureError:       "UnsupportedFeatureError",
	ProtocolError:                 "ProtocolError",
	QueryError:                    "QueryError",
	InvalidSyntaxError:            "InvalidSyntaxError",
	EdgeQLSyntaxError:             "EdgeQLSyntaxError",
	SchemaSyntaxError:             "SchemaSyntaxError",
	GraphQLSyntaxError:            "GraphQLSyntaxError",
	InvalidTypeError:              "InvalidTypeError",
	InvalidReferenceError:         "InvalidReferenceError",
	UnknownModuleError:            "UnknownModuleError",
	UnknownDatabaseError:          "UnknownDatabaseError",
	SchemaDefinitionError:         "SchemaDefinitionError",
	DuplicateDefinitionError:      "DuplicateDefinitionError",
	QueryTimeoutError:             "QueryTimeoutError",
	ExecutionError:                "ExecutionError",
	InvalidValueError:             "InvalidValueError",
	DivisionByZeroError:           "DivisionByZeroError",
	NumericOutOfRangeError:        "NumericOutOfRangeError",
	IntegrityError:                "IntegrityError",
	ConstraintViolationError:      "ConstraintViolationError",
	CardinalityViolationError:     "CardinalityViolationError",
	MissingRequiredError:          "MissingRequiredError",
	TransactionError:              "TransactionError",
	TransactionConflictError:      "TransactionConflictError",
	TransactionSerializationError: "TransactionSerializationError",
	TransactionDeadlockError:      "TransactionDeadlockError",
	ConfigurationError:            "ConfigurationError",
	AccessError:                   "AccessError",
	AuthenticationError:           "AuthenticationError",
	AvailabilityError:             "AvailabilityError",
	BackendUnavailableError:       "BackendUnavailableError",
	BackendError:                  "BackendError",
	UnsupportedBackendError:       "UnsupportedBackendError",
	ClientError:                   "ClientError",
	ClientConnectionError:         "ClientConnectionError",
	ClientConnectionFailedError:   "ClientConnectionFailedError",
	ClientConnectionTimeoutError:  "ClientConnectionTimeoutError",
	ClientConnectionClosedError:   "ClientConnectionClosedError",
	InterfaceError:                "InterfaceError",
	QueryArgumentError:            "QueryArgumentError",
	NoDataError:                   "NoDataError",
}

var codesByName map[string]Code

func init() {
	codesByName = make(map[string]Code, len(codeNames))
	for c, n := range codeNames {
		codesByName[n] = c
	}
}

// String returns the class name, or the nearest named ancestor for codes
// this client does not know.
func (c Code) String() string {
	for code := c; code != 0; code = code.parent() {
		if n, ok := codeNames[code]; ok {
			return n
		}
	}
	return fmt.Sprintf("Error(0x%08X)", uint32(c))
}

// parent clears the least significant non-zero byte.
func (c Code) parent() Code {
	for shift := 0; shift < 32; shift += 8 {
		if c&(0xFF<<shift) != 0 {
			return c &^ (0xFF << shift)
		}
	}
	return 0
}

// IsA reports whether c equals parent or is one of its descendants.
func (c Code) IsA(parent Code) bool {
	if parent == 0 {
		return false
	}
	mask := Code(0xFFFFFFFF)
	for shift := 0; shift < 32; shift += 8 {
		if parent&(0xFF<<shift) != 0 {
			break
		}
		mask &^= 0xFF << shift
	}
	return c&mask == parent
}

// CodeByName looks up a class by name.
func CodeByName(name string) (Code, bool) {
	c, ok := codesByName[name]
	return c, ok
}

// Error is an error reported by the server or synthesized by the client.
type Error struct {
	Code    Code
	Message string
	Details string
	Hint    string
	// Line and Column locate the error in the query text; 0 when unknown.
	Line   int
	Column int
	Err    error
}

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Verbose renders the error with its code, details and hint.
func (e *Error) Verbose() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", e.Code, e.Message)
	fmt.Fprintf(&b, "  code: 0x%08X\n", uint32(e.Code))
	if e.Line > 0 {
		fmt.Fprintf(&b, "  position: line %d, column %d\n", e.Line, e.Column)
	}
	if e.Details != "" {
		fmt.Fprintf(&b, "  details: %s\n", e.Details)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "  hint: %s\n", e.Hint)
	}
	return strings.TrimRight(b.String(), "\n")
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, format string, args ...interface{}) *Error {
	e := newError(code, format, args...)
	e.Err = err
	return e
}

// HasCode reports whether err is an *Error in the given class.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code.IsA(code)
}

// IsRetryable reports whether err belongs to a class that may succeed when
// the operation is repeated: transaction conflicts and connection failures.
func IsRetryable(err error) bool {
	return HasCode(err, TransactionConflictError) || HasCode(err, ClientConnectionError)
}

// abortedTxMessage is what the server says to statements sent to a failed
// transaction.
const abortedTxMessage = "current transaction is aborted, commands ignored until end of transaction block"
