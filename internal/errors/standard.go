// Package errors provides standardized error values for the pause engine.
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryMemory       ErrorCategory = "MEMORY"
	CategoryBounds       ErrorCategory = "BOUNDS"
	CategoryValidation   ErrorCategory = "VALIDATION"
	CategoryPrecondition ErrorCategory = "PRECONDITION"
	CategoryPause        ErrorCategory = "PAUSE"
	CategoryConfig       ErrorCategory = "CONFIG"
	CategorySystem       ErrorCategory = "SYSTEM"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Is matches on category and code so callers can use errors.Is with a
// template value such as &StandardError{Category: CategoryPause, Code: "TO_SPACE_EXHAUSTED"}.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Category == e.Category && (t.Code == "" || t.Code == e.Code)
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return newStandardError(2, category, code, message, context)
}

func newStandardError(skip int, category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(skip)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Common error constructors
func IndexOutOfBounds(what string, index, length uint64) *StandardError {
	return newStandardError(2, CategoryBounds, "INDEX_OUT_OF_BOUNDS",
		fmt.Sprintf("%s index %d out of bounds for length %d", what, index, length),
		map[string]interface{}{"what": what, "index": index, "length": length})
}

func InvalidSize(size uint64, context string) *StandardError {
	return newStandardError(2, CategoryValidation, "INVALID_SIZE",
		fmt.Sprintf("Invalid size %d in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

func InvalidConfig(field string, value interface{}, reason string) *StandardError {
	return newStandardError(2, CategoryConfig, "INVALID_CONFIG",
		fmt.Sprintf("Invalid value %v for %s: %s", value, field, reason),
		map[string]interface{}{"field": field, "value": value})
}

func ToSpaceExhausted(details string) *StandardError {
	return newStandardError(2, CategoryPause, "TO_SPACE_EXHAUSTED",
		fmt.Sprintf("To-space exhausted: %s", details),
		map[string]interface{}{"details": details})
}

func OutOfMemory(details string) *StandardError {
	return newStandardError(2, CategoryMemory, "OUT_OF_MEMORY",
		fmt.Sprintf("Out of memory: %s", details),
		map[string]interface{}{"details": details})
}

// Fatal panics with a precondition error. The engine assumes a correct
// caller; violations are not recoverable.
func Fatal(code, format string, args ...interface{}) {
	panic(newStandardError(2, CategoryPrecondition, code, fmt.Sprintf(format, args...), nil))
}

// Assert panics with a precondition error when cond is false.
func Assert(cond bool, code, format string, args ...interface{}) {
	if !cond {
		panic(newStandardError(2, CategoryPrecondition, code, fmt.Sprintf(format, args...), nil))
	}
}

// CheckIndex panics with a bounds error when index >= length.
func CheckIndex(what string, index, length uint64) {
	if index >= length {
		panic(IndexOutOfBounds(what, index, length))
	}
}
