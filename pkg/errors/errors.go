package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	CodeSourceUnavailable    Code = "SOURCE_UNAVAILABLE"
	CodeMalformedSource      Code = "MALFORMED_SOURCE_DATA"
	CodePersistence          Code = "PERSISTENCE_ERROR"
	CodeTransientPersistence Code = "TRANSIENT_PERSISTENCE_ERROR"
	CodeConfig               Code = "CONFIG_ERROR"
	CodeBootstrap            Code = "BOOTSTRAP_ERROR"
	CodeInternal             Code = "INTERNAL_ERROR"
	CodeDependency           Code = "DEPENDENCY_ERROR"
)

// Metadata describes how callers react to an error code. Retryable means a
// later run can be expected to succeed without operator action.
type Metadata struct {
	Retryable     bool
	ExitCode      int
	PublicMessage string
}

var metadataByCode = map[Code]Metadata{
	CodeSourceUnavailable: {
		Retryable:     true,
		ExitCode:      1,
		PublicMessage: "catalog source unavailable",
	},
	CodeMalformedSource: {
		Retryable:     false,
		ExitCode:      1,
		PublicMessage: "malformed source data",
	},
	CodePersistence: {
		Retryable:     false,
		ExitCode:      1,
		PublicMessage: "persistence failed",
	},
	CodeTransientPersistence: {
		Retryable:     true,
		ExitCode:      1,
		PublicMessage: "transient persistence failure",
	},
	CodeConfig: {
		Retryable:     false,
		ExitCode:      2,
		PublicMessage: "invalid configuration",
	},
	CodeBootstrap: {
		Retryable:     true,
		ExitCode:      2,
		PublicMessage: "bootstrap failed",
	},
	CodeInternal: {
		Retryable:     false,
		ExitCode:      1,
		PublicMessage: "internal error",
	},
	CodeDependency: {
		Retryable:     true,
		ExitCode:      1,
		PublicMessage: "dependency unavailable",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of the outermost typed error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// IsCode reports whether any typed error in the chain carries the given code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var typed *Error
		if !stdErrors.As(err, &typed) {
			return false
		}
		if typed.code == code {
			return true
		}
		err = typed.cause
	}
	return false
}

// IsRetryable reports whether the outermost typed error is marked retryable.
// Untyped errors are not.
func IsRetryable(err error) bool {
	typed := As(err)
	if typed == nil {
		return false
	}
	return MetadataFor(typed.Code()).Retryable
}

// PublicMessage returns the stable, non-sensitive description of err's code.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	return MetadataFor(CodeOf(err)).PublicMessage
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return MetadataFor(CodeOf(err)).ExitCode
}
