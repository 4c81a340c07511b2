// Package errors provides error kinds and RFC 7807 Problem Details rendering
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// Class groups error kinds by how the caller is expected to react.
type Class string

const (
	ClassValidation    Class = "validation"
	ClassAuthorization Class = "authorization"
	ClassState         Class = "state"
	ClassEconomic      Class = "economic"
	ClassConfiguration Class = "configuration"
	ClassInternal      Class = "internal"
)

// HTTPStatus maps an error class to the status code used by the REST layer.
func (c Class) HTTPStatus() int {
	switch c {
	case ClassValidation:
		return http.StatusBadRequest
	case ClassAuthorization:
		return http.StatusForbidden
	case ClassState:
		return http.StatusConflict
	case ClassEconomic:
		return http.StatusUnprocessableEntity
	case ClassConfiguration:
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

// FieldError represents a validation error for a specific field
type FieldError struct {
	Kind    string `json:"kind" validate:"required"`
	Field   string `json:"field" validate:"required"`
	Message string `json:"message,omitempty" validate:"required"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message)
}

func NewFieldError(kind, field, reason string) FieldError {
	return FieldError{Kind: kind, Field: field, Message: reason}
}

var (
	NotFound = Define(ClassState, "NotFound")
	Conflict = Define(ClassState, "Conflict")
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the stable identifier of the error
	Kind string `json:"kind"`
	// Class is the taxonomy bucket of the kind
	Class Class `json:"class"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

// Define declares a new error kind. Kinds are compared by name in Is.
func Define(class Class, kind string) *Error {
	return &Error{Kind: kind, Class: class}
}

// Error implements error
func (e *Error) Error() string {
	str := e.Kind
	if e.Message != "" {
		str += ": " + e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the cause set
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithField returns a copy of error with the field appended.
func (e *Error) WithField(kind, field, message string) *Error {
	newError := *e
	newError.Fields = append(append([]FieldError(nil), e.Fields...), NewFieldError(kind, field, message))
	return &newError
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// KindOf returns the kind of the first *Error in the chain, or empty string.
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return ""
}

// ClassOf returns the class of the first *Error in the chain.
func ClassOf(err error) Class {
	var e *Error
	if As(err, &e) {
		return e.Class
	}
	return ClassInternal
}

const problemBase = "https://api.cashspend.io/problems/"

// ValidationError represents a validation error for RFC 7807
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Errors   []ValidationError      `json:"errors,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}

	for k, v := range p.Extra {
		result[k] = v
	}

	return json.Marshal(result)
}

// NewInternalError creates an internal server error problem
func NewInternalError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemBase + "internal-error",
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	}
}

// Problem converts any error into problem details. Kinds defined with Define
// keep their identifier in the type URI and in the "kind" extension member.
func Problem(err error, instance string) *ProblemDetails {
	var e *Error
	if !As(err, &e) || e.Class == ClassInternal {
		return NewInternalError(err.Error(), instance)
	}
	p := &ProblemDetails{
		Type:     problemBase + e.Kind,
		Title:    e.Kind,
		Status:   e.Class.HTTPStatus(),
		Detail:   err.Error(),
		Instance: instance,
	}
	for _, f := range e.Fields {
		p.Errors = append(p.Errors, ValidationError{Field: f.Field, Message: f.Message, Code: f.Kind})
	}
	return p.WithExtra("kind", e.Kind).WithExtra("class", string(e.Class))
}
