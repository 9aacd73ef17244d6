package common

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Error is the base error type for all datapub error kinds. Every error has
// a stable code, an HTTP status and an optional context map that is rendered
// into API responses.
type Error struct {
	Code    string
	Status  int
	Message string
	Context map[string]interface{}
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(parts, ", "))
}

func newError(code string, status int, message string, ctx map[string]interface{}) *Error {
	return &Error{Code: code, Status: status, Message: message, Context: ctx}
}

// NotFound reports a missing node (model, dataset, namespace).
func NotFound(kind, name string) *Error {
	return newError("NotFoundError", http.StatusNotFound,
		fmt.Sprintf("%s %q not found", kind, name),
		map[string]interface{}{"type": kind, "name": name})
}

// ItemDoesNotExist reports a missing row.
func ItemDoesNotExist(model, id string) *Error {
	return newError("ItemDoesNotExist", http.StatusNotFound,
		fmt.Sprintf("resource %q not found in %q", id, model),
		map[string]interface{}{"model": model, "id": id})
}

// MultipleRowsFound reports an internal invariant violation: a query keyed
// by _id matched more than one row.
func MultipleRowsFound(model string, count int) *Error {
	return newError("MultipleRowsFound", http.StatusInternalServerError,
		fmt.Sprintf("multiple rows found in %q where one was expected", model),
		map[string]interface{}{"model": model, "count": count})
}

// UniqueConstraint reports a duplicate value for a unique property.
func UniqueConstraint(prop string) *Error {
	return newError("UniqueConstraint", http.StatusBadRequest,
		fmt.Sprintf("given value for %q already exists", prop),
		map[string]interface{}{"property": prop})
}

// UnavailableSubresource reports a subresource access on a property that
// cannot be fetched on its own.
func UnavailableSubresource(prop, propType string) *Error {
	return newError("UnavailableSubresource", http.StatusBadRequest,
		fmt.Sprintf("subresources not available for property %q of type %q", prop, propType),
		map[string]interface{}{"prop": prop, "prop_type": propType})
}

// FieldNotInResource reports an unknown property name in a query or payload.
func FieldNotInResource(model, prop string) *Error {
	return newError("FieldNotInResource", http.StatusBadRequest,
		fmt.Sprintf("unknown property %q in %q", prop, model),
		map[string]interface{}{"model": model, "property": prop})
}

// UnknownOperator reports an unsupported query operator.
func UnknownOperator(prop, operator string) *Error {
	return newError("UnknownOperator", http.StatusBadRequest,
		fmt.Sprintf("unknown operator %q on property %q", operator, prop),
		map[string]interface{}{"property": prop, "operator": operator})
}

// InvalidValue reports a value that failed to load as the property's type.
func InvalidValue(prop string, value interface{}) *Error {
	return newError("InvalidValue", http.StatusBadRequest,
		fmt.Sprintf("invalid value for property %q", prop),
		map[string]interface{}{"property": prop, "value": value})
}

// ValueNotInEnum reports a source value missing from the property's enum.
func ValueNotInEnum(prop string, value interface{}) *Error {
	return newError("ValueNotInEnum", http.StatusBadRequest,
		fmt.Sprintf("value %v is not in the enum of property %q", value, prop),
		map[string]interface{}{"property": prop, "value": value})
}

// ManagedProperty reports a write to a reserved property.
func ManagedProperty(prop string) *Error {
	return newError("ManagedProperty", http.StatusBadRequest,
		fmt.Sprintf("property %q is managed by the service and cannot be set", prop),
		map[string]interface{}{"property": prop})
}

// ConflictingValue reports an optimistic concurrency failure: the given
// _revision no longer matches the stored row.
func ConflictingValue(prop string, given, expected interface{}) *Error {
	return newError("ConflictingValue", http.StatusConflict,
		fmt.Sprintf("conflicting value for %q", prop),
		map[string]interface{}{"property": prop, "given": given, "expected": expected})
}

// InsufficientScope reports a bearer token missing a required scope.
func InsufficientScope(scope string) *Error {
	return newError("InsufficientScopeError", http.StatusForbidden,
		fmt.Sprintf("missing required scope %q", scope),
		map[string]interface{}{"scope": scope})
}

// InsufficientPermission reports a denied operation.
func InsufficientPermission() *Error {
	return newError("InsufficientPermission", http.StatusForbidden,
		"you do not have permission to perform this operation", nil)
}

// UnknownContentType reports an unsupported request content type.
func UnknownContentType(contentType string) *Error {
	return newError("UnknownContentType", http.StatusUnsupportedMediaType,
		fmt.Sprintf("unknown content type %q", contentType),
		map[string]interface{}{"content_type": contentType})
}

// JSONError reports an unparseable request body.
func JSONError(detail string) *Error {
	return newError("JSONError", http.StatusBadRequest,
		fmt.Sprintf("invalid JSON: %s", detail),
		map[string]interface{}{"detail": detail})
}

// ClientAlreadyExists reports a duplicate auth client id.
func ClientAlreadyExists(clientID string) *Error {
	return newError("ClientAlreadyExists", http.StatusBadRequest,
		fmt.Sprintf("client %q already exists", clientID),
		map[string]interface{}{"client_id": clientID})
}

// UnknownParameter reports an unknown manifest or request parameter.
func UnknownParameter(param string) *Error {
	return newError("UnknownParameter", http.StatusBadRequest,
		fmt.Sprintf("unknown parameter %q", param),
		map[string]interface{}{"param": param})
}

// NotImplementedFeature reports a declared but unimplemented feature.
func NotImplementedFeature(feature string) *Error {
	return newError("NotImplementedFeature", http.StatusNotImplemented,
		fmt.Sprintf("%s is not implemented", feature),
		map[string]interface{}{"feature": feature})
}

// NoAuthServer reports that token issuance is disabled.
func NoAuthServer() *Error {
	return newError("NoAuthServer", http.StatusServiceUnavailable,
		"authorization server is disabled", nil)
}

// MultipleErrors aggregates several validation errors. All aggregated errors
// must share a single status code; mixing status codes is a programming
// error and panics early.
type MultipleErrors struct {
	Errors []*Error
}

func NewMultipleErrors(errs ...*Error) *MultipleErrors {
	if len(errs) == 0 {
		panic("common: MultipleErrors requires at least one error")
	}
	status := errs[0].Status
	for _, e := range errs[1:] {
		if e.Status != status {
			panic(fmt.Sprintf("common: MultipleErrors with mixed status codes %d and %d", status, e.Status))
		}
	}
	return &MultipleErrors{Errors: errs}
}

func (m *MultipleErrors) Error() string {
	parts := make([]string, len(m.Errors))
	for i, e := range m.Errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Status returns the shared status code of the aggregated errors.
func (m *MultipleErrors) Status() int {
	return m.Errors[0].Status
}
