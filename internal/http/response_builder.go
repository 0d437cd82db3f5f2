// Package http provides HTTP server and handler implementations.
//
// This file implements a fluent builder for JSON responses and the mapping of
// ledger errors to status codes.

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"conto/internal/core"
	"conto/internal/log"
	"conto/internal/storage"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	body       any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(key, value string) *JSONResponseBuilder {
	b.headers[key] = value
	return b
}

func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the response. A nil body writes only the status.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for k, v := range b.headers {
		w.Header().Set(k, v)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	data, err := json.Marshal(b.body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"encoding response failed"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(data)
}

type errorBody struct {
	Error   string        `json:"error"`
	Details []fieldDetail `json:"details,omitempty"`
}

type fieldDetail struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func errorResponse(status int, msg string) *JSONResponseBuilder {
	return NewJSONResponse().Status(status).Body(errorBody{Error: msg})
}

func BadRequestError(msg string) *JSONResponseBuilder {
	return errorResponse(http.StatusBadRequest, msg)
}

func UnauthorizedError(msg string) *JSONResponseBuilder {
	return errorResponse(http.StatusUnauthorized, msg)
}

func NotFoundError(msg string) *JSONResponseBuilder {
	return errorResponse(http.StatusNotFound, msg)
}

func MethodNotAllowedError() *JSONResponseBuilder {
	return errorResponse(http.StatusMethodNotAllowed, "method not allowed")
}

func InternalError() *JSONResponseBuilder {
	return errorResponse(http.StatusInternalServerError, "internal error")
}

// LedgerError maps an error returned by the ledger to its response.
func LedgerError(err error) *JSONResponseBuilder {
	var reqErr *requestError
	switch {
	case errors.Is(err, errMissingActor):
		return UnauthorizedError(err.Error())
	case errors.As(err, &reqErr):
		return BadRequestError(reqErr.msg)
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrClearingCycle):
		return NewJSONResponse().
			Status(http.StatusUnprocessableEntity).
			Body(errorBody{Error: "validation failed", Details: validationDetails(err)})
	case errors.Is(err, core.ErrConflict),
		errors.Is(err, core.ErrVersionConflict),
		errors.Is(err, core.ErrNotEditable),
		errors.Is(err, storage.ErrStale),
		errors.Is(err, storage.ErrDuplicate):
		return errorResponse(http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrForbidden):
		return errorResponse(http.StatusForbidden, err.Error())
	case errors.Is(err, core.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return NotFoundError(err.Error())
	default:
		return InternalError()
	}
}

// validationDetails flattens validation errors into one detail per failure.
func validationDetails(err error) []fieldDetail {
	var errs core.ValidationErrors
	if !errors.As(err, &errs) {
		return []fieldDetail{detailOf(err)}
	}
	out := make([]fieldDetail, 0, len(errs))
	for _, e := range errs {
		out = append(out, detailOf(e))
	}
	return out
}

func detailOf(err error) fieldDetail {
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		return fieldDetail{Field: ve.Field, Message: ve.Message}
	}
	var ua *core.UnknownAccountError
	if errors.As(err, &ua) {
		return fieldDetail{Field: ua.Field, Message: err.Error()}
	}
	var nw *core.NegativeWeightError
	if errors.As(err, &nw) {
		return fieldDetail{Field: nw.Field, Message: err.Error()}
	}
	return fieldDetail{Message: err.Error()}
}

// writeLedgerError logs unexpected failures and denied access, then writes the
// mapped response.
func writeLedgerError(ctx context.Context, w http.ResponseWriter, err error, operation string) {
	resp := LedgerError(err)
	fields := log.NewFields().WithErrorType(errorType(err))
	switch {
	case resp.statusCode >= http.StatusInternalServerError:
		log.NewStructuredLogger(log.FromContext(ctx)).LogError(ctx, "Ledger operation failed", err, operation, fields)
	case resp.statusCode == http.StatusForbidden:
		log.FromContext(ctx).WithComponent(log.ComponentSecurity).
			WarnContext(ctx, "Ledger operation denied", fields.WithError(err).WithOperation(operation).ToSlice()...)
	}
	resp.Write(w)
}

// errorType classifies err the same way LedgerError picks a status.
func errorType(err error) string {
	switch {
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrClearingCycle):
		return log.ErrorTypeValidation
	case errors.Is(err, core.ErrConflict),
		errors.Is(err, core.ErrVersionConflict),
		errors.Is(err, core.ErrNotEditable),
		errors.Is(err, storage.ErrStale),
		errors.Is(err, storage.ErrDuplicate):
		return log.ErrorTypeConflict
	case errors.Is(err, core.ErrForbidden):
		return log.ErrorTypeForbidden
	case errors.Is(err, core.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return log.ErrorTypeNotFound
	default:
		return log.ErrorTypeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	NewJSONResponse().Status(status).Body(v).Write(w)
}
