// Package handlers provides HTTP request handlers for the camwatch API.
// This file contains the interfaces the handlers depend on and the shared
// request and response helpers.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/camwatch/internal/api/middleware"
	"github.com/anstrom/camwatch/internal/db"
	"github.com/anstrom/camwatch/internal/detection"
	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/scanning"
	"github.com/anstrom/camwatch/internal/watcher"
)

const maxRequestSize = 1 << 20

// Pipeline is the part of the watcher the handlers drive.
type Pipeline interface {
	Scan(target string) (scanning.ScanRequest, error)
	EnqueueGeolocation(address string) error
	LoadRuleSet(rules []detection.Rule)
	Rules() *detection.RuleSet
	Stats() watcher.Stats
	Streams() []watcher.StreamInfo
}

// ResultStore reads persisted results.
type ResultStore interface {
	ListScanResults(ctx context.Context, f db.ResultFilter) ([]db.ScanResult, error)
	GetGeolocation(ctx context.Context, address string) (*db.Geolocation, error)
}

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	PingContext(ctx context.Context) error
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Default().Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		response.Code = string(code)
	}
	writeJSON(w, r, statusCode, response)
}

// NotFound answers requests that match no route.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
}

// MethodNotAllowed answers requests whose path is routed for other methods.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
}

// writeAppError maps the error code to an HTTP status.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusFor(err), err)
}

func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeQueueFull:
		return http.StatusTooManyRequests
	case errors.CodePoolClosed, errors.CodeConfiguration, errors.CodeDatabaseConnection:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// parseJSON decodes and validates the request body.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New(errors.CodeValidation, "request body is empty")
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.New(errors.CodeValidation, "request body too large")
		}
		return errors.Wrap(errors.CodeValidation, "invalid JSON", err)
	}

	if err := validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.New(errors.CodeValidation,
				fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag()))
		}
		return errors.Wrap(errors.CodeValidation, "invalid request", err)
	}
	return nil
}

// getQueryParamInt extracts integer query parameter with default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := r.URL.Query().Get(key); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, errors.New(errors.CodeValidation, "invalid "+key+" parameter")
		}
		return n, nil
	}
	return defaultValue, nil
}

// getQueryParamBool extracts a boolean query parameter with default value.
func getQueryParamBool(r *http.Request, key string, defaultValue bool) (bool, error) {
	if value := r.URL.Query().Get(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, errors.New(errors.CodeValidation, "invalid "+key+" parameter")
		}
		return b, nil
	}
	return defaultValue, nil
}
