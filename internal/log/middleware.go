// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"log/slog"
	"net/http"
	"time"
)

// RequestInfo captures what the HTTP middleware logs about a request.
type RequestInfo struct {
	// Method is the HTTP method.
	Method string

	// Path is the request path.
	Path string

	// RemoteAddr is the remote address of the client.
	RemoteAddr string

	// TraceID is the distributed trace id associated with the request,
	// if one was accepted.
	TraceID string
}

// ResponseInfo captures what the HTTP middleware logs about a response.
type ResponseInfo struct {
	// Status is the HTTP status code written.
	Status int

	// DurationMs is the duration of the request in milliseconds.
	DurationMs int64
}

// LogRequest logs an incoming HTTP request.
func LogRequest(logger *slog.Logger, req *RequestInfo) {
	attrs := []any{
		"event", "http_request",
		"method", req.Method,
		"path", req.Path,
		"remote", req.RemoteAddr,
	}

	if req.TraceID != "" {
		attrs = append(attrs, TraceIDKey, req.TraceID)
	}

	logger.Debug("http request received", attrs...)
}

// LogResponse logs a completed HTTP request.
func LogResponse(logger *slog.Logger, req *RequestInfo, resp *ResponseInfo) {
	attrs := []any{
		"event", "http_response",
		"method", req.Method,
		"path", req.Path,
		"status", resp.Status,
		"duration_ms", resp.DurationMs,
		"remote", req.RemoteAddr,
	}

	if req.TraceID != "" {
		attrs = append(attrs, TraceIDKey, req.TraceID)
	}

	level := slog.LevelInfo
	message := "http request completed"

	if resp.Status >= http.StatusInternalServerError {
		level = slog.LevelError
		message = "http request failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware wraps an http.Handler with request/response logging.
type HTTPMiddleware struct {
	logger *slog.Logger

	// TraceIDFunc extracts the trace id to log for a request, if any.
	TraceIDFunc func(*http.Request) string
}

// NewHTTPMiddleware creates a new HTTP logging middleware.
func NewHTTPMiddleware(logger *slog.Logger) *HTTPMiddleware {
	return &HTTPMiddleware{
		logger: logger,
	}
}

// Wrap returns a handler that logs each request before and after the
// wrapped handler runs. A handler that writes no status is logged as 200.
func (m *HTTPMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		info := &RequestInfo{
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
		}
		if m.TraceIDFunc != nil {
			info.TraceID = m.TraceIDFunc(r)
		}

		LogRequest(m.logger, info)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		LogResponse(m.logger, info, &ResponseInfo{
			Status:     rec.status,
			DurationMs: time.Since(start).Milliseconds(),
		})
	})
}
