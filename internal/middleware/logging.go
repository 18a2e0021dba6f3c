// Package middleware wraps outbound HTTP calls made by product sources.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

type loggingTransport struct {
	next   http.RoundTripper
	logger *slog.Logger
}

// LoggingTransport logs method, host, path, status and duration of every
// request sent through next. Query strings are left out because they carry
// credentials.
func LoggingTransport(next http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &loggingTransport{next: next, logger: logger}
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(r)
	duration := time.Since(start)

	if err != nil {
		t.logger.Warn("http request failed",
			"method", r.Method,
			"host", r.URL.Host,
			"path", r.URL.Path,
			"duration", duration,
			"error", err,
		)
		return resp, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= http.StatusBadRequest {
		level = slog.LevelWarn
	}
	t.logger.Log(r.Context(), level, "http request",
		"method", r.Method,
		"host", r.URL.Host,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"duration", duration,
	)
	return resp, nil
}
