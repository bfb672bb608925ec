package mid

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tokenized/logger"
)

const (
	// HeaderXRequestID is the x-request-id HTTP header
	HeaderXRequestID = "X-Request-Id"

	// HeaderXTrace is the x-trace HTTP header
	HeaderXTrace = "X-Trace"

	// HeaderXForwardedFor is a constant for the x-forwarded-for header
	HeaderXForwardedFor = "X-Forwarded-For"
)

// RequestLoggingMiddleware is our common HTTP request logging middleware.
type RequestLoggingMiddleware struct {
	LogConfig logger.Config
}

// NewRequestLoggingMiddleware returns a new request logging middleware.
func NewRequestLoggingMiddleware(logConfig logger.Config) RequestLoggingMiddleware {
	return RequestLoggingMiddleware{
		LogConfig: logConfig,
	}
}

// Handler processes a http.Request, via a http.Handler.
//
// This function is used to create a chain of middleware that executes before,
// or after, the http.Request is processed.
func (m *RequestLoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := logger.ContextWithLogConfig(r.Context(), m.LogConfig)

		// Every log line for this request carries the same trace id.
		traceID := buildTraceID(r.Header)
		ctx = logger.ContextWithLogTrace(ctx, traceID)

		r = r.WithContext(ctx)

		// Use a writer that allows us to access the status code.
		lrw := newLoggingResponseWriter(w)

		next.ServeHTTP(lrw, r)

		logHTTPRequest(start, r, lrw)
	})
}

// logHTTPRequest is used for logging a HTTP request/response.
func logHTTPRequest(start time.Time, r *http.Request, lrw *loggingResponseWriter) {
	ctx := r.Context()

	elapsed := float64(time.Since(start).Nanoseconds()) / 1e6

	fields := []logger.Field{
		logger.Formatter("elapsed", "%06f", elapsed), // fixed width
		logger.Int("status", lrw.statusCode),
		logger.String("method", r.Method),
		logger.String("path", r.URL.Path),
		logger.String("type", "http"),
		logger.String("remote", getRemoteAddress(ctx, r)),
	}

	if len(r.URL.RawQuery) > 0 {
		fields = append(fields, logger.String("params", r.URL.RawQuery))
	}

	logger.InfoWithFields(ctx, fields, "")
}

// loggingResponseWriter captures the HTTP status code so we can access it in
// middleware.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	// default to 404 so if no routes are matched, we have a sane status code
	return &loggingResponseWriter{w, http.StatusNotFound}
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code

	lrw.ResponseWriter.WriteHeader(code)
}

// getRemoteAddress returns the remote address for the HTTP Request. The
// left-most address in X-Forwarded-For is the client, with each hop appending
// its own.
func getRemoteAddress(ctx context.Context, r *http.Request) string {
	addr := r.Header.Get(HeaderXForwardedFor)

	if len(addr) > 0 {
		return strings.Split(strings.Replace(addr, " ", "", -1), ",")[0]
	}

	return r.RemoteAddr
}

// buildTraceID returns a trace ID from a header if provided, otherwise a new
// ID is returned.
func buildTraceID(h http.Header) string {
	t := h.Get(HeaderXTrace)
	if len(t) > 0 {
		return t
	}

	v := h.Get(HeaderXRequestID)
	if len(v) > 0 {
		return v
	}

	return uuid.New().String()
}
