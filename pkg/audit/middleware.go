package audit

import (
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/plugd/pkg/httputil"
)

// Selector decides whether an operator request is recorded
type Selector func(r *http.Request, status int) bool

// AllRequests records every request
func AllRequests(*http.Request, int) bool { return true }

// Significant records mutations, failed requests and reads of audit data
func Significant(r *http.Request, status int) bool {
	switch {
	case r.Method != http.MethodGet && r.Method != http.MethodHead:
		return true
	case status >= http.StatusBadRequest:
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/v1/audit") || strings.HasSuffix(r.URL.Path, "/access-log")
}

// Middleware puts logger in the request context and records the requests
// selected by sel, Significant when nil. Audit failures never fail the request.
func Middleware(logger Logger, sel Selector) func(http.Handler) http.Handler {
	if sel == nil {
		sel = Significant
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := WithLogger(r.Context(), logger)
			rec := httputil.NewStatusRecorder(w)

			next.ServeHTTP(rec, r.WithContext(ctx))

			if sel(r, rec.Status) {
				_ = logger.LogHTTPRequest(ctx, r, rec.Status, time.Since(start), nil)
			}
		})
	}
}
