// Package httputil provides HTTP helpers shared by the plugd API: JSON
// responses and error bodies, request parsing and the middleware chain.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, record)
//	httputil.WriteAccepted(w, attempt)
//	httputil.WriteBadRequest(w, "limit must be between 1 and 100")
//	httputil.WriteDetailedError(w, http.StatusBadRequest, err, "manifest_invalid", fieldErrors)
//
// # Request Parsing
//
//	var req InstallRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	limit, err := httputil.ParseQueryIntInRange(r, "limit", 50, 1, 100)
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
