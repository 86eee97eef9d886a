package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/monitor"
	"github.com/platinummonkey/plugd/pkg/plugins"
)

// Error codes returned in ErrorResponse.Code
const (
	CodeManifestInvalid   = "manifest_invalid"
	CodeBlockingViolation = "security_violation_blocking"
	CodeDependency        = "dependency_unresolved"
	CodeConflict          = "conflict"
	CodeInvalidTransition = "invalid_transition"
	CodeAlreadyInstalled  = "already_installed"
	CodeUpToDate          = "up_to_date"
	CodeNotFound          = "not_found"
	CodeFetchFailed       = "fetch_failed"
	CodePermissionDenied  = "permission_denied"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal"
)

// writeError maps lifecycle and registry errors onto HTTP statuses. Typed
// errors carry their full report in details.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		manifestErr   *plugins.ManifestError
		blockingErr   *plugins.BlockingError
		transitionErr *plugins.TransitionError
	)

	switch {
	case errors.As(err, &manifestErr):
		httputil.WriteDetailedError(w, http.StatusBadRequest, err, CodeManifestInvalid, manifestErr.Errors)
	case errors.Is(err, plugins.ErrManifestInvalid):
		httputil.WriteDetailedError(w, http.StatusBadRequest, err, CodeManifestInvalid, nil)
	case errors.As(err, &blockingErr):
		httputil.WriteDetailedError(w, http.StatusUnprocessableEntity, err, CodeBlockingViolation, blockingErr.Findings)
	case errors.Is(err, plugins.ErrSecurityViolationBlocking):
		httputil.WriteDetailedError(w, http.StatusUnprocessableEntity, err, CodeBlockingViolation, nil)
	case errors.Is(err, plugins.ErrDependencyUnresolved):
		httputil.WriteDetailedError(w, http.StatusUnprocessableEntity, err, CodeDependency, nil)
	case errors.Is(err, plugins.ErrNotFound):
		httputil.WriteDetailedError(w, http.StatusNotFound, err, CodeNotFound, nil)
	case errors.As(err, &transitionErr):
		httputil.WriteDetailedError(w, http.StatusConflict, err, CodeInvalidTransition, map[string]plugins.Status{
			"from": transitionErr.From,
			"to":   transitionErr.To,
		})
	case errors.Is(err, plugins.ErrInvalidTransition):
		httputil.WriteDetailedError(w, http.StatusConflict, err, CodeInvalidTransition, nil)
	case errors.Is(err, plugins.ErrAlreadyInstalled):
		httputil.WriteDetailedError(w, http.StatusConflict, err, CodeAlreadyInstalled, nil)
	case errors.Is(err, plugins.ErrUpToDate):
		httputil.WriteDetailedError(w, http.StatusConflict, err, CodeUpToDate, nil)
	case errors.Is(err, plugins.ErrInstallConflict), errors.Is(err, plugins.ErrStatusConflict):
		httputil.WriteDetailedError(w, http.StatusConflict, err, CodeConflict, nil)
	case errors.Is(err, plugins.ErrFetchFailed):
		httputil.WriteDetailedError(w, http.StatusBadGateway, err, CodeFetchFailed, nil)
	case errors.Is(err, plugins.ErrPermissionDenied):
		httputil.WriteDetailedError(w, http.StatusForbidden, err, CodePermissionDenied, nil)
	case errors.Is(err, monitor.ErrRateLimited):
		httputil.WriteDetailedError(w, http.StatusTooManyRequests, err, CodeRateLimited, nil)
	default:
		s.logger.WithField("request_id", httputil.RequestID(r.Context())).Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
		httputil.WriteDetailedError(w, http.StatusInternalServerError, err, CodeInternal, nil)
	}
}
