/*
Package api serves the plugd operator REST API under /api/v1.

Installs are accepted asynchronously and tracked through
/installations/{id}; updates, uninstalls and the enable, disable and
config operations complete within the request. Lifecycle errors map onto
HTTP statuses in writeError, with manifest validation errors and blocking
scan findings returned in the error details.

Every request passes through request ID, logging, panic recovery and
body size middleware, is traced with otelhttp and, when an audit logger
is configured, recorded as an audit event.
*/
package api
