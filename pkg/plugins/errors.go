package plugins

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrManifestInvalid is returned when a manifest fails validation
	ErrManifestInvalid = errors.New("manifest invalid")
	// ErrSecurityViolationBlocking is returned when the scanner reports a blocking finding
	ErrSecurityViolationBlocking = errors.New("blocking security violation")
	// ErrPermissionDenied is returned when a capability is not granted
	ErrPermissionDenied = errors.New("permission denied")
	// ErrFetchFailed is returned when the source snapshot cannot be retrieved
	ErrFetchFailed = errors.New("fetch failed")
	// ErrInstallConflict is returned when another operation holds the plugin lock
	ErrInstallConflict = errors.New("install conflict")
	// ErrDependencyUnresolved is returned when a declared dependency is not satisfied
	ErrDependencyUnresolved = errors.New("dependency unresolved")

	ErrNotFound          = errors.New("plugin not found")
	ErrAlreadyInstalled  = errors.New("plugin already installed")
	ErrUpToDate          = errors.New("plugin already up to date")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusConflict    = errors.New("status changed concurrently")
)

// ManifestError carries the full list of field errors for a rejected manifest
type ManifestError struct {
	Errors []ValidationError
}

func (e *ManifestError) Error() string {
	var fields []string
	for _, ve := range e.Errors {
		if ve.IsError() {
			fields = append(fields, ve.Field+": "+ve.Message)
		}
	}
	return fmt.Sprintf("%s: %s", ErrManifestInvalid, strings.Join(fields, "; "))
}

func (e *ManifestError) Unwrap() error {
	return ErrManifestInvalid
}

// BlockingError carries the scan findings that prevented installation
type BlockingError struct {
	Findings []Finding
}

func (e *BlockingError) Error() string {
	blocking := 0
	for _, f := range e.Findings {
		if f.Blocking() {
			blocking++
		}
	}
	return fmt.Sprintf("%s: %d blocking finding(s)", ErrSecurityViolationBlocking, blocking)
}

func (e *BlockingError) Unwrap() error {
	return ErrSecurityViolationBlocking
}

// TransitionError describes an edge that is not in the state table
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
