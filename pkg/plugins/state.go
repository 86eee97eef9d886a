package plugins

import "context"

// Status is the lifecycle state of a plugin record
type Status string

const (
	StatusPending      Status = "pending"
	StatusInstalling   Status = "installing"
	StatusInstalled    Status = "installed"
	StatusFailed       Status = "failed"
	StatusUpdating     Status = "updating"
	StatusUninstalling Status = "uninstalling"
	StatusDisabled     Status = "disabled"
)

// transitions is the complete lifecycle state table. Any edge not listed is rejected.
var transitions = map[Status][]Status{
	StatusPending:      {StatusInstalling},
	StatusInstalling:   {StatusInstalled, StatusFailed},
	StatusInstalled:    {StatusUpdating, StatusUninstalling, StatusDisabled},
	StatusUpdating:     {StatusInstalled, StatusFailed},
	StatusFailed:       {StatusInstalling, StatusUninstalling},
	StatusDisabled:     {StatusUninstalling, StatusInstalled},
	StatusUninstalling: nil,
}

// ParseStatus parses a status name
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	_, ok := transitions[st]
	return st, ok
}

// CanTransition reports whether from -> to is an edge of the state table
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *TransitionError for edges outside the state table
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Terminal reports whether no transition leaves the status
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Active reports whether the plugin may receive calls
func (s Status) Active() bool {
	return s == StatusInstalled
}

// Busy reports whether a lifecycle operation is in flight for the status
func (s Status) Busy() bool {
	switch s {
	case StatusInstalling, StatusUpdating, StatusUninstalling:
		return true
	}
	return false
}

// StatusListener is notified after a status change has been committed to the registry.
// rec reflects the record after the change; it is nil when the record was deleted.
type StatusListener interface {
	StatusChanged(ctx context.Context, pluginID string, rec *Record, from, to Status)
}
