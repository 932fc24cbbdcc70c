package orchestrator

import (
	"fmt"

	"github.com/veridium/scanmeet/internal/diag"
)

// SessionError is every error surfaced from a session. It carries enough for
// a consumer to render actionable guidance without knowing session internals:
// a stable context tag, the diagnostics snapshot at failure time, and a
// remediation list keyed by that context.
type SessionError struct {
	Context     string
	Message     string
	Recoverable bool
	Role        string
	Diagnostics diag.Snapshot
	Suggestions []string
	Err         error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Context, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Context, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Err }
