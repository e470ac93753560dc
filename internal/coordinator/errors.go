package coordinator

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrValidation = errors.New("coordinator: validation failed")
	ErrTransport  = errors.New("coordinator: transport emit failed")
)

// ValidationError rejects a send_message payload. Nothing was broadcast and
// room membership was not touched.
type ValidationError struct {
	SessionID string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("coordinator: invalid message from session %s: %v", e.SessionID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransportError reports recipients the emitter could not reach. The room's
// in-memory state is already updated and stays as is.
type TransportError struct {
	Event    string   // outbound event type being broadcast
	Sessions []string // recipients whose emit failed
	Err      error    // errors.Join of the per-recipient failures
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("coordinator: broadcast %s failed for %d session(s) [%s]: %v",
		e.Event, len(e.Sessions), strings.Join(e.Sessions, ","), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
