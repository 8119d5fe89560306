package mcp

import (
	"errors"
	"fmt"
)

// Failure classes surfaced by the client. The worker treats all of them as
// "this call failed" at job granularity; the distinction matters only for
// logging and tests.
var (
	// ErrConnection covers an absent or dead subprocess and handshake
	// timeouts. Callers normally never see it: Call respawns
	// transparently and only reports it when respawn itself fails.
	ErrConnection = errors.New("mcp: connection failed")

	// ErrCallTimeout means no matching response arrived within the call
	// timeout. The subprocess may still answer later; that late answer
	// finds no registered waiter and is dropped.
	ErrCallTimeout = errors.New("mcp: call timed out")
)

// RemoteError is a structured error returned by the backend, either as a
// JSON-RPC error object or an isError-flagged content envelope. The
// diagnostic text is preserved for the caller.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mcp: remote error: %s", e.Message)
}

// IsRemoteError reports whether err is a backend-reported error and returns
// its diagnostic text.
func IsRemoteError(err error) (string, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Message, true
	}
	return "", false
}
