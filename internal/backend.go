package internal

import (
	"context"

	"github.com/dcrodman/tttworld/internal/core/connection"
)

// Backend is an interface for the server logic that sits behind the frontend
// and handles everything a connection does after it has been accepted.
type Backend interface {
	// Name returns a uniquely identifying string.
	Identifier() string

	// Init is called before a Backend is started as a hook for the Backend to
	// perform any necessary initialization before it can accept clients.
	Init(ctx context.Context) error

	// SetUpClient registers the handlers a new Connection needs to begin its
	// session. No packets are dispatched for the Connection until it returns.
	SetUpClient(c *connection.Connection)

	// Tick is called once per scheduler period for any time based
	// housekeeping (challenge expiry, abandoned games).
	Tick()

	// Shutdown disconnects every client with the given reason.
	Shutdown(reason string)
}
