// Package gateway defines the interface for long-running entry points such
// as the HTTP API.
package gateway

import "context"

// Gateway is a long-running entry point.
type Gateway interface {
	// Start runs the gateway and blocks until it exits or ctx is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown within the deadline carried by ctx.
	// Pending flows are not cancelled; callers waiting on them get their
	// request context's error.
	Stop(ctx context.Context) error
}
