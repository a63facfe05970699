package fauxnet

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrAlreadyRunning indicates Start was called while the orchestrator
	// is not in the Stopped or Failed state. Concurrent restarts are
	// rejected rather than queued.
	ErrAlreadyRunning = errors.New("services already running")

	// ErrArtifactTooLarge indicates a payload exceeded the per-file cap.
	// The protocol transaction still succeeds; the payload is discarded.
	ErrArtifactTooLarge = errors.New("artifact exceeds per-file size cap")

	// ErrStorageBudget indicates the cumulative storage budget for an
	// artifact class has no headroom. Nothing is partially written.
	ErrStorageBudget = errors.New("artifact storage budget exhausted")

	// ErrIPTablesUnavailable indicates the iptables tooling is missing or
	// not runnable (typically missing privilege). Reported as a startup
	// failure, never silently ignored: a failed redirect means malware
	// traffic leaks unredirected.
	ErrIPTablesUnavailable = errors.New("iptables unavailable")
)

// BindError reports which responder failed to bind and why.
// Retrieve with errors.As.
type BindError struct {
	Responder string
	Addr      string
	Err       error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s (%s): %v", e.Responder, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// RuleError reports which redirect rule failed to install and why.
// Retrieve with errors.As.
type RuleError struct {
	Rule []string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("iptables rule %v: %v", e.Rule, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }
