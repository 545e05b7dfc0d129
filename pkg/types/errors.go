package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for deployment operations.
// These enable reliable error checking with errors.Is()
var (
	// ErrCancelled indicates the run or batch was cancelled by the caller
	ErrCancelled = errors.New("deployment cancelled")

	// ErrNoPreviousManifest indicates no manifest was stored for the environment
	ErrNoPreviousManifest = errors.New("no previous manifest")

	// ErrUnsupportedArchive indicates an archive id has no configured codec
	ErrUnsupportedArchive = errors.New("unsupported archive")

	// ErrNoTransfer indicates an ftp action was resolved without a transfer client
	ErrNoTransfer = errors.New("no transfer client configured")

	// ErrWorkerFailure indicates a compiler worker session failed
	ErrWorkerFailure = errors.New("compiler worker failed")
)

// ParseError reports a malformed rule with its origin
type ParseError struct {
	SourceFile string
	SourceLine int
	Message    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.SourceFile, e.SourceLine, e.Message)
}

// MatchError reports a pattern that could not be evaluated at runtime.
// It is treated as no-match and logged.
type MatchError struct {
	Rule DeployRule
	Path string
	Err  error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("rule %s cannot match %s: %v", e.Rule.Location(), e.Path, e.Err)
}

func (e *MatchError) Unwrap() error { return e.Err }

// SinkError reports a per-file failure of an external sink
type SinkError struct {
	Path   string
	Action DeployType
	Err    error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Path, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// FatalError aborts a pipeline run
type FatalError struct {
	Step  PipelineStep
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error during %s: %v", e.Step, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }
