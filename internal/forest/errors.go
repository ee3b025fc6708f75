package forest

import (
	"errors"
	"fmt"
)

// ErrNoData is raised by the data fetcher when zero bytes of required input
// exist in the requested window. It moves the task to the error state with
// this message but is an expected business condition, never forwarded to
// external error tracking.
var ErrNoData = errors.New("no chunked data found for participant for the dates specified")

// ErrCacheIncompatible means a cached artifact was stored by an
// incompatible version of the analysis code. It is deliberately distinct
// from I/O failures so operators can tell a stale cache apart from
// unreachable storage.
var ErrCacheIncompatible = errors.New("cached artifact format is incompatible with this version")

// ErrParamsIncompatible means a task's persisted parameter overrides were
// written under a schema this code no longer understands. Such a task can
// no longer be re-run; the audit record is preserved as-is.
var ErrParamsIncompatible = errors.New("persisted task parameters use an incompatible schema version")

// SchemaDriftError is a fatal materialization failure: the tree's output
// CSV contained a column not present in the translation table, meaning the
// external tool's output format changed.
type SchemaDriftError struct {
	Tree   string
	Column string
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("unrecognized column %q in %s output", e.Column, e.Tree)
}

// CleanupError wraps a workspace deletion failure after all retry attempts.
// A lingering workspace risks disk exhaustion for subsequent tasks, so this
// is treated as unrecoverable rather than merely reported.
type CleanupError struct {
	Path       string
	ExternalID string
	Attempts   int
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("could not delete folder %s for task %s, tried %d times",
		e.Path, e.ExternalID, e.Attempts)
}

// cleanupErrorHeader is prepended when a cleanup failure is appended to a
// task's existing stacktrace text.
const cleanupErrorHeader = "\n\nThis task encountered an error cleaning up after itself.\n\n"
