package crawler

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the session, extraction and orchestration layers.
var (
	// ErrNavigation covers timeouts and connection failures while loading a page.
	ErrNavigation = errors.New("navigation failed")
	// ErrAntiAutomation marks a redirect, wall or login gate that recovery could not clear.
	ErrAntiAutomation = errors.New("anti-automation defense detected")
	// ErrExtraction is logged when a page yields no candidates or a payload fails to parse.
	ErrExtraction = errors.New("extraction failed")
	// ErrValidation rejects a record before it reaches the orchestrator.
	ErrValidation = errors.New("note validation failed")
	// ErrSessionTerminated means the browser is gone and no further navigation is possible.
	ErrSessionTerminated = errors.New("browser session terminated")
	// ErrBrowserStart is the only fatal error of a crawl.
	ErrBrowserStart = errors.New("browser start failed")
	// ErrTooFewImages means fewer images than required could be downloaded for a note.
	ErrTooFewImages = errors.New("too few images downloaded")
)

// ValidationError describes why a note was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
