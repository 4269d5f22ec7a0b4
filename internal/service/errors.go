package service

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	// ErrTrivialInput is returned for blank or single-character input. Callers
	// treat it as a no-op rather than a failure.
	ErrTrivialInput = errors.New("trivial input")
	ErrClosed       = errors.New("chat service closed")
)

// GenerationError reports a failed answer. By the time it is returned the
// user message that triggered the answer has already been removed.
type GenerationError struct {
	ChannelID string
	Cause     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("answer generation failed for channel %s: %v", e.ChannelID, e.Cause)
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}
