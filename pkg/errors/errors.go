// Package errors carries the update subsystem's error taxonomy and the
// wrapping helper used throughout the module.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error kinds. Callers match them with Is; every package wraps them with
// enough context to tell where the failure happened.
var (
	// ErrNetwork is transient and surfaced so the caller can retry.
	ErrNetwork = stderrors.New("network error")
	// ErrManifestInvalid is fatal for the attempt and never mutates state.
	ErrManifestInvalid = stderrors.New("manifest invalid")
	// ErrVerificationFailed is fatal for the attempt; the artifact is discarded.
	ErrVerificationFailed = stderrors.New("verification failed")
	// ErrConflict reports lock contention. Acquire never waits on it.
	ErrConflict = stderrors.New("conflict")
	// ErrCrashLoop is raised when failed boots reach the configured maximum.
	ErrCrashLoop = stderrors.New("crash loop")
	// ErrCorruptState means the persisted State Record is unreadable or invalid.
	ErrCorruptState = stderrors.New("corrupt state")
)

// ErrOperationLocked is the name apply callers use for a blocked update.
var ErrOperationLocked = ErrConflict

// Wrap wraps an error with context
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Mark attaches a kind to err so that Is(result, kind) holds while the
// original message and chain are preserved.
func Mark(err error, kind error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func New(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
