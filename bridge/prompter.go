package bridge

import (
	"context"
	"errors"
)

var (
	// ErrPromptCanceled is returned by a PasscodePrompter when the user dismisses it.
	ErrPromptCanceled = errors.New("passcode prompt canceled")
	// ErrPromptMismatch is returned by a PasscodePrompter when the confirmation entry differs.
	ErrPromptMismatch = errors.New("passcode confirmation mismatch")
)

// PasscodePrompter collects a passcode from the user. With confirm set, the
// user enters it twice and ErrPromptMismatch is returned when the entries
// differ.
type PasscodePrompter interface {
	PromptPasscode(ctx context.Context, confirm bool) (string, error)
}

// PasscodePrompterFunc adapts a function to the PasscodePrompter interface.
type PasscodePrompterFunc func(ctx context.Context, confirm bool) (string, error)

func (f PasscodePrompterFunc) PromptPasscode(ctx context.Context, confirm bool) (string, error) {
	return f(ctx, confirm)
}
