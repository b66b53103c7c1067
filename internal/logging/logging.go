// Package logging provides the thin, injectable logging seam every eka
// component accepts (SPEC_FULL.md §A "Logging"): components never log
// directly to a fixed sink, they accept a *slog.Logger so the CLI
// collaborator controls verbosity and destination.
package logging

import (
	"io"
	"log/slog"
)

// Logger is the structured, leveled logging seam components accept.
// *slog.Logger satisfies it directly; no adapter type is needed.
type Logger = *slog.Logger

// Discard is a Logger that drops everything written to it, used whenever a
// caller doesn't supply one so every log call site can fire unconditionally.
var Discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// Or returns l if non-nil, otherwise Discard.
func Or(l Logger) Logger {
	if l == nil {
		return Discard
	}
	return l
}
