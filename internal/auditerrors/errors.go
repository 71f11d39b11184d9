// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package auditerrors provides structured error handling for the
// auditor pipeline.
//
// It defines UserError, a type carrying what went wrong, why, and how
// to fix it, plus the four exit codes the pipeline ever returns. Kind A
// fatal conditions construct a UserError with ExitFatalConfig or
// ExitFatalInternal; Kind B and Kind C conditions never construct one —
// they are recorded as diagnostics rows and logged, never raised as an
// error value that could abort the run.
package auditerrors

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Exit codes. These are the only four values the process ever exits
// with; they match the pipeline's outcome, not the error's category.
const (
	// ExitSuccessNoFindings: pipeline completed, zero findings.
	ExitSuccessNoFindings = 0
	// ExitSuccessFindings: pipeline completed, findings emitted.
	ExitSuccessFindings = 1
	// ExitFatalConfig: pipeline aborted due to fatal configuration or
	// schema error (Kind A).
	ExitFatalConfig = 2
	// ExitFatalInternal: pipeline aborted due to an internal invariant
	// violation (Kind A).
	ExitFatalInternal = 3
)

// UserError represents a Kind A fatal error with structured context for
// end users.
type UserError struct {
	// Message describes what went wrong in user-friendly language.
	Message string

	// Cause explains why the error occurred (diagnostic information).
	Cause string

	// Fix provides an actionable suggestion on how to resolve the error.
	Fix string

	// ExitCode is the exit code that should be used when exiting due
	// to this error. Always ExitFatalConfig or ExitFatalInternal.
	ExitCode int

	// Err is the underlying error that caused this error (optional).
	Err error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a Kind A error for schema/config preconditions
// (schema digest mismatch, unreadable root directory, missing required
// configuration).
func NewConfigError(msg, cause, fix string, err error) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		ExitCode: ExitFatalConfig,
		Err:      err,
	}
}

// NewInternalError creates a Kind A error for internal invariant
// violations (extractor emits a row for an undeclared table, corrupted
// fact base, unreachable code paths).
func NewInternalError(msg, cause, fix string, err error) *UserError {
	return &UserError{
		Message:  msg,
		Cause:    cause,
		Fix:      fix,
		ExitCode: ExitFatalInternal,
		Err:      err,
	}
}

var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format returns a formatted error message for terminal display. Color
// output respects NO_COLOR and can be disabled explicitly.
func (e *UserError) Format(noColor bool) string {
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()

	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")

	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}

	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}

	return out.String()
}

// ErrorJSON is the JSON-serializable form of UserError.
type ErrorJSON struct {
	Error    string `json:"error"`
	Cause    string `json:"cause,omitempty"`
	Fix      string `json:"fix,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func (e *UserError) ToJSON() ErrorJSON {
	return ErrorJSON{
		Error:    e.Message,
		Cause:    e.Cause,
		Fix:      e.Fix,
		ExitCode: e.ExitCode,
	}
}

// FatalError prints err and exits with the appropriate code. A nil err
// is a no-op and returns at once; for any other err it never returns.
// Non-UserError values are treated as internal errors.
func FatalError(err error, jsonOutput bool) {
	if err == nil {
		return
	}

	if ue, ok := err.(*UserError); ok {
		if jsonOutput {
			enc := json.NewEncoder(os.Stderr)
			enc.SetIndent("", "  ")
			_ = enc.Encode(ue.ToJSON())
		} else {
			fmt.Fprint(os.Stderr, ue.Format(false))
		}
		os.Exit(ue.ExitCode)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(ExitFatalInternal)
}
