package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/raphaelgruber/ingestd/internal/client"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
)

// Exit codes for different error categories.
const (
	ExitSuccess  = 0
	ExitConfig   = 1
	ExitNetwork  = 3
	ExitInput    = 4
	ExitNotFound = 6
	ExitInternal = 10
)

// UserError is an error with what went wrong, why, and how to fix it.
type UserError struct {
	Message  string
	Cause    string
	Fix      string
	ExitCode int
	Err      error
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

// Format renders the error for a terminal. Colors follow color.NoColor.
func (e *UserError) Format() string {
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", red("Error:"), e.Message)
	if e.Cause != "" {
		fmt.Fprintf(&sb, "%s %s\n", dim("Cause:"), e.Cause)
	}
	if e.Fix != "" {
		fmt.Fprintf(&sb, "%s   %s\n", cyan("Fix:"), e.Fix)
	}
	return sb.String()
}

// NewInputError creates an input validation error with exit code ExitInput.
func NewInputError(msg, cause, fix string) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: ExitInput}
}

// apiError turns a client error into a UserError for the given action,
// choosing the exit code from the error kind the server reported.
func apiError(action string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return err
	}

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return &UserError{
			Message:  "Cannot " + action,
			Cause:    err.Error(),
			Fix:      "Check that ingestd is running and --server points at it",
			ExitCode: ExitNetwork,
			Err:      err,
		}
	}

	ue = &UserError{Message: "Cannot " + action, Cause: apiErr.Message, Err: err}
	switch apiErr.Kind {
	case ingesterr.KindValidation, ingesterr.KindInvalidInput:
		ue.ExitCode = ExitInput
		ue.Fix = "Correct the request and submit again"
	case ingesterr.KindInvalidState:
		ue.ExitCode = ExitInput
		ue.Fix = "Check the job status with: ingestctl jobs <id>"
	case ingesterr.KindNotFound:
		ue.ExitCode = ExitNotFound
		ue.Fix = "List jobs with: ingestctl jobs"
	case ingesterr.KindAuth:
		ue.ExitCode = ExitConfig
		ue.Fix = "Set a valid token with --token or INGEST_TOKEN"
	case ingesterr.KindConnection, ingesterr.KindProviderUnavailable, ingesterr.KindRateLimited, ingesterr.KindIndexUnavailable:
		ue.ExitCode = ExitNetwork
	default:
		ue.ExitCode = ExitInternal
	}
	return ue
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.ExitCode
	}
	return ExitConfig
}

// FormatError renders err for stderr.
func FormatError(err error) string {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Format()
	}
	return color.New(color.FgRed, color.Bold).Sprint("Error:") + " " + err.Error() + "\n"
}
