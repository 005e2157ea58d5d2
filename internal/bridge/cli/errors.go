package cli

import (
	"fmt"
	"time"
)

// TimeoutError reports a turn that exceeded its deadline.
type TimeoutError struct {
	Phase   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cli timeout in %s after %s", e.Phase, e.Timeout)
}

// ProcessExitError reports a CLI process that exited non-zero.
type ProcessExitError struct {
	ExitCode   int
	StderrTail string
}

func (e *ProcessExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("cli process exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("cli process exited with code %d: %s", e.ExitCode, e.StderrTail)
}

// ParseError reports an unparseable stdout line. It is logged, never fatal.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable cli output line: %.120s", e.Line)
}

// CLIError wraps any other failure of a turn.
type CLIError struct {
	Op  string
	Err error
}

func (e *CLIError) Error() string {
	return fmt.Sprintf("cli %s: %v", e.Op, e.Err)
}

func (e *CLIError) Unwrap() error {
	return e.Err
}
