package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/bridge/backend"
	"github.com/bridgekit/bridgekit/internal/common/logger"
)

const (
	// scanBufferSize bounds a single stdout line. Agent CLIs embed whole
	// file contents in tool results, so lines get large.
	scanBufferSize = 10 * 1024 * 1024

	// stderrTailSize bounds the captured stderr tail surfaced on failure.
	stderrTailSize = 8 * 1024

	// killDelay is how long pipes may drain after the context kills the
	// child before Wait gives up on them.
	killDelay = time.Second
)

// Session is one logical conversation with a CLI backend. Each send spawns
// a fresh process; the backend's own session id, captured from the first
// init message, carries the conversation across sends.
type Session struct {
	sessionID string
	backend   backend.Backend
	cfg       backend.SessionConfig
	logger    *logger.Logger

	mu               sync.Mutex
	backendSessionID string
	cmd              *exec.Cmd
	closed           bool
}

// NewSession creates a session bound to a backend descriptor.
func NewSession(sessionID string, b backend.Backend, cfg backend.SessionConfig, log *logger.Logger) *Session {
	return &Session{
		sessionID: sessionID,
		backend:   b,
		cfg:       cfg,
		logger: log.WithFields(
			zap.String("session_id", sessionID),
			zap.String("backend", b.Name()),
		),
	}
}

// SessionID returns the bridge-side session id.
func (s *Session) SessionID() string {
	return s.sessionID
}

// BackendSessionID returns the CLI's own session id, empty before the
// first init message.
func (s *Session) BackendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendSessionID
}

// Backend returns the session's backend descriptor.
func (s *Session) Backend() backend.Backend {
	return s.backend
}

// StreamMessages spawns the CLI for one turn and streams its output. The
// channel closes when the turn ends; cancelling ctx kills the child.
func (s *Session) StreamMessages(ctx context.Context, content string) (<-chan StreamMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &CLIError{Op: "spawn", Err: errors.New("session closed")}
	}
	if s.cmd != nil {
		s.mu.Unlock()
		return nil, &CLIError{Op: "spawn", Err: errors.New("turn already in progress")}
	}
	resumeID := s.backendSessionID
	s.mu.Unlock()

	argv := s.backend.BuildArgv(s.cfg, resumeID, content)
	if len(argv) == 0 {
		return nil, &CLIError{Op: "spawn", Err: errors.New("backend built empty argv")}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = s.backend.BuildEnv(s.cfg, os.Environ())
	cmd.WaitDelay = killDelay
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}

	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &CLIError{Op: "stdout pipe", Err: err}
	}

	input, useStdin := s.backend.FormatInput(content)
	var stdin io.WriteCloser
	if useStdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, &CLIError{Op: "stdin pipe", Err: err}
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, &CLIError{Op: "start", Err: err}
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.logger.Debug("cli process started",
		zap.String("binary", argv[0]),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("resumed", resumeID != ""))

	if useStdin {
		go func() {
			if _, err := stdin.Write(input); err != nil {
				s.logger.Warn("failed writing cli stdin", zap.Error(err))
			}
			_ = stdin.Close()
		}()
	}

	out := make(chan StreamMessage, 64)
	go s.consume(cmd, stdout, stderr, out)
	return out, nil
}

// consume scans stdout line by line until the turn completes or the
// process exits, then reports the outcome on out and closes it.
func (s *Session) consume(cmd *exec.Cmd, stdout io.ReadCloser, stderr *tailBuffer, out chan<- StreamMessage) {
	defer close(out)
	defer func() {
		s.mu.Lock()
		s.cmd = nil
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	sawResult := false
	var lastUsage *backend.ContextUsage

	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg := s.backend.ParseLine(line)
		if msg == nil {
			if s.backend.Capabilities().StreamJSON {
				s.logger.Debug("skipping cli output line",
					zap.Error(&ParseError{Line: string(line)}))
			}
			continue
		}

		if usage := s.backend.ExtractUsage(msg); usage != nil {
			lastUsage = usage
		}

		switch msg.Kind {
		case backend.KindInit:
			s.mu.Lock()
			if s.backendSessionID == "" {
				s.backendSessionID = msg.BackendSessionID
			}
			s.mu.Unlock()
			out <- StreamMessage{Type: StreamInit, SessionID: msg.BackendSessionID}

		case backend.KindAssistant:
			if text := s.backend.ExtractContent(msg); text != "" {
				out <- StreamMessage{Type: StreamText, Text: text}
			}
			if thinking := s.backend.ExtractThinking(msg); thinking != "" {
				out <- StreamMessage{Type: StreamThinking, Text: thinking}
			}
			for _, use := range s.backend.ExtractToolUses(msg) {
				u := use
				out <- StreamMessage{Type: StreamToolUse, ToolUse: &u}
			}

		case backend.KindToolEcho:
			for _, result := range s.backend.ExtractToolResults(msg) {
				r := result
				out <- StreamMessage{Type: StreamToolResult, ToolResult: &r}
			}

		case backend.KindProgress:
			out <- StreamMessage{Type: StreamToolProgress}

		case backend.KindCompaction:
			out <- StreamMessage{Type: StreamCompaction}

		case backend.KindResult, backend.KindError:
			usage := s.backend.ExtractUsage(msg)
			if usage == nil {
				usage = lastUsage
			}
			out <- StreamMessage{Type: StreamResult, Result: &ResultData{
				Content: s.backend.ExtractContent(msg),
				Usage:   usage,
				IsError: msg.IsError,
			}}
			sawResult = true
		}

		if s.backend.IsComplete(msg) {
			// Drain leftover stdout so the child is never blocked on a
			// full pipe while we wait for it.
			go func() { _, _ = io.Copy(io.Discard, stdout) }()
			break
		}
	}

	if err := scanner.Err(); err != nil && !sawResult {
		s.logger.Debug("cli stdout scan ended", zap.Error(err))
	}

	err := cmd.Wait()
	switch {
	case err == nil && !sawResult:
		// Plain-text backends end the turn by exiting.
		out <- StreamMessage{Type: StreamResult, Result: &ResultData{Usage: lastUsage}}

	case err != nil && !sawResult:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		tail := stderr.Tail()
		s.logger.Error("cli process failed",
			zap.Int("exit_code", exitCode),
			zap.String("stderr_tail", tail))
		out <- StreamMessage{Type: StreamError, Err: &ProcessExitError{ExitCode: exitCode, StderrTail: tail}}

	case err != nil:
		s.logger.Warn("cli exited non-zero after completing the turn", zap.Error(err))
	}
}

// Close kills any in-flight process and marks the session unusable.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("failed killing cli process", zap.Error(err))
		}
	}
	s.logger.Debug("cli session closed")
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

// Tail returns the captured stderr tail as a string.
func (t *tailBuffer) Tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
