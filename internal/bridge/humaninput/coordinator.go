// Package humaninput coordinates blocking questions to the user: a request
// is emitted to the server, and the answer arrives later as a socket event.
package humaninput

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

// DefaultTimeout bounds a request when the caller does not set one.
const DefaultTimeout = 5 * time.Minute

// ErrTimeout is returned when no answer arrives in time.
var ErrTimeout = errors.New("human input request timed out")

// Coordinator tracks pending requests by id.
type Coordinator struct {
	emitter wire.Emitter
	logger  *logger.Logger

	mu      sync.Mutex
	pending map[string]chan string
}

// NewCoordinator creates a coordinator emitting over the given emitter.
func NewCoordinator(emitter wire.Emitter, log *logger.Logger) *Coordinator {
	return &Coordinator{
		emitter: emitter,
		logger:  log.WithFields(zap.String("component", "human-input")),
		pending: make(map[string]chan string),
	}
}

// Request asks the user a question and blocks until the answer arrives,
// the timeout lapses, or ctx is cancelled.
func (c *Coordinator) Request(ctx context.Context, sessionID, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	requestID := uuid.New().String()
	ch := make(chan string, 1)

	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	err := c.emitter.Emit(wire.EventSessionHumanInputRequest, wire.HumanInputRequestPayload{
		SessionID: sessionID,
		RequestID: requestID,
		Prompt:    prompt,
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("human input requested",
		zap.String("session_id", sessionID),
		zap.String("request_id", requestID))

	select {
	case value := <-ch:
		return value, nil
	case <-time.After(timeout):
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Fulfil delivers an answer. Unknown or expired request ids are a logged
// no-op; the user may answer after the requester gave up.
func (c *Coordinator) Fulfil(requestID, value string) bool {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown human input request",
			zap.String("request_id", requestID))
		return false
	}

	ch <- value
	return true
}

// PendingCount returns the number of open requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
