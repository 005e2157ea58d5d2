// Package serverapi is the bridge's REST client for the user-facing server:
// session status patches and editing-context entity fetches.
package serverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/common/logger"
)

const requestTimeout = 10 * time.Second

// Client talks to the server's REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		logger:  log.WithFields(zap.String("component", "server-api")),
	}
}

// PatchSessionStatus updates a session's status on the server. Callers fire
// it asynchronously; a failure is logged and never blocks the turn.
func (c *Client) PatchSessionStatus(ctx context.Context, sessionID, status string) error {
	body, _ := json.Marshal(map[string]string{"status": status})
	url := fmt.Sprintf("%s/sessions/%s", c.baseURL, sessionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("patch session status: server returned %d", resp.StatusCode)
	}
	return nil
}

// FetchEntity loads an entity's current values for context injection.
func (c *Client) FetchEntity(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	url := fmt.Sprintf("%s/%ss/%s", c.baseURL, entityType, entityID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch %s/%s: server returned %d", entityType, entityID, resp.StatusCode)
	}

	var fields map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		return nil, fmt.Errorf("fetch %s/%s: decoding body: %w", entityType, entityID, err)
	}
	return fields, nil
}
