// File: internal/bridge/bridge.go
package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/bwasti/llpkmn/internal/action"
	"github.com/bwasti/llpkmn/internal/screenshot"
)

// Wire commands understood by the emulator's automation script.
const (
	CommandHandshake  = "<|ACK|>"
	CommandScreenshot = "core.screenshot"
	// ResponseSuccess is the documented positive acknowledgement for a capture.
	ResponseSuccess = "<|SUCCESS|>"
)

// Sender is the framed request/response primitive the client is built on.
type Sender interface {
	Send(ctx context.Context, payload string) (string, error)
}

// PathSource hands out destination paths for new captures.
type PathSource interface {
	NextPath() string
}

// Client issues semantic commands to the bridge.
type Client struct {
	sender    Sender
	paths     PathSource
	namespace string
	logger    *zap.Logger
}

// NewClient creates a bridge client. Button taps are sent as
// "<namespace>.button.tap,<Button>".
func NewClient(sender Sender, paths PathSource, namespace string, logger *zap.Logger) *Client {
	return &Client{
		sender:    sender,
		paths:     paths,
		namespace: namespace,
		logger:    logger.Named("bridge"),
	}
}

// Handshake sends the acknowledgement frame the bridge expects after connecting.
func (c *Client) Handshake(ctx context.Context) error {
	resp, err := c.sender.Send(ctx, CommandHandshake)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	if resp == "" {
		c.logger.Warn("Bridge answered the handshake with an empty frame")
	}
	return nil
}

// TapCommand renders the wire command for tapping button.
func (c *Client) TapCommand(button action.Button) string {
	return fmt.Sprintf("%s.button.tap,%s", c.namespace, button)
}

// Tap presses and releases one button. Any non-error acknowledgement counts as success.
func (c *Client) Tap(ctx context.Context, button action.Button) error {
	if _, err := c.sender.Send(ctx, c.TapCommand(button)); err != nil {
		return fmt.Errorf("tap %s: %w", button, err)
	}
	c.logger.Debug("Tapped button", zap.String("button", string(button)))
	return nil
}

// CaptureCommand renders the wire command for a capture to path. Backslashes are
// converted because the bridge-side script would read them as escapes.
func CaptureCommand(path string) string {
	return fmt.Sprintf("%s,%s", CommandScreenshot, strings.ReplaceAll(path, `\`, "/"))
}

// Capture asks the bridge to write the current frame to path. The destination
// directory is created first; failure to do so returns screenshot.ErrStorageUnavailable
// without anything being sent.
func (c *Client) Capture(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %w", screenshot.ErrStorageUnavailable, path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", screenshot.ErrStorageUnavailable, filepath.Dir(abs), err)
	}

	resp, err := c.sender.Send(ctx, CaptureCommand(abs))
	if err != nil {
		return fmt.Errorf("capture %s: %w", abs, err)
	}
	if resp == ResponseSuccess {
		c.logger.Debug("Screenshot triggered", zap.String("path", abs))
	} else {
		// Bridge wording varies between script versions; only transport errors are failures.
		c.logger.Debug("Screenshot acknowledged with unexpected response", zap.String("path", abs), zap.String("response", resp))
	}
	return nil
}

// Screenshot captures to the next timestamped destination and returns its path.
func (c *Client) Screenshot(ctx context.Context) (string, error) {
	path := c.paths.NextPath()
	if err := c.Capture(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}
