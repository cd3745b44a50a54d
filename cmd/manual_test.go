// File: cmd/manual_test.go
package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwasti/llpkmn/internal/bridge"
	"github.com/bwasti/llpkmn/internal/mocks"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

// capturingHandler writes a PNG for every capture command and acknowledges everything else.
func capturingHandler(cmd string) []string {
	if path, ok := strings.CutPrefix(cmd, bridge.CommandScreenshot+","); ok {
		if err := os.WriteFile(path, pngHeader, 0o644); err != nil {
			return mocks.Reply("error")
		}
		return mocks.Reply(bridge.ResponseSuccess)
	}
	return mocks.Reply("ok")
}

func TestTapCmd(t *testing.T) {
	fb, addr := mocks.ListenFakeBridge(t, capturingHandler)
	flags, _ := bridgeFlags(t, addr)

	_, err := executeCommand(t, append(flags, "tap", "a", "START")...)
	require.NoError(t, err)

	fb.Close()
	assert.Equal(t, []string{
		bridge.CommandHandshake,
		"mgba-http.button.tap,A",
		"mgba-http.button.tap,Start",
	}, fb.Commands())
}

func TestTapCmd_AcceptsButtonsOutsideModelVocabulary(t *testing.T) {
	fb, addr := mocks.ListenFakeBridge(t, capturingHandler)
	flags, _ := bridgeFlags(t, addr)

	_, err := executeCommand(t, append(flags, "tap", "Select", "R")...)
	require.NoError(t, err)

	fb.Close()
	assert.Equal(t, "mgba-http.button.tap,R", fb.Commands()[2])
}

func TestTapCmd_UnknownButton(t *testing.T) {
	_, err := executeCommand(t, "--bridge-port", "1", "tap", "Turbo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown button 'Turbo'")
}

func TestTapCmd_BridgeUnreachable(t *testing.T) {
	fb, addr := mocks.ListenFakeBridge(t, capturingHandler)
	flags, _ := bridgeFlags(t, addr)
	fb.Close()

	_, err := executeCommand(t, append(flags, "tap", "A")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to bridge")
}

func TestCaptureCmd_ToScreenshotDirectory(t *testing.T) {
	fb, addr := mocks.ListenFakeBridge(t, capturingHandler)
	flags, dir := bridgeFlags(t, addr)

	out, err := executeCommand(t, append(flags, "capture")...)
	require.NoError(t, err)

	path := strings.TrimSpace(out)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "screenshot_"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)

	fb.Close()
	assert.Equal(t, bridge.CaptureCommand(path), fb.Commands()[1])
}

func TestCaptureCmd_ExplicitPath(t *testing.T) {
	fb, addr := mocks.ListenFakeBridge(t, capturingHandler)
	flags, _ := bridgeFlags(t, addr)
	target := filepath.Join(t.TempDir(), "nested", "frame.png")

	out, err := executeCommand(t, append(flags, "capture", target)...)
	require.NoError(t, err)
	assert.Equal(t, target, strings.TrimSpace(out))
	assert.FileExists(t, target)

	fb.Close()
	assert.Equal(t, bridge.CaptureCommand(target), fb.Commands()[1])
}
