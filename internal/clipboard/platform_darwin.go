//go:build darwin

package clipboard

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// NewPlatformBackend returns the macOS clipboard backend.
func NewPlatformBackend() (Backend, error) {
	return &darwinBackend{}, nil
}

type darwinBackend struct{}

func (b *darwinBackend) CopyText(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, "pbcopy")
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pbcopy: %v (%s)", err, bytes.TrimSpace(out))
	}
	return nil
}

func (b *darwinBackend) CopyImage(ctx context.Context, path string) error {
	// pbcopy only does text; osascript can load a file onto the clipboard.
	script := fmt.Sprintf(`set the clipboard to (read (POSIX file %q) as picture)`, path)
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %v (%s)", err, bytes.TrimSpace(out))
	}
	return nil
}
