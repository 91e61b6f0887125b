//go:build linux

package clipboard

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// NewPlatformBackend probes for a clipboard tool: wl-copy on Wayland first,
// then xclip.
func NewPlatformBackend() (Backend, error) {
	if _, err := exec.LookPath("wl-copy"); err == nil {
		return &linuxBackend{tool: "wl-copy"}, nil
	}
	if _, err := exec.LookPath("xclip"); err == nil {
		return &linuxBackend{tool: "xclip"}, nil
	}
	return nil, fmt.Errorf("no clipboard tool found (install wl-clipboard or xclip)")
}

type linuxBackend struct {
	tool string
}

func (b *linuxBackend) CopyText(ctx context.Context, text string) error {
	var cmd *exec.Cmd
	if b.tool == "wl-copy" {
		cmd = exec.CommandContext(ctx, "wl-copy")
	} else {
		cmd = exec.CommandContext(ctx, "xclip", "-selection", "clipboard")
	}
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %v (%s)", b.tool, err, bytes.TrimSpace(out))
	}
	return nil
}

func (b *linuxBackend) CopyImage(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	mime := "image/png"
	if strings.HasSuffix(path, ".jpg") {
		mime = "image/jpeg"
	}
	var cmd *exec.Cmd
	if b.tool == "wl-copy" {
		cmd = exec.CommandContext(ctx, "wl-copy", "--type", mime)
	} else {
		cmd = exec.CommandContext(ctx, "xclip", "-selection", "clipboard", "-t", mime)
	}
	cmd.Stdin = f
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %v (%s)", b.tool, err, bytes.TrimSpace(out))
	}
	return nil
}
