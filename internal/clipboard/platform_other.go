//go:build !linux && !darwin

package clipboard

import (
	"context"
	"fmt"
	"runtime"
)

// NewPlatformBackend returns a backend that rejects clipboard operations on
// unsupported platforms. Session-targeted pastes still work.
func NewPlatformBackend() (Backend, error) {
	return &noBackend{}, nil
}

type noBackend struct{}

func (noBackend) CopyText(context.Context, string) error {
	return fmt.Errorf("clipboard not supported on %s", runtime.GOOS)
}

func (noBackend) CopyImage(context.Context, string) error {
	return fmt.Errorf("clipboard not supported on %s", runtime.GOOS)
}
