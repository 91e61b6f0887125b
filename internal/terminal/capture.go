package terminal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// PipeMux is the multiplexer surface capture needs.
type PipeMux interface {
	PipePane(ctx context.Context, name, path string) error
	StopPipePane(ctx context.Context, name string) error
}

// capture streams one session's raw output through a FIFO into onData.
type capture struct {
	mux      PipeMux
	muxName  string
	fifoPath string
	done     chan struct{}
}

// startCapture creates a FIFO, points pipe-pane at it and starts the read
// loop. onData receives output in capture order on the reader goroutine.
func startCapture(ctx context.Context, mux PipeMux, muxName, dir string, onData func([]byte)) (*capture, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	fifoPath := filepath.Join(dir, "fifo-"+muxName)
	os.Remove(fifoPath)
	if err := syscall.Mkfifo(fifoPath, 0o600); err != nil {
		return nil, fmt.Errorf("mkfifo: %w", err)
	}

	c := &capture{mux: mux, muxName: muxName, fifoPath: fifoPath, done: make(chan struct{})}

	// Opening the FIFO read side blocks until tmux opens the write side, so
	// the open happens on the reader goroutine, after pipe-pane is on.
	if err := mux.PipePane(ctx, muxName, fifoPath); err != nil {
		os.Remove(fifoPath)
		return nil, err
	}

	go c.readLoop(onData)
	return c, nil
}

func (c *capture) readLoop(onData func([]byte)) {
	defer close(c.done)

	f, err := os.OpenFile(c.fifoPath, os.O_RDONLY, 0)
	if err != nil {
		log.Errorf("open capture fifo %s: %v", c.fifoPath, err)
		return
	}
	defer f.Close()

	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			onData(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// stop turns pipe-pane off and unblocks the reader. Safe when the session is
// already gone.
func (c *capture) stop(ctx context.Context) {
	if err := c.mux.StopPipePane(ctx, c.muxName); err != nil {
		log.Debugf("stop pipe-pane for %s: %v", c.muxName, err)
	}

	// EOF the reader: open and close the write side ourselves in case tmux's
	// writer is already gone and the reader is parked in Read.
	if w, err := os.OpenFile(c.fifoPath, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
		w.Close()
	}
	os.Remove(c.fifoPath)
}
