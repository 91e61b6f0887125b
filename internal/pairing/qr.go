package pairing

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"rsc.io/qr"
)

// RenderTerminalQR draws the QR code with half-block characters, two module
// rows per text line. Quiet zone is two modules on every side.
func RenderTerminalQR(w io.Writer, payload string) error {
	code, err := qr.Encode(payload, qr.L)
	if err != nil {
		return fmt.Errorf("encoding QR: %w", err)
	}

	const quiet = 2
	size := code.Size + 2*quiet
	black := func(x, y int) bool {
		return code.Black(x-quiet, y-quiet)
	}

	for y := 0; y < size; y += 2 {
		for x := 0; x < size; x++ {
			top := black(x, y)
			bottom := y+1 < size && black(x, y+1)
			switch {
			case top && bottom:
				fmt.Fprint(w, "█")
			case top:
				fmt.Fprint(w, "▀")
			case bottom:
				fmt.Fprint(w, "▄")
			default:
				fmt.Fprint(w, " ")
			}
		}
		fmt.Fprintln(w)
	}
	return nil
}

// WriteQRPNG writes the code as a PNG file.
func WriteQRPNG(path, payload string) error {
	code, err := qr.Encode(payload, qr.L)
	if err != nil {
		return fmt.Errorf("encoding QR: %w", err)
	}
	return os.WriteFile(path, code.PNG(), 0o600)
}

// OpenQRInBrowser writes a one-page HTML rendering and opens it with the
// platform's default browser.
func OpenQRInBrowser(dir, payload string) (string, error) {
	pngPath := dir + "/ras-pairing-qr.png"
	if err := WriteQRPNG(pngPath, payload); err != nil {
		return "", err
	}
	htmlPath := dir + "/ras-pairing-qr.html"
	page := fmt.Sprintf(`<!doctype html>
<title>Pair your phone</title>
<body style="display:flex;align-items:center;justify-content:center;height:100vh">
<img src=%q alt="pairing QR code" style="image-rendering:pixelated;width:360px">
</body>`, "ras-pairing-qr.png")
	if err := os.WriteFile(htmlPath, []byte(page), 0o600); err != nil {
		return "", err
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", htmlPath)
	default:
		cmd = exec.Command("xdg-open", htmlPath)
	}
	if err := cmd.Start(); err != nil {
		return htmlPath, fmt.Errorf("opening browser: %w", err)
	}
	return htmlPath, nil
}
