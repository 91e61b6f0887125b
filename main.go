// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mbucko/remote-agent-shell/internal/config"
	"github.com/mbucko/remote-agent-shell/internal/daemon"
	"github.com/mbucko/remote-agent-shell/internal/devices"
	"github.com/mbucko/remote-agent-shell/internal/pairing"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgFlag  = flag.String("config", "", "Path to config file")
	logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ras v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	if lvl, err := logging.LevelFromString(*logLevel); err == nil {
		logging.SetAllLoggers(lvl)
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "daemon":
		runDaemon()

	case "pair":
		runPair()

	case "unpair":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: unpair requires a device id")
			fmt.Fprintln(os.Stderr, "Usage: ras unpair <device-id>")
			os.Exit(1)
		}
		runUnpair(args[1])

	case "status":
		runStatus()

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func configPath() string {
	if *cfgFlag != "" {
		return *cfgFlag
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "ras", "config.json")
}

func loadConfig() (config.Config, string) {
	path := configPath()
	cfg, created, err := config.Ensure(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Created default config at %s\n", path)
	}
	return cfg, path
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runDaemon() {
	cfg, path := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()

	d, err := daemon.New(ctx, daemon.Options{CfgPath: path, Cfg: cfg})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ras daemon %s\n", cfg.Daemon.DeviceID)
	fmt.Printf("Config: %s\n", path)
	fmt.Printf("Paired devices: %d\n", d.Devices().Len())
	fmt.Println("Press Ctrl+C to stop")

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Daemon failed: %v\n", err)
		os.Exit(1)
	}
}

func runPair() {
	cfg, path := loadConfig()
	ctx, cancel := signalContext()
	defer cancel()

	d, err := daemon.New(ctx, daemon.Options{CfgPath: path, Cfg: cfg})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		os.Exit(1)
	}
	go d.Run(ctx)

	qrPayload, session, err := d.Pairing().StartPairing(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pairing failed to start: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Scan this QR code with the mobile app:")
	fmt.Println()
	if err := pairing.RenderTerminalQR(os.Stdout, qrPayload); err != nil {
		fmt.Fprintf(os.Stderr, "QR rendering failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session %s, expires %s\n", session.ID, session.ExpiresAt().Format(time.Kitchen))
	fmt.Println("Waiting for the phone... (Press Ctrl+C to abort)")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Pairing().StopPairing()
			return
		case <-ticker.C:
		}
		switch session.State() {
		case pairing.StateCompleted:
			fmt.Println("Paired successfully.")
			return
		case pairing.StateFailed:
			fmt.Fprintln(os.Stderr, "Pairing failed.")
			os.Exit(1)
		case pairing.StateExpired:
			fmt.Fprintln(os.Stderr, "Pairing session expired.")
			os.Exit(1)
		}
	}
}

func runUnpair(deviceID string) {
	cfg, path := loadConfig()
	store, err := devices.Open(filepath.Join(config.ResolveDataDir(cfg, path), "devices.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open device store: %v\n", err)
		os.Exit(1)
	}
	if err := store.Remove(deviceID); err != nil {
		fmt.Fprintf(os.Stderr, "Unpair failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed device %s\n", deviceID)
}

func runStatus() {
	cfg, path := loadConfig()
	store, err := devices.Open(filepath.Join(config.ResolveDataDir(cfg, path), "devices.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open device store: %v\n", err)
		os.Exit(1)
	}

	devs := store.List()
	if len(devs) == 0 {
		fmt.Println("No paired devices.")
	} else {
		fmt.Printf("Paired devices (%d):\n", len(devs))
		for _, dev := range devs {
			last := "never"
			if !dev.LastSeen.IsZero() {
				last = dev.LastSeen.Format(time.RFC822)
			}
			fmt.Printf("  %-36s  %-24s  paired %s  last seen %s\n",
				dev.DeviceID, dev.DisplayName,
				dev.PairedAt.Format(time.DateOnly), last)
		}
	}
}

func showUsage() {
	fmt.Println("ras - remote agent shell daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ras daemon              Run the daemon")
	fmt.Println("  ras pair                Start a pairing session and print the QR code")
	fmt.Println("  ras unpair <device-id>  Remove a paired device")
	fmt.Println("  ras status              List paired devices")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <path>     Config file (default: <user-config-dir>/ras/config.json)")
	fmt.Println("  -log-level <lvl>   debug, info, warn, error (default: info)")
	fmt.Println("  -h                 Show this help message")
	fmt.Println("  -version           Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Start the daemon")
	fmt.Println("  ras daemon")
	fmt.Println()
	fmt.Println("  # Pair a new phone")
	fmt.Println("  ras pair")
}
