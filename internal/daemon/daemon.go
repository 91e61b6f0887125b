// Package daemon wires every component into the long-running process: tmux
// access, the device store, reconnection listeners, per-device relay topics,
// the command dispatcher, and graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mbucko/remote-agent-shell/internal/clipboard"
	"github.com/mbucko/remote-agent-shell/internal/config"
	"github.com/mbucko/remote-agent-shell/internal/conns"
	"github.com/mbucko/remote-agent-shell/internal/devices"
	"github.com/mbucko/remote-agent-shell/internal/dispatch"
	"github.com/mbucko/remote-agent-shell/internal/keys"
	"github.com/mbucko/remote-agent-shell/internal/notify"
	"github.com/mbucko/remote-agent-shell/internal/pairing"
	"github.com/mbucko/remote-agent-shell/internal/peer"
	"github.com/mbucko/remote-agent-shell/internal/proto"
	"github.com/mbucko/remote-agent-shell/internal/relay"
	"github.com/mbucko/remote-agent-shell/internal/session"
	"github.com/mbucko/remote-agent-shell/internal/signaling"
	"github.com/mbucko/remote-agent-shell/internal/terminal"
	"github.com/mbucko/remote-agent-shell/internal/tmux"
	"github.com/mbucko/remote-agent-shell/internal/transport"
)

var log = logging.Logger("daemon")

// muxSocket isolates daemon sessions from the user's interactive tmux server.
const muxSocket = "ras"

// touchInterval debounces last-seen persistence. Every inbound frame counts
// as activity; rewriting devices.json per key press would thrash the disk.
const touchInterval = 30 * time.Second

// Options carries everything the daemon needs to start.
type Options struct {
	CfgPath string
	Cfg     config.Config
}

// Daemon is the assembled process.
type Daemon struct {
	cfg     config.Config
	dataDir string

	mux        *tmux.Client
	store      *devices.Store
	conns      *conns.Manager
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	terminals  *terminal.Manager
	notify     *notify.Dispatcher
	clip       *clipboard.Manager
	pairing    *pairing.Coordinator
	ws         *transport.WSServer
	udp        *transport.UDPServer

	mu       sync.Mutex
	topics   map[string]*deviceTopic // device id -> relay subscription
	cancel   context.CancelFunc
	stopOnce sync.Once

	touchMu   sync.Mutex
	lastTouch map[string]time.Time // device id -> last persisted last-seen
}

// deviceTopic is one paired device's relay subscription for reconnection
// offers.
type deviceTopic struct {
	client  *relay.Client
	handler *signaling.Handler
}

// New builds the daemon: validates the environment, opens the stores, and
// wires the managers together. Nothing starts listening until Run.
func New(ctx context.Context, opt Options) (*Daemon, error) {
	cfg := opt.Cfg
	dataDir := config.ResolveDataDir(cfg, opt.CfgPath)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	mux := tmux.NewClient(cfg.Sessions.TmuxBin, muxSocket)
	if err := mux.VerifyInstalled(ctx); err != nil {
		return nil, fmt.Errorf("multiplexer check: %w", err)
	}

	store, err := devices.Open(filepath.Join(dataDir, "devices.json"))
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}

	clipboard.CleanupTempFiles(os.TempDir())

	d := &Daemon{
		cfg:     cfg,
		dataDir: dataDir,
		mux:     mux,
		store:   store,
		topics:  make(map[string]*deviceTopic),
	}

	d.dispatcher = dispatch.New()
	d.conns = conns.NewManager(
		func(conn *conns.Connection, data []byte) {
			d.dispatcher.Dispatch(conn, data)
			d.touchLastSeen(conn.DeviceID)
		},
		func(conn *conns.Connection) {
			d.terminals.ConnectionClosed(context.Background(), conn.DeviceID)
		},
	)

	d.sessions, err = session.NewManager(mux, cfg.Sessions, dataDir, d.broadcastEvent)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}
	if err := d.sessions.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("session reconciliation: %w", err)
	}

	d.terminals = terminal.NewManager(mux, d.sessions, filepath.Join(dataDir, "pipes"))
	d.notify = notify.NewDispatcher(d.broadcastEvent)
	d.terminals.OnOutput = d.notify.HandleOutput

	backend, err := clipboard.NewPlatformBackend()
	if err != nil {
		log.Warnf("clipboard backend unavailable: %v", err)
		backend = clipboard.UnavailableBackend(err)
	}
	d.clip = clipboard.NewManager(backend, d.typeIntoSession, os.TempDir(),
		cfg.Clipboard.MaxImageBytes, cfg.Clipboard.TextApprovalBytes)

	d.pairing = pairing.NewCoordinator(pairing.Config{
		DaemonDeviceID: cfg.Daemon.DeviceID,
		Hostname:       cfg.Daemon.DisplayName,
		RelayServer:    cfg.Relay.Server,
		ListenAddr:     cfg.Listen.PairingAddr,
		Peer:           d.peerConfig(),
		Devices:        store,
		OnPaired: func(p *peer.Peer, deviceID, deviceName string) {
			d.conns.Add(deviceID, "webrtc", p)
			d.watchDevice(deviceID)
		},
	})

	d.registerHandlers()
	return d, nil
}

func (d *Daemon) peerConfig() peer.Config {
	return peer.Config{
		STUNServers:  d.cfg.WebRTC.STUNServers,
		VPNAddresses: d.cfg.WebRTC.VPNAddresses,
	}
}

// Run starts the listeners and relay subscriptions, then blocks until ctx is
// cancelled or a listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer d.Stop()

	errCh := make(chan error, 2)

	if d.cfg.Listen.WebSocketAddr != "" {
		d.ws = transport.NewWSServer(d.cfg.Listen.WebSocketAddr, d.store, d.registerLink)
		go func() {
			if err := d.ws.Serve(); err != nil {
				errCh <- fmt.Errorf("websocket listener: %w", err)
			}
		}()
	}
	if d.cfg.Listen.UDPAddr != "" {
		udp, err := transport.NewUDPServer(d.cfg.Listen.UDPAddr, d.store, d.registerLink)
		if err != nil {
			return fmt.Errorf("udp listener: %w", err)
		}
		d.udp = udp
		go func() {
			if err := udp.Serve(); err != nil {
				errCh <- fmt.Errorf("udp listener: %w", err)
			}
		}()
	}

	for _, dev := range d.store.List() {
		d.watchDevice(dev.DeviceID)
	}

	log.Infof("daemon %s up: %d paired devices, %d sessions",
		d.cfg.Daemon.DeviceID, d.store.Len(), d.sessions.Count())

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// registerLink hands an authenticated transport link to the connection
// manager.
func (d *Daemon) registerLink(deviceID, transportName string, link conns.Link) {
	d.conns.Add(deviceID, transportName, link)
	d.store.TouchLastSeen(deviceID)
}

// touchLastSeen persists a device's last-seen time at most once per
// touchInterval.
func (d *Daemon) touchLastSeen(deviceID string) {
	now := time.Now()
	d.touchMu.Lock()
	if last, ok := d.lastTouch[deviceID]; ok && now.Sub(last) < touchInterval {
		d.touchMu.Unlock()
		return
	}
	if d.lastTouch == nil {
		d.lastTouch = make(map[string]time.Time)
	}
	d.lastTouch[deviceID] = now
	d.touchMu.Unlock()
	d.store.TouchLastSeen(deviceID)
}

// watchDevice subscribes to a paired device's relay topic so it can
// reconnect over WebRTC from anywhere. Idempotent per device.
func (d *Daemon) watchDevice(deviceID string) {
	dev, ok := d.store.Get(deviceID)
	if !ok {
		return
	}

	d.mu.Lock()
	if _, exists := d.topics[deviceID]; exists {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	signingKey := keys.SignalingKey(dev.MasterSecret)
	topic := keys.Topic(dev.MasterSecret)

	var h *signaling.Handler
	rc := relay.NewClient(d.cfg.Relay.Server, topic, func(payload string) {
		h.HandleMessage(context.Background(), payload)
	})
	h = signaling.New(signaling.Config{
		Mode:       signaling.ModeReconnection,
		SigningKey: signingKey,
		Publisher:  rc,
		Peer:       d.peerConfig(),
		OnConnected: func(p *peer.Peer, _, _ string) {
			// The topic is derived from this device's secret; only the
			// paired device can produce a decryptable offer on it.
			d.conns.Add(deviceID, "webrtc", p)
			d.store.TouchLastSeen(deviceID)
		},
	})

	d.mu.Lock()
	if _, exists := d.topics[deviceID]; exists {
		d.mu.Unlock()
		rc.Stop()
		return
	}
	d.topics[deviceID] = &deviceTopic{client: rc, handler: h}
	d.mu.Unlock()

	rc.Subscribe(context.Background())
	log.Infof("watching relay topic for device %s", deviceID)
}

// Unpair removes a device: its record, its relay subscription, and any live
// connection.
func (d *Daemon) Unpair(deviceID string) error {
	if err := d.store.Remove(deviceID); err != nil {
		return err
	}
	d.mu.Lock()
	t := d.topics[deviceID]
	delete(d.topics, deviceID)
	d.mu.Unlock()
	if t != nil {
		t.client.Stop()
		t.handler.Stop()
	}
	d.conns.Close(deviceID)
	return nil
}

// Pairing exposes the coordinator for the CLI.
func (d *Daemon) Pairing() *pairing.Coordinator { return d.pairing }

// Devices exposes the store for the CLI.
func (d *Daemon) Devices() *devices.Store { return d.store }

// Sessions exposes the session manager for the CLI.
func (d *Daemon) Sessions() *session.Manager { return d.sessions }

// Stop shuts everything down. Idempotent; connections close in parallel.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		log.Info("shutting down")

		d.mu.Lock()
		cancel := d.cancel
		topics := d.topics
		d.topics = make(map[string]*deviceTopic)
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		d.pairing.StopPairing()
		for _, t := range topics {
			t.client.Stop()
			t.handler.Stop()
		}

		if d.ws != nil {
			ctx, c := context.WithTimeout(context.Background(), 5*time.Second)
			d.ws.Shutdown(ctx)
			c()
		}
		if d.udp != nil {
			d.udp.Close()
		}

		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		d.terminals.Shutdown(shutdownCtx)
		c()
		d.conns.Shutdown()
	})
}

// broadcastEvent fans an event out to every connected device.
func (d *Daemon) broadcastEvent(evt proto.Event) {
	d.conns.Broadcast(evt.Marshal())
}

// typeIntoSession is the clipboard manager's bridge into tmux.
func (d *Daemon) typeIntoSession(ctx context.Context, sessionID string, data []byte) error {
	rec, ok := d.sessions.Get(sessionID)
	if !ok {
		return errors.New("session not found")
	}
	return d.mux.SendKeys(ctx, rec.MuxName, data, true)
}
