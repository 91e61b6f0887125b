// Package dispatch routes inbound device commands to their handlers.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mbucko/remote-agent-shell/internal/conns"
	"github.com/mbucko/remote-agent-shell/internal/proto"
)

var log = logging.Logger("dispatch")

var commandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ras_commands_total",
	Help: "Commands dispatched, by type.",
}, []string{"type"})

// HandlerTimeout bounds a single command handler invocation.
const HandlerTimeout = 30 * time.Second

// Handler processes one command from one connection. Errors the device
// should see are sent by the handler itself as error events; a returned
// error is only logged.
type Handler func(ctx context.Context, conn *conns.Connection, cmd proto.Command) error

// Dispatcher holds the command-type registry.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	timeout  time.Duration
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		timeout:  HandlerTimeout,
	}
}

// Register binds a command type to a handler. Later registrations win.
func (d *Dispatcher) Register(cmdType string, h Handler) {
	d.mu.Lock()
	d.handlers[cmdType] = h
	d.mu.Unlock()
}

// Dispatch parses one inbound frame and runs its handler on a spawned
// goroutine so a slow command never stalls the transport's read loop.
// Unknown or unparseable commands earn an error event back to the device.
func (d *Dispatcher) Dispatch(conn *conns.Connection, data []byte) {
	var cmd proto.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Debugf("unparseable command from %s: %v", conn.DeviceID, err)
		SendError(conn, proto.CodeUnknownCommand, "command is not valid JSON")
		return
	}

	d.mu.RLock()
	h, ok := d.handlers[cmd.Type]
	d.mu.RUnlock()
	if !ok {
		log.Debugf("unknown command type %q from %s", cmd.Type, conn.DeviceID)
		SendError(conn, proto.CodeUnknownCommand, "unknown command type: "+cmd.Type)
		return
	}

	commandsHandled.WithLabelValues(cmd.Type).Inc()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := h(ctx, conn, cmd); err != nil {
			log.Warnf("%s command from %s failed: %v", cmd.Type, conn.DeviceID, err)
		}
	}()
}

// SendEvent marshals and sends one event, logging delivery failures.
func SendEvent(conn *conns.Connection, evt proto.Event) {
	if err := conn.Send(evt.Marshal()); err != nil {
		log.Debugf("send %s to %s: %v", evt.Type, conn.DeviceID, err)
	}
}

// SendError sends a structured error event.
func SendError(conn *conns.Connection, code, message string) {
	SendEvent(conn, proto.Event{
		Type:    proto.EvtError,
		Payload: proto.ErrorEvent{Code: code, Message: message},
	})
}
