package daemon

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mbucko/remote-agent-shell/internal/conns"
	"github.com/mbucko/remote-agent-shell/internal/dispatch"
	"github.com/mbucko/remote-agent-shell/internal/proto"
	"github.com/mbucko/remote-agent-shell/internal/session"
)

func (d *Daemon) registerHandlers() {
	d.dispatcher.Register(proto.CmdSession, d.handleSession)
	d.dispatcher.Register(proto.CmdTerminal, d.handleTerminal)
	d.dispatcher.Register(proto.CmdClipboard, d.handleClipboard)
	d.dispatcher.Register(proto.CmdPing, func(_ context.Context, conn *conns.Connection, _ proto.Command) error {
		dispatch.SendEvent(conn, proto.Event{Type: proto.EvtPong})
		return nil
	})
	d.dispatcher.Register(proto.CmdConnectionReady, func(_ context.Context, conn *conns.Connection, _ proto.Command) error {
		// The device finished its own setup; greet it with the session list.
		return d.sendSessionList(context.Background(), conn)
	})
}

func (d *Daemon) handleSession(ctx context.Context, conn *conns.Connection, cmd proto.Command) error {
	var sc proto.SessionCommand
	if err := json.Unmarshal(cmd.Payload, &sc); err != nil {
		dispatch.SendError(conn, proto.CodeUnknownCommand, "bad session payload")
		return err
	}

	switch sc.Action {
	case proto.SessionCreate:
		_, err := d.sessions.Create(ctx, conn.DeviceID, sc.DisplayName, sc.Directory, sc.Agent)
		return d.reportSessionErr(conn, sc.SessionID, err)

	case proto.SessionKill:
		err := d.sessions.Kill(ctx, sc.SessionID, func(r session.Record) {
			d.terminals.SessionKilled(ctx, r.ID)
			d.notify.SessionClosed(r.ID)
		})
		return d.reportSessionErr(conn, sc.SessionID, err)

	case proto.SessionRename:
		_, err := d.sessions.Rename(sc.SessionID, sc.DisplayName)
		return d.reportSessionErr(conn, sc.SessionID, err)

	case proto.SessionList:
		return d.sendSessionList(ctx, conn)

	case proto.SessionGetAgents:
		dispatch.SendEvent(conn, proto.Event{Type: proto.EvtAgents, Payload: d.sessions.Agents()})
		return nil

	case proto.SessionGetDirectories:
		dispatch.SendEvent(conn, proto.Event{Type: proto.EvtDirectories, Payload: d.sessions.Directories()})
		return nil

	default:
		dispatch.SendError(conn, proto.CodeUnknownCommand, "unknown session action "+sc.Action)
		return nil
	}
}

func (d *Daemon) sendSessionList(ctx context.Context, conn *conns.Connection) error {
	records, err := d.sessions.List(ctx)
	if err != nil {
		return d.reportSessionErr(conn, "", err)
	}
	dispatch.SendEvent(conn, proto.Event{Type: proto.EvtSessionList, Payload: records})
	return nil
}

// reportSessionErr converts a session manager error into an error event for
// the requesting device. Broadcast success events come from the emitter.
func (d *Daemon) reportSessionErr(conn *conns.Connection, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	var se *session.Error
	if errors.As(err, &se) {
		dispatch.SendEvent(conn, proto.Event{Type: proto.EvtError, Payload: proto.ErrorEvent{
			SessionID: sessionID,
			Code:      se.Code,
			Message:   se.Message,
		}})
		return nil
	}
	dispatch.SendError(conn, proto.CodeTmuxError, err.Error())
	return err
}

func (d *Daemon) handleTerminal(ctx context.Context, conn *conns.Connection, cmd proto.Command) error {
	var tc proto.TerminalCommand
	if err := json.Unmarshal(cmd.Payload, &tc); err != nil {
		dispatch.SendError(conn, proto.CodeUnknownCommand, "bad terminal payload")
		return err
	}

	switch tc.Action {
	case proto.TerminalAttach:
		d.terminals.Attach(ctx, conn, tc.SessionID, tc.FromSequence)
	case proto.TerminalDetach:
		d.terminals.Detach(ctx, conn, tc.SessionID)
	case proto.TerminalInput:
		d.terminals.Input(ctx, conn, tc.SessionID, tc.Keys)
	case proto.TerminalResize:
		d.terminals.Resize(ctx, conn, tc.SessionID, tc.Cols, tc.Rows)
	default:
		dispatch.SendError(conn, proto.CodeUnknownCommand, "unknown terminal action "+tc.Action)
	}
	return nil
}

func (d *Daemon) handleClipboard(ctx context.Context, conn *conns.Connection, cmd proto.Command) error {
	var cc proto.ClipboardCommand
	if err := json.Unmarshal(cmd.Payload, &cc); err != nil {
		dispatch.SendError(conn, proto.CodeUnknownCommand, "bad clipboard payload")
		return err
	}

	switch cc.Action {
	case proto.ClipboardImageStart:
		d.clip.ImageStart(ctx, conn, cc)
	case proto.ClipboardImageChunk:
		d.clip.ImageChunk(ctx, conn, cc)
	case proto.ClipboardImageCancel:
		d.clip.ImageCancel(ctx, conn, cc)
	case proto.ClipboardTextPaste:
		d.clip.TextPaste(ctx, conn, cc)
	case proto.ClipboardTextPasteApproved:
		d.clip.TextPasteApproved(ctx, conn, cc)
	default:
		dispatch.SendError(conn, proto.CodeUnknownCommand, "unknown clipboard action "+cc.Action)
	}
	return nil
}
