package httpserver

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/beaconlabs/beacon/internal/realtime"
)

// clientCommand is the inbound message protocol spoken by connected clients.
type clientCommand struct {
	Action  string          `json:"action"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type clientAck struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleWebSocket upgrades the request, registers the connection, and runs its
// receive loop until the peer goes away.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Accept(c.Response(), c.Request())
	if err != nil {
		// The upgrader already wrote the HTTP error response.
		slog.Warn("WebSocket upgrade rejected", "remote_addr", c.Request().RemoteAddr, "error", err)
		return nil
	}

	if err := s.broadcaster.Register(conn, realtime.DefaultChannel); err != nil {
		conn.Close("registration rejected")
		return nil
	}

	if channel := c.QueryParam("channel"); channel != "" {
		if reason := clientChannelError(channel); reason != "" {
			_ = conn.SendJSON(clientAck{Event: "error", Channel: channel, Error: reason})
			conn.Close("registration rejected")
			return nil
		}
		if err := s.broadcaster.Register(conn, channel); err != nil {
			_ = conn.SendJSON(clientAck{Event: "error", Channel: channel, Error: err.Error()})
			conn.Close("registration rejected")
			return nil
		}
	}

	if sessionID := c.QueryParam("session"); sessionID != "" {
		if err := s.sessions.AddSession(sessionID, conn); err != nil {
			_ = conn.SendJSON(clientAck{Event: "error", Error: err.Error()})
			conn.Close("registration rejected")
			return nil
		}
	}

	slog.Debug("WebSocket client connected",
		"connection_id", conn.ID().String(),
		"remote_addr", c.Request().RemoteAddr,
	)

	s.readLoop(conn)
	return nil
}

func (s *Server) readLoop(conn *realtime.Connection) {
	// The broadcaster's close hook also drops the connection; this covers the
	// case where the loop exits while the transport is still open.
	defer s.broadcaster.Drop(conn)

	for {
		var cmd clientCommand
		if err := conn.ReceiveJSON(&cmd); err != nil {
			if stderrors.Is(err, realtime.ErrConnectionClosed) {
				slog.Debug("WebSocket client disconnected", "connection_id", conn.ID().String())
				return
			}

			var decodeErr *realtime.DecodingError
			if stderrors.As(err, &decodeErr) {
				_ = conn.SendJSON(clientAck{Event: "error", Error: "invalid JSON"})
				continue
			}

			slog.Warn("WebSocket receive failed", "connection_id", conn.ID().String(), "error", err)
			return
		}

		s.handleClientCommand(conn, cmd)
	}
}

// clientChannelError validates a client-supplied channel name. Session-scoped
// channels are reserved: only the session endpoints may address them.
func clientChannelError(name string) string {
	switch {
	case name == "":
		return "channel is required"
	case len(name) > maxChannelNameLength:
		return "channel name too long"
	case strings.ContainsAny(name, " \t\n"):
		return "channel name must not contain whitespace"
	case realtime.IsReservedChannel(name):
		return "channel name is reserved"
	}
	return ""
}

func (s *Server) handleClientCommand(conn *realtime.Connection, cmd clientCommand) {
	switch cmd.Action {
	case "subscribe":
		if reason := clientChannelError(cmd.Channel); reason != "" {
			_ = conn.SendJSON(clientAck{Event: "error", Channel: cmd.Channel, Error: reason})
			return
		}
		if err := s.broadcaster.Register(conn, cmd.Channel); err != nil {
			_ = conn.SendJSON(clientAck{Event: "error", Channel: cmd.Channel, Error: err.Error()})
			return
		}
		_ = conn.SendJSON(clientAck{Event: "subscribed", Channel: cmd.Channel})

	case "unsubscribe":
		if reason := clientChannelError(cmd.Channel); reason != "" {
			_ = conn.SendJSON(clientAck{Event: "error", Channel: cmd.Channel, Error: reason})
			return
		}
		s.broadcaster.Unregister(conn, cmd.Channel)
		_ = conn.SendJSON(clientAck{Event: "unsubscribed", Channel: cmd.Channel})

	case "publish":
		if reason := clientChannelError(cmd.Channel); reason != "" {
			_ = conn.SendJSON(clientAck{Event: "error", Channel: cmd.Channel, Error: reason})
			return
		}
		m, err := realtime.FromWire(realtime.KindJSON, cmd.Data)
		if err != nil || len(cmd.Data) == 0 {
			_ = conn.SendJSON(clientAck{Event: "error", Channel: cmd.Channel, Error: "data is required"})
			return
		}
		s.broadcaster.Broadcast(m, cmd.Channel)

	case "ping":
		_ = conn.SendJSON(clientAck{Event: "pong"})

	default:
		_ = conn.SendJSON(clientAck{Event: "error", Error: "unknown action"})
	}
}
