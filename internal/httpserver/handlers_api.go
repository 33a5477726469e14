package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/beaconlabs/beacon/internal/errors"
	"github.com/beaconlabs/beacon/internal/platform/version"
	"github.com/beaconlabs/beacon/internal/realtime"
)

const maxChannelNameLength = 128

// broadcastRequest carries one payload variant; exactly one field must be set.
type broadcastRequest struct {
	Text   *string         `json:"text,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Binary *string         `json:"binary,omitempty"` // base64-encoded
}

func (r *broadcastRequest) toMessage() (realtime.Message, error) {
	set := 0
	if r.Text != nil {
		set++
	}
	if len(r.JSON) > 0 {
		set++
	}
	if r.Binary != nil {
		set++
	}
	if set != 1 {
		return realtime.Message{}, errors.ValidationError("exactly one of text, json, binary must be set")
	}

	switch {
	case r.Text != nil:
		return realtime.Text(*r.Text), nil
	case len(r.JSON) > 0:
		m, err := realtime.FromWire(realtime.KindJSON, r.JSON)
		if err != nil {
			return realtime.Message{}, errors.ValidationError("invalid json payload")
		}
		return m, nil
	default:
		data, err := base64.StdEncoding.DecodeString(*r.Binary)
		if err != nil {
			return realtime.Message{}, errors.ValidationError("binary must be valid base64")
		}
		return realtime.Binary(data), nil
	}
}

func channelNameParam(c echo.Context) (string, error) {
	name := c.Param("name")
	if name == "" {
		return "", errors.ValidationError("channel name is required")
	}
	if len(name) > maxChannelNameLength {
		return "", errors.ValidationError("channel name too long").WithContext("max_length", maxChannelNameLength)
	}
	if strings.ContainsAny(name, " \t\n") {
		return "", errors.ValidationError("channel name must not contain whitespace")
	}
	if realtime.IsReservedChannel(name) {
		return "", errors.ValidationError("channel name is reserved").WithContext("name", name)
	}
	return name, nil
}

func (s *Server) handleIndex(c echo.Context) error {
	response := map[string]any{
		"service": "beacon",
		"version": version.Get().Version,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write index response: %w", err)
	}
	return nil
}

func (s *Server) handleListChannels(c echo.Context) error {
	// Session-scoped channels are internal bookkeeping; the sessions endpoint
	// is their introspection surface.
	infos := make([]realtime.ChannelInfo, 0)
	for _, info := range s.broadcaster.ListChannels() {
		if realtime.IsReservedChannel(info.Name) {
			continue
		}
		infos = append(infos, info)
	}
	if err := c.JSON(http.StatusOK, map[string]any{"channels": infos}); err != nil {
		return fmt.Errorf("failed to write channels response: %w", err)
	}
	return nil
}

func (s *Server) handleCreateChannel(c echo.Context) error {
	name, err := channelNameParam(c)
	if err != nil {
		return err
	}

	s.broadcaster.CreateChannel(name)
	if err := c.JSON(http.StatusOK, map[string]string{"name": name}); err != nil {
		return fmt.Errorf("failed to write create channel response: %w", err)
	}
	return nil
}

func (s *Server) handleRemoveChannel(c echo.Context) error {
	name, err := channelNameParam(c)
	if err != nil {
		return err
	}

	s.broadcaster.RemoveChannel(name)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleBroadcast(c echo.Context) error {
	name, err := channelNameParam(c)
	if err != nil {
		return err
	}

	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError("invalid request body")
	}

	m, err := req.toMessage()
	if err != nil {
		return err
	}

	delivered := s.broadcaster.Broadcast(m, name)
	response := map[string]any{"channel": name, "delivered": delivered}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write broadcast response: %w", err)
	}
	return nil
}

func (s *Server) handleListSessions(c echo.Context) error {
	infos := s.sessions.Sessions()
	if err := c.JSON(http.StatusOK, map[string]any{"sessions": infos}); err != nil {
		return fmt.Errorf("failed to write sessions response: %w", err)
	}
	return nil
}

func (s *Server) handleSendToSession(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return errors.ValidationError("session id is required")
	}

	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError("invalid request body")
	}

	m, err := req.toMessage()
	if err != nil {
		return err
	}

	// A missing session is not an error; sessions race with cleanup.
	delivered := s.sessions.SendTo(id, m)
	response := map[string]any{"session": id, "delivered": delivered}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write send response: %w", err)
	}
	return nil
}

func (s *Server) handleRemoveSession(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return errors.ValidationError("session id is required")
	}

	s.sessions.RemoveSession(id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStats(c echo.Context) error {
	stats := s.broadcaster.GetStats()
	response := map[string]any{
		"connections":    stats.Connections,
		"channels":       stats.Channels,
		"sessions":       s.sessions.SessionCount(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write stats response: %w", err)
	}
	return nil
}
