package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/logstream"
)

const logWriteTimeout = 5 * time.Second

// streamLogs upgrades to a websocket and forwards every log line published
// while the client stays connected (GET /api/v1/agent/logs).
func (s *Server) streamLogs(c echo.Context) error {
	if s.hub == nil {
		return echo.NewHTTPError(http.StatusNotFound, "log streaming is disabled")
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Debug("websocket accept", log.Error(err))
		return nil
	}
	defer conn.CloseNow()

	sub, err := s.hub.Subscribe(logstream.DefaultBuffer)
	if err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil
	}
	defer s.hub.Unsubscribe(sub.ID)
	s.logger.Debug("log stream client connected", "subscriber", sub.ID)

	// Clients only listen; CloseRead ends ctx when they go away.
	ctx := conn.CloseRead(c.Request().Context())
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("log stream client disconnected", "subscriber", sub.ID, "dropped", sub.Dropped())
			return nil
		case line, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, logWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, []byte(line))
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					s.logger.Debug("log stream write failed", "subscriber", sub.ID, log.Error(err))
				}
				return nil
			}
		}
	}
}
