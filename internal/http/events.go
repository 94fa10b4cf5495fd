package http

import (
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/mathmentor/internal/events"
	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const eventBuffer = 64

// handleEvents streams solved and feedback events as server-sent events
// until the client goes away.
func (s *Server) handleEvents(c echo.Context) error {
	if s.deps.Events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus is disabled")
	}

	kind := c.QueryParam("kind")
	switch kind {
	case "":
		kind = "*"
	case events.KindSolved, events.KindFeedback:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be solved or feedback")
	}

	ch := make(chan *nats.Msg, eventBuffer)
	unsubscribe, err := s.deps.Events.Subscribe(s.deps.Events.Subject("*", kind), ch)
	if err != nil {
		s.logger.Error("subscribing to events", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus unavailable")
	}
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": subscribed\n\n"); err != nil {
		return nil
	}
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", events.Kind(msg.Subject), msg.Data); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return nil
			}
			w.Flush()
		}
	}
}
