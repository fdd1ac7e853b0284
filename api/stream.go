package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/telemetry"
)

// Keepalive tuning: the server pings inside the read window so a healthy
// client never times out.
const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	maxInbound = 512
)

// streamEvents upgrades GET /workflow/{id}/stream and feeds the
// workflow's trail over the socket: a replay of stored events after
// after_id first, then live events as they append. The subscription is
// taken before the replay and sequences dedupe the overlap, so the
// client sees every event exactly once, in order. If the live feed ever
// skips ahead (a slow consumer lost an event to the hub buffer), the
// gap is backfilled from the store before the stream continues.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	afterSeq, _, err := pageParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A missing workflow is an HTTP error, not a stream error; check
	// before upgrading.
	if _, err := s.workflows.Get(ctx, id); err != nil {
		s.writeFailure(w, r, "stream events", err)
		return
	}

	events, unsubscribe := s.jrnl.Subscribe(ctx, journal.Filter{WorkflowID: id})
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade wrote its own failure response.
		s.logger.WarnWithContext(ctx, "WebSocket upgrade failed", map[string]interface{}{
			"workflow_id": id, "error": err.Error(),
		})
		return
	}
	defer conn.Close()

	telemetry.Counter("aard.api.stream_opened")
	s.logger.DebugWithContext(ctx, "Event stream opened", map[string]interface{}{
		"workflow_id": id, "after_id": afterSeq,
	})

	// Read pump. The client sends nothing the server acts on, but the
	// reads surface closes and keep the pong handler running.
	closed := make(chan struct{})
	conn.SetReadLimit(maxInbound)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last, ok := s.replay(ctx, conn, id, afterSeq)
	if !ok {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case ev, open := <-events:
			if !open {
				// Hub shut down with the process.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if ev.Sequence <= last {
				continue
			}
			if ev.Sequence > last+1 {
				if last, ok = s.replay(ctx, conn, id, last); !ok {
					return
				}
				if ev.Sequence <= last {
					continue
				}
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			last = ev.Sequence
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// replay pages stored events with sequence > afterSeq onto the socket
// and returns the last sequence written.
func (s *Server) replay(ctx context.Context, conn *websocket.Conn, id string, afterSeq int64) (int64, bool) {
	last := afterSeq
	for {
		page, err := s.jrnl.ByWorkflow(ctx, id, last, journal.MaxPageLimit)
		if err != nil {
			s.logger.WarnWithContext(ctx, "Event replay failed", map[string]interface{}{
				"workflow_id": id, "error": err.Error(),
			})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "replay failed"),
				time.Now().Add(writeTimeout))
			return last, false
		}
		for _, ev := range page {
			if err := writeEvent(conn, ev); err != nil {
				return last, false
			}
			last = ev.Sequence
		}
		if len(page) < journal.MaxPageLimit {
			return last, true
		}
	}
}

func writeEvent(conn *websocket.Conn, ev *journal.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}
