package server

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const alertWriteTimeout = 5 * time.Second

// handleAlertStream pushes health alerts to the client as JSON messages
// over a websocket, one message per alert, until the client disconnects.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.CloseNow()

	alerts := s.monitor.Subscribe()
	defer s.monitor.Unsubscribe(alerts)

	// Reads are discarded; the stream is one-way. CloseRead surfaces the
	// client disconnect through the returned context.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case alert := <-alerts:
			writeCtx, cancel := context.WithTimeout(ctx, alertWriteTimeout)
			err := wsjson.Write(writeCtx, conn, alert)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("Alert stream write failed, dropping client")
				return
			}
		}
	}
}
