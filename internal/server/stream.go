package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/logging"
)

const wsWriteWait = 10 * time.Second

// events yields the metadata header followed by every record.
func (res result) events() []fetch.StreamEvent {
	out := make([]fetch.StreamEvent, 0, len(res.records)+1)
	md := res.meta
	out = append(out, fetch.StreamEvent{Metadata: &md})
	for _, rec := range res.records {
		out = append(out, fetch.StreamEvent{Key: rec.Key, Value: rec.Value})
	}
	return out
}

// pause waits between chunks; it reports false once ctx is done.
func (s *Server) pause(ctx context.Context) bool {
	if s.streamDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.streamDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Server) writeNDJSON(ctx context.Context, w http.ResponseWriter, res result) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for i, ev := range res.events() {
		if err := enc.Encode(ev); err != nil {
			logging.FromContext(ctx, s.log).Debug(ctx, "ndjson stream aborted", logging.Err(err))
			return
		}
		if (i+1)%s.flushEvery == 0 {
			if flusher != nil {
				flusher.Flush()
			}
			if !s.pause(ctx) {
				return
			}
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ds, q, err := s.prepare(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.answer(r.Context(), ds, q)
	if err != nil {
		writeError(w, err)
		return
	}

	log := s.requestLog(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Debug(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	// The hijacked connection outlives r.Context(); a reader notices the peer
	// going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for i, ev := range res.events() {
		msg, err := json.Marshal(ev)
		if err != nil {
			log.Warn(ctx, "websocket encode failed", logging.Err(err))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug(ctx, "websocket stream aborted", logging.Err(err))
			return
		}
		if (i+1)%s.flushEvery == 0 && !s.pause(ctx) {
			return
		}
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsWriteWait))
}
