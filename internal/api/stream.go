package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/hemdan/internal/observe"
)

// Stream frame types sent to the client.
const (
	frameDelta = "delta"
	frameDone  = "done"
	frameError = "error"
)

// streamFrame is one server-to-client websocket message.
type streamFrame struct {
	Type string `json:"type"`

	// delta
	Text string `json:"text,omitempty"`

	// done
	*chatResponse

	// error
	Error string `json:"error,omitempty"`
}

// wsSink forwards reply fragments as delta frames.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s wsSink) Write(fragment string) error {
	return wsjson.Write(s.ctx, s.conn, streamFrame{Type: frameDelta, Text: fragment})
}

// handleStream handles GET /chat/stream. Each text message from the client
// is a chat request; the reply streams back as delta frames followed by one
// done frame. The connection stays open for further turns until the client
// closes it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	log := observe.Logger(ctx)
	for {
		var req chatRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			var ce websocket.CloseError
			if !errors.As(err, &ce) {
				log.Info("stream read ended", "err", err)
			}
			conn.Close(websocket.StatusUnsupportedData, "invalid request")
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			if err := wsjson.Write(ctx, conn, streamFrame{Type: frameError, Error: "message is required"}); err != nil {
				return
			}
			continue
		}

		reply, err := s.cfg.Dialogue.Stream(ctx, req.SessionID, req.Message, wsSink{ctx: ctx, conn: conn}, req.options()...)
		if err != nil {
			log.Info("stream turn aborted", "err", err)
			return
		}
		done := newChatResponse(reply)
		if err := wsjson.Write(ctx, conn, streamFrame{Type: frameDone, chatResponse: &done}); err != nil {
			return
		}
	}
}
