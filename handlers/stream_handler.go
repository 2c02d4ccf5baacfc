package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/upb/llm-router/middleware"
	"github.com/upb/llm-router/services/inference"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/utils"
)

const (
	wsWriteWait    = 10 * time.Second
	wsRequestWait  = 30 * time.Second
	wsCloseTimeout = time.Second
)

// HandleStream handles POST /api/v1/chat/completions/stream as server-sent
// events. Each chunk is one event named after its type.
func (h *InferenceHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.WriteInternalServerError(w, "Streaming unsupported")
		return
	}

	var req inference.CompletionRequest
	if !h.decode(w, r, &req) {
		return
	}
	bindRequest(r.Context(), &req)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	chunks, requestID, err := h.service.Stream(ctx, &req)
	if err != nil {
		HandleServiceError(w, err, req.RequestID, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		if ctx.Err() != nil {
			continue
		}
		if err := writeEvent(w, chunk); err != nil {
			h.logger.Warn("stream write failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			cancel()
			continue
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, chunk providers.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", chunk.Sequence, chunk.Type, data)
	return err
}

// HandleWebSocket handles GET /api/v1/chat/completions/ws. The client sends
// one completion request as its first message and receives chunks as JSON
// text messages. The server closes the connection after the terminal chunk.
func (h *InferenceHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn("websocket upgrade failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	var req inference.CompletionRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait))
	if err := conn.ReadJSON(&req); err != nil {
		h.logger.Warn("failed to read websocket request", zap.Error(err))
		closeWS(conn, websocket.CloseUnsupportedData, "invalid request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	bindRequest(r.Context(), &req)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Any read error, including the client's close frame, cancels the stream
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	chunks, requestID, err := h.service.Stream(ctx, &req)
	if err != nil {
		_ = writeWS(conn, errorChunk(req.RequestID, err))
		closeWS(conn, websocket.CloseNormalClosure, "")
		return
	}

	for chunk := range chunks {
		if ctx.Err() != nil {
			continue
		}
		if err := writeWS(conn, chunk); err != nil {
			h.logger.Warn("websocket write failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			cancel()
		}
	}
	if ctx.Err() == nil {
		closeWS(conn, websocket.CloseNormalClosure, "")
	}
}

// errorChunk renders a refusal that happened before the stream opened
func errorChunk(requestID string, err error) providers.StreamChunk {
	return providers.StreamChunk{
		Type: providers.ChunkError,
		Error: &providers.ChunkFailure{
			Code:    inference.ErrorCode(err),
			Message: err.Error(),
		},
		Metadata: &providers.ResponseMetadata{RequestID: requestID},
	}
}

func writeWS(conn *websocket.Conn, chunk providers.StreamChunk) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(chunk)
}

func closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
}

// newUpgrader builds an upgrader accepting the given origins. Requests
// without an Origin header come from non-browser clients and are accepted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}
