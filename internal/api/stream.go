package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/steps"
)

const (
	streamBuffer       = 16
	streamWriteTimeout = 5 * time.Second
)

// StreamEvent is one frame on /v1/stream.
type StreamEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// stream pushes sync results and step updates to a websocket client until
// either side goes away. Slow clients lose frames rather than block sync.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("stream accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	frames := make(chan StreamEvent, streamBuffer)
	offer := func(evt StreamEvent) {
		select {
		case frames <- evt:
		default:
		}
	}

	unsubscribe := h.sync.AddListener(func(result domain.SyncResult) {
		offer(StreamEvent{Type: "sync", Data: result})
	})
	defer unsubscribe()
	if h.steps != nil {
		unsubscribeSteps := h.steps.AddListener(func(u steps.Update) {
			offer(StreamEvent{Type: "steps", Data: u})
		})
		defer unsubscribeSteps()
	}

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt := <-frames:
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
