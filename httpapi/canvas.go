package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
)

const canvasWriteTimeout = 5 * time.Second

var canvasUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 32768,
	// Cookie auth already happened in requireSession; same-origin is
	// enforced by the session cookie's SameSite policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// canvasInput is a key or pointer event sent by the display canvas.
type canvasInput struct {
	Type     string `json:"type"`
	Scancode int    `json:"scancode"`
	Extended bool   `json:"extended"`
	Release  bool   `json:"release"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Buttons  int    `json:"buttons"`
	Wheel    int    `json:"wheel"`
}

// handleCanvas bridges one display tab to a websocket: engine frames go
// down as binary messages, key/pointer input comes up as JSON.
func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	key := schema.TabKey(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, schema.ErrInvalidRequest)
		return
	}
	log := logx.WithUserTab(r.Context(), userID, key)
	ctx := sessionContext(r.Context())

	conn, err := canvasUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("http canvas upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	frames, unsubscribe := s.hub.SubscribeFrames(userID)
	defer unsubscribe()
	log.Info("http canvas opened")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var input canvasInput
			if err := conn.ReadJSON(&input); err != nil {
				return
			}
			switch input.Type {
			case "key":
				_, _ = s.service.SendDisplayKey(ctx, schema.DisplayKeyRequest{
					UserID:   userID,
					Key:      key,
					Scancode: input.Scancode,
					Extended: input.Extended,
					Release:  input.Release,
				})
			case "pointer":
				_, _ = s.service.SendDisplayPointer(ctx, schema.DisplayPointerRequest{
					UserID:  userID,
					Key:     key,
					X:       input.X,
					Y:       input.Y,
					Buttons: input.Buttons,
					Wheel:   input.Wheel,
				})
			}
		}
	}()

	sessionDone := ctx.Done()
	for {
		select {
		case <-done:
			log.Info("http canvas closed")
			return
		case <-sessionDone:
			log.Info("http canvas closed", "reason", "session ended")
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if frame.Key != key {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(canvasWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
				log.Debug("http canvas write failed", "err", err)
				return
			}
		}
	}
}

// marshalCanvasInput is used by tests to build client messages.
func marshalCanvasInput(input canvasInput) []byte {
	data, _ := json.Marshal(input)
	return data
}
