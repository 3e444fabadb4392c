package notification

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HospitalResolver decides which hospital a WebSocket client listens for.
type HospitalResolver func(r *http.Request) (domain.HospitalID, bool)

// QueryHospital reads the hospital from the hospital_id query parameter.
func QueryHospital(r *http.Request) (domain.HospitalID, bool) {
	id := r.URL.Query().Get("hospital_id")
	return domain.HospitalID(id), id != ""
}

// WebSocketHandler streams a hospital's referral notifications to a browser.
type WebSocketHandler struct {
	hub     *Hub
	resolve HospitalResolver
	log     *zap.Logger
}

// NewWebSocketHandler binds the handler to hub. A nil resolver uses QueryHospital.
func NewWebSocketHandler(hub *Hub, resolve HospitalResolver, log *zap.Logger) *WebSocketHandler {
	if resolve == nil {
		resolve = QueryHospital
	}
	return &WebSocketHandler{hub: hub, resolve: resolve, log: log.Named("websocket")}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hospitalID, ok := h.resolve(r)
	if !ok {
		http.Error(w, "hospital_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := h.hub.Subscribe(hospitalID)
	h.log.Debug("client subscribed",
		zap.Uint64("subscription", sub.ID),
		zap.String("hospital_id", hospitalID.String()),
	)

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// readPump only watches for the client going away; clients send nothing.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Warn("failed to marshal notification", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.hub.Unsubscribe(sub)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Unsubscribe(sub)
				return
			}
		}
	}
}
