package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// Handler upgrades HTTP requests and pumps frames into the Manager.
type Handler struct {
	manager  *Manager
	cfg      Config
	clock    clockwork.Clock
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates the downstream WebSocket handler.
func NewHandler(manager *Manager, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		manager: manager,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	id := h.manager.Accept(&wsTransport{conn: conn, writeTimeout: h.cfg.WriteTimeout})
	defer h.manager.Close(id)

	// Two missed pongs close the connection.
	pongWait := 2 * h.cfg.PingInterval
	conn.SetReadLimit(h.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.pingLoop(conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "conn_id", id, "err", err)
			}
			return
		}
		h.manager.HandleInbound(id, data)
	}
}

func (h *Handler) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := h.clock.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
