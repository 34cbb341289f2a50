package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mmynk/groupchat/internal/middleware"
	"github.com/mmynk/groupchat/internal/models"
	"github.com/mmynk/groupchat/internal/realtime"
)

// ServeWS upgrades to a websocket bound to the caller's session. An optional
// group_id query parameter subscribes the connection right away.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	var initial int64
	if raw := r.URL.Query().Get("group_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, models.Invalidf("invalid group_id"))
			return
		}
		initial = id
	}

	sess := middleware.GetSession(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		slog.Warn("Websocket upgrade failed", "username", sess.Username, "error", err)
		return
	}

	client := realtime.NewClient(conn, h.hub, sess, h.membership)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}
	slog.Info("Websocket connected", "client_id", client.ID(), "username", sess.Username, "group_id", initial)
	if initial != 0 && !client.Subscribe(initial) {
		slog.Warn("Initial subscription failed", "client_id", client.ID(), "group_id", initial)
	}
}
