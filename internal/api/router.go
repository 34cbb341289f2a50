// Package api maps HTTP requests onto the auth and membership services.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmynk/groupchat/internal/metrics"
	"github.com/mmynk/groupchat/internal/middleware"
	"github.com/mmynk/groupchat/internal/realtime"
	"github.com/mmynk/groupchat/internal/service"
)

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Auth       *service.AuthService
	Membership *service.MembershipService
	Hub        *realtime.Hub
	Sessions   *middleware.Auth
	Origins    *middleware.Origins
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer // nil disables /metrics
}

// Handler serves the API.
type Handler struct {
	auth       *service.AuthService
	membership *service.MembershipService
	hub        *realtime.Hub
	sessions   *middleware.Auth
	upgrader   websocket.Upgrader
}

// NewRouter builds the route table. The result still needs CORS wrapping
// for browser clients, see middleware.CORS.
func NewRouter(d Deps) *mux.Router {
	h := &Handler{
		auth:       d.Auth,
		membership: d.Membership,
		hub:        d.Hub,
		sessions:   d.Sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     d.Origins.CheckOrigin,
		},
	}
	requireAuth := d.Sessions.RequireAuth

	r := mux.NewRouter()
	r.Use(middleware.Logging(d.Metrics))
	setFallbacks(r)

	// subrouters do not inherit the fallback handlers
	api := r.PathPrefix("/api").Subrouter()
	setFallbacks(api)
	api.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	api.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	api.Handle("/logout", requireAuth(http.HandlerFunc(h.Logout))).Methods(http.MethodPost)
	api.Handle("/me", requireAuth(http.HandlerFunc(h.Me))).Methods(http.MethodGet)

	api.Handle("/groups", requireAuth(http.HandlerFunc(h.CreateGroup))).Methods(http.MethodPost)
	api.Handle("/groups/join-by-name", requireAuth(http.HandlerFunc(h.CreateOrJoin))).Methods(http.MethodPost)
	api.Handle("/groups/{id:[0-9]+}", d.Sessions.OptionalAuth(http.HandlerFunc(h.GetGroup))).Methods(http.MethodGet)
	api.Handle("/groups/{id:[0-9]+}", requireAuth(http.HandlerFunc(h.DeleteGroup))).Methods(http.MethodDelete)
	api.Handle("/groups/{id:[0-9]+}/join", requireAuth(http.HandlerFunc(h.JoinGroup))).Methods(http.MethodPost)
	api.Handle("/groups/{id:[0-9]+}/action", requireAuth(http.HandlerFunc(h.RecordAction))).Methods(http.MethodPost)

	r.Handle("/ws", requireAuth(http.HandlerFunc(h.ServeWS))).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// setFallbacks installs JSON replies for unknown routes and wrong methods.
func setFallbacks(r *mux.Router) {
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no such route"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})
}

// Health reports that the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
