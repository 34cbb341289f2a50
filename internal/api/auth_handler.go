package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/mmynk/groupchat/internal/middleware"
)

// Register creates an account.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// Login returns a token and also stores it in the session cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	token, sess, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	maxAge := int(time.Until(sess.ExpiresAt).Seconds())
	if err := h.sessions.SaveToken(w, r, token, maxAge); err != nil {
		slog.Warn("Failed to set session cookie", "username", sess.Username, "error", err)
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		Username:  sess.Username,
		ExpiresAt: sess.ExpiresAt,
	})
}

// Logout ends the current session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), middleware.GetSession(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.sessions.ClearToken(w, r); err != nil {
		slog.Warn("Failed to clear session cookie", "error", err)
	}
	writeJSON(w, http.StatusOK, success)
}

// Me returns the logged-in user and its groups.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.CurrentUser(r.Context(), middleware.GetSession(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}
