package api

import (
	"log/slog"
	"net/http"

	"github.com/mmynk/groupchat/internal/middleware"
)

// CreateGroup always creates a new group owned by the caller.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, r, err)
		return
	}

	group, err := h.membership.CreateGroup(r.Context(), middleware.GetSession(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newGroupResponse(group))
}

// CreateOrJoin joins the group with the given name, creating it if needed.
func (h *Handler) CreateOrJoin(w http.ResponseWriter, r *http.Request) {
	var req joinByNameRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, r, err)
		return
	}

	group, err := h.membership.CreateOrJoin(r.Context(), middleware.GetSession(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGroupResponse(group))
}

// GetGroup returns a group snapshot. Login is optional.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := groupID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Debug("Group requested", "group_id", id, "username", middleware.GetUsername(r.Context()))

	group, err := h.membership.GetGroup(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGroupResponse(group))
}

// DeleteGroup deletes a group the caller is a member of.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := groupID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.membership.DeleteGroup(r.Context(), middleware.GetSession(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, success)
}

// JoinGroup adds a user, the caller by default, to the group.
func (h *Handler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	id, err := groupID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req joinRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := h.membership.JoinGroup(r.Context(), middleware.GetSession(r.Context()), id, req.Username); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, success)
}

// RecordAction stores and broadcasts the caller's latest action.
func (h *Handler) RecordAction(w http.ResponseWriter, r *http.Request) {
	id, err := groupID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req actionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.membership.RecordAction(r.Context(), middleware.GetSession(r.Context()), id, req.Action); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, success)
}
