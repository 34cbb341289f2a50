package api

import (
	"time"

	"github.com/mmynk/groupchat/internal/models"
	"github.com/mmynk/groupchat/internal/service"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (req credentialsRequest) validate() error {
	if req.Username == "" {
		return models.Invalidf("username is required")
	}
	if req.Password == "" {
		return models.Invalidf("password is required")
	}
	return nil
}

type createGroupRequest struct {
	Name       string `json:"name"`
	Theme      string `json:"theme"`
	MaxMembers *int   `json:"max_members"`
}

// toInput converts the request. An explicit max_members must be positive;
// leaving it out selects the default.
func (req createGroupRequest) toInput() (service.CreateGroupInput, error) {
	in := service.CreateGroupInput{Name: req.Name, Theme: req.Theme}
	if req.MaxMembers != nil {
		if *req.MaxMembers < 1 {
			return in, models.Invalidf("max_members must be at least 1")
		}
		in.MaxMembers = *req.MaxMembers
	}
	return in, in.Validate()
}

type joinByNameRequest struct {
	createGroupRequest
	Username string `json:"username"`
}

func (req joinByNameRequest) toInput() (service.CreateOrJoinInput, error) {
	group, err := req.createGroupRequest.toInput()
	return service.CreateOrJoinInput{CreateGroupInput: group, Username: req.Username}, err
}

type joinRequest struct {
	Username string `json:"username"`
}

type actionRequest struct {
	Action string `json:"action"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type userResponse struct {
	Username string  `json:"username"`
	Groups   []int64 `json:"groups"`
}

func newUserResponse(u *models.User) userResponse {
	groups := u.Groups
	if groups == nil {
		groups = []int64{}
	}
	return userResponse{Username: u.Username, Groups: groups}
}

type memberResponse struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

type groupResponse struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Theme      string            `json:"theme"`
	MaxMembers int               `json:"max_members"`
	Members    []memberResponse  `json:"members"`
	Actions    map[string]string `json:"actions"`
	CreatedAt  int64             `json:"created_at"`
}

func newGroupResponse(g *models.Group) groupResponse {
	members := make([]memberResponse, len(g.Members))
	for i, m := range g.Members {
		members[i] = memberResponse{Username: m.Username, Status: string(m.Status)}
	}
	actions := g.Actions
	if actions == nil {
		actions = map[string]string{}
	}
	return groupResponse{
		ID:         g.ID,
		Name:       g.Name,
		Theme:      g.Theme,
		MaxMembers: g.MaxMembers,
		Members:    members,
		Actions:    actions,
		CreatedAt:  g.CreatedAt,
	}
}
