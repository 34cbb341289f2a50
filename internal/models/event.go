package models

// Realtime event names emitted by the membership service.
const (
	EventUserJoined    = "user_joined"
	EventGroupDeleted  = "group_deleted"
	EventActionUpdated = "action_updated"
)

// UserJoinedPayload is the data of a user_joined event.
type UserJoinedPayload struct {
	UserName string `json:"user_name"`
}

// GroupDeletedPayload is the data of a group_deleted event.
type GroupDeletedPayload struct {
	GroupID int64 `json:"group_id"`
}

// ActionUpdatedPayload is the data of an action_updated event.
type ActionUpdatedPayload struct {
	UserName   string `json:"user_name"`
	YourAction string `json:"your_action"`
}
