package models

// DefaultMaxMembers is the capacity given to a group when the creator does
// not ask for one.
const DefaultMaxMembers = 8

// MaxGroupSize is the largest capacity a group may have.
const MaxGroupSize = 1000

// MemberStatus is the per-member flag stored on a group.
// It is recorded but does not gate any operation.
type MemberStatus string

const (
	StatusPending MemberStatus = "pending"
	StatusActive  MemberStatus = "active"
)

// Member is one entry of a group's member list.
type Member struct {
	Username string       `json:"username" bson:"username"`
	Status   MemberStatus `json:"status" bson:"status"`
}

// Group is a bounded-capacity collection of users.
//
// Invariants: len(Members) <= MaxMembers, and Members holds at most one
// entry per username.
type Group struct {
	// ID is the 7-digit numeric identifier, randomly assigned.
	ID int64

	// Name is the human-readable group name. Not unique.
	Name string

	// Theme is a free-text description of what the group is about.
	Theme string

	// MaxMembers is the capacity of the group.
	MaxMembers int

	// Members is the ordered member list, oldest first.
	Members []Member

	// Actions maps a username to the last action string it declared.
	Actions map[string]string

	// CreatedAt is the Unix timestamp when the group was created.
	CreatedAt int64
}

// HasMember reports whether username appears in the member list.
func (g *Group) HasMember(username string) bool {
	for _, m := range g.Members {
		if m.Username == username {
			return true
		}
	}
	return false
}

// IsFull reports whether the group has reached its capacity.
func (g *Group) IsFull() bool {
	return len(g.Members) >= g.MaxMembers
}

// Usernames returns the member usernames in list order.
func (g *Group) Usernames() []string {
	names := make([]string, len(g.Members))
	for i, m := range g.Members {
		names[i] = m.Username
	}
	return names
}
