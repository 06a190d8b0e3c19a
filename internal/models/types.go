package models

// Role identifies which side of a job conversation a user is acting on.
type Role string

const (
	RoleHomeowner    Role = "homeowner"
	RoleTradesperson Role = "tradesperson"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleHomeowner || r == RoleTradesperson
}

// Other returns the opposite party's role.
func (r Role) Other() Role {
	if r == RoleHomeowner {
		return RoleTradesperson
	}
	return RoleHomeowner
}

// MessageType represents the kind of payload a message carries.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message. Transitions only move forward.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.rank() > s.rank()
}

// Actor is the authenticated party making a request.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
