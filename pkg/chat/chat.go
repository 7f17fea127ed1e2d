package chat

import (
	"slices"
	"time"
)

// Role is the portal a user acts through. The same user id may act as a
// client in one room and as a guide in another.
type Role string

const (
	Client Role = "client"
	Guide  Role = "guide"
	Vendor Role = "vendor"
)

// Roles lists every role the protocol knows about.
var Roles = []Role{Client, Guide, Vendor}

func (r Role) Valid() bool {
	return slices.Contains(Roles, r)
}

// RoomKind determines which participants a room may have and whether it
// carries a quote negotiation.
type RoomKind string

const (
	// DirectRoom is a one to one chat between two users.
	DirectRoom RoomKind = "direct"
	// GroupRoom is a trip chat whose members are fixed when a package is assigned.
	GroupRoom RoomKind = "group"
	// GuideRoom is a one to one chat between a client and a local guide that
	// also carries quote negotiation.
	GuideRoom RoomKind = "guide"
)

func (k RoomKind) Valid() bool {
	switch k {
	case DirectRoom, GroupRoom, GuideRoom:
		return true
	}
	return false
}

// Participant is a member of a room acting under a role.
type Participant struct {
	UserID string `json:"userId" validate:"required"`
	Role   Role   `json:"role" validate:"required,role"`
	Name   string `json:"name,omitempty"`
}

// Summary is the denormalized last message of a room.
type Summary struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Room identifies a conversation context.
type Room struct {
	ID           string        `json:"roomId" validate:"required"`
	Kind         RoomKind      `json:"kind" validate:"required,roomkind"`
	Name         string        `json:"name,omitempty"`
	Participants []Participant `json:"participants" validate:"min=2,dive"`
	// BookingID is set when the chat was started from a booking or a post.
	BookingID   string   `json:"bookingId,omitempty"`
	LastMessage *Summary `json:"lastMessage,omitempty"`
}

// Validate checks the room descriptor. Direct and guide rooms must have
// exactly two distinct participants, group rooms two or more.
func (r *Room) Validate() error {
	if err := validate.Struct(r); err != nil {
		return E("Room.Validate", ErrValidation, translate(err))
	}
	seen := make(map[string]bool, len(r.Participants))
	for _, p := range r.Participants {
		if seen[p.UserID] {
			return E("Room.Validate", ErrValidation, errDuplicateParticipant)
		}
		seen[p.UserID] = true
	}
	if r.Kind != GroupRoom && len(r.Participants) != 2 {
		return E("Room.Validate", ErrValidation, errParticipantCount)
	}
	return nil
}

// Member returns the participant entry of a user.
func (r Room) Member(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// HasMember reports whether the user takes part in the room under the role.
func (r Room) HasMember(userID string, role Role) bool {
	p, ok := r.Member(userID)
	return ok && p.Role == role
}

// Peer returns the other participant of a direct or guide room.
func (r Room) Peer(userID string) (Participant, bool) {
	if r.Kind == GroupRoom {
		return Participant{}, false
	}
	for _, p := range r.Participants {
		if p.UserID != userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (r Room) Clone() Room {
	c := r
	c.Participants = slices.Clone(r.Participants)
	if r.LastMessage != nil {
		s := *r.LastMessage
		c.LastMessage = &s
	}
	return c
}

// PresenceStatus is the last known connectivity of a peer.
type PresenceStatus int

const (
	// PresenceUnknown is reported until a check or push event settles the status,
	// and again after the local connection drops.
	PresenceUnknown PresenceStatus = iota
	PresenceOnline
	PresenceOffline
)

func (s PresenceStatus) String() string {
	switch s {
	case PresenceOnline:
		return "online"
	case PresenceOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Presence is the ephemeral status of a user. It is rebuilt on reconnect.
type Presence struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
}

func (p Presence) Online() bool {
	return p.Status == PresenceOnline
}
