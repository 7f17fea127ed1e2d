package dispatch

import (
	"fmt"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
)

// Endpoints are the event names and REST paths a role uses for the same
// logical actions.
type Endpoints struct {
	StartChat   string
	SendMessage string
	// SendGuideMessage is used instead of SendMessage in guide rooms.
	SendGuideMessage string
	HistoryPath      string
}

// SendEvent selects the send event for a room kind.
func (e Endpoints) SendEvent(kind chat.RoomKind) string {
	if kind == chat.GuideRoom {
		return e.SendGuideMessage
	}
	return e.SendMessage
}

func (e Endpoints) validate() error {
	if e.StartChat == "" || e.SendMessage == "" || e.SendGuideMessage == "" || e.HistoryPath == "" {
		return fmt.Errorf("incomplete endpoints %+v", e)
	}
	return nil
}

// RoleTable maps every role to its endpoints.
type RoleTable map[chat.Role]Endpoints

// NewRoleTable checks that m covers exactly the known roles.
func NewRoleTable(m map[chat.Role]Endpoints) (RoleTable, error) {
	for role, e := range m {
		if !role.Valid() {
			return nil, fmt.Errorf("role table: unknown role %q", role)
		}
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("role table: %s: %w", role, err)
		}
	}
	for _, role := range chat.Roles {
		if _, ok := m[role]; !ok {
			return nil, fmt.Errorf("role table: missing role %q", role)
		}
	}
	t := make(RoleTable, len(m))
	for role, e := range m {
		t[role] = e
	}
	return t, nil
}

func MustRoleTable(m map[chat.Role]Endpoints) RoleTable {
	t, err := NewRoleTable(m)
	if err != nil {
		panic(err)
	}
	return t
}

// Endpoints returns the endpoints of role. An unknown role is a programming
// error and panics.
func (t RoleTable) Endpoints(role chat.Role) Endpoints {
	e, ok := t[role]
	if !ok {
		panic(fmt.Sprintf("dispatch: unknown role %q", role))
	}
	return e
}

var DefaultRoles = MustRoleTable(map[chat.Role]Endpoints{
	chat.Client: {
		StartChat:        proto.StartChat,
		SendMessage:      proto.SendMessage,
		SendGuideMessage: proto.LocalGuideMessage,
		HistoryPath:      "/chats",
	},
	chat.Guide: {
		StartChat:        proto.GuideStartChat,
		SendMessage:      proto.GuideSendMessage,
		SendGuideMessage: proto.GuideSendMessage,
		HistoryPath:      "/guide/chats",
	},
	chat.Vendor: {
		StartChat:        proto.VendorStartChat,
		SendMessage:      proto.VendorSendMessage,
		SendGuideMessage: proto.VendorSendMessage,
		HistoryPath:      "/vendor/chats",
	},
})
