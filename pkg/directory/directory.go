package directory

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
)

// UnreadCounter derives unread counts. *store.Store implements it.
type UnreadCounter interface {
	Unread(roomID, viewer string) int
}

// Summary is a room list entry.
type Summary struct {
	Room chat.Room
	// Unread is the number of messages from others after the viewer's read marker.
	Unread int
	// Partial is set while the room is only known from a push event and its
	// details could not be fetched yet.
	Partial bool
}

type entry struct {
	room    chat.Room
	partial bool
}

// Directory is the room list of one viewer.
type Directory struct {
	viewer string
	unread UnreadCounter

	mu    sync.RWMutex
	rooms map[string]*entry
}

func New(viewer string, unread UnreadCounter) *Directory {
	return &Directory{
		viewer: viewer,
		unread: unread,
		rooms:  make(map[string]*entry),
	}
}

// Upsert stores a room descriptor from the server. The last message summary
// never moves back in time.
func (d *Directory) Upsert(room chat.Room) error {
	if err := room.Validate(); err != nil {
		return err
	}
	room = room.Clone()

	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.rooms[room.ID]; ok && newer(cur.room.LastMessage, room.LastMessage) {
		room.LastMessage = cur.room.LastMessage
	}
	d.rooms[room.ID] = &entry{room: room}
	return nil
}

// newer reports whether a is more recent than b.
func newer(a, b *chat.Summary) bool {
	if a == nil {
		return false
	}
	return b == nil || a.At.After(b.At)
}

// Placeholder records a room known only from a push event. The viewer is
// listed under role until Upsert brings the real descriptor. It does nothing
// when the room is already known.
func (d *Directory) Placeholder(roomID string, role chat.Role, summary *chat.Summary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rooms[roomID]; ok {
		return
	}
	room := chat.Room{
		ID:           roomID,
		Participants: []chat.Participant{{UserID: d.viewer, Role: role}},
	}
	if summary != nil {
		s := *summary
		room.LastMessage = &s
	}
	d.rooms[roomID] = &entry{room: room, partial: true}
}

// Touch updates the last message summary of a known room. It returns false
// for an unknown room so the caller can fetch it.
func (d *Directory) Touch(roomID string, summary chat.Summary) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	if newer(&summary, e.room.LastMessage) {
		e.room.LastMessage = &summary
	}
	return true
}

func (d *Directory) Get(roomID string) (chat.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.rooms[roomID]
	if !ok {
		return chat.Room{}, false
	}
	return e.room.Clone(), true
}

// Partial reports whether the room is known but its details are missing.
func (d *Directory) Partial(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.rooms[roomID]
	return ok && e.partial
}

// List returns the rooms in which the viewer takes part under role, most
// recent first. Rooms without messages come last, ties are ordered by id.
func (d *Directory) List(role chat.Role) []Summary {
	d.mu.RLock()
	list := make([]Summary, 0, len(d.rooms))
	for _, e := range d.rooms {
		if !e.room.HasMember(d.viewer, role) {
			continue
		}
		list = append(list, Summary{Room: e.room.Clone(), Partial: e.partial})
	}
	d.mu.RUnlock()

	if d.unread != nil {
		for i := range list {
			list[i].Unread = d.unread.Unread(list[i].Room.ID, d.viewer)
		}
	}
	slices.SortFunc(list, func(a, b Summary) int {
		if c := compareRecency(a.Room.LastMessage, b.Room.LastMessage); c != 0 {
			return c
		}
		return cmp.Compare(a.Room.ID, b.Room.ID)
	})
	return list
}

func compareRecency(a, b *chat.Summary) int {
	var at, bt time.Time
	if a != nil {
		at = a.At
	}
	if b != nil {
		bt = b.At
	}
	return bt.Compare(at)
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

// IDs lists every known room.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.rooms))
	for id := range d.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (d *Directory) Evict(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rooms, roomID)
}

func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms = make(map[string]*entry)
}
