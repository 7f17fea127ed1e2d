package chat

import (
	"encoding/json"
	"io"
	"maps"
	"slices"
	"strings"
	"time"
)

// MediaType tells how an attachment should be rendered.
type MediaType string

const (
	ImageMedia MediaType = "image"
	VideoMedia MediaType = "video"
	FileMedia  MediaType = "file"
	VoiceMedia MediaType = "voice"
)

func (t MediaType) Valid() bool {
	switch t {
	case ImageMedia, VideoMedia, FileMedia, VoiceMedia:
		return true
	}
	return false
}

// MediaAttachment references an uploaded file. ThumbnailURL and Duration are
// derived before the upload completes and may be missing.
type MediaAttachment struct {
	URL          string    `json:"url"`
	PublicID     string    `json:"publicId"`
	Type         MediaType `json:"type" validate:"required,mediatype"`
	FileName     string    `json:"fileName,omitempty"`
	FileSize     int64     `json:"fileSize,omitempty"`
	MimeType     string    `json:"mimeType,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
}

// SendState tracks a locally created message until the server acknowledges it.
// Messages received from the server are always SendConfirmed.
type SendState int

const (
	SendConfirmed SendState = iota
	SendPending
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendPending:
		return "pending"
	case SendFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// UserSet is a set of user ids. It is encoded as a sorted JSON array.
type UserSet map[string]struct{}

func NewUserSet(ids ...string) UserSet {
	s := make(UserSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s UserSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts the id and reports whether the set grew.
func (s UserSet) Add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Union adds every id of o into s and reports whether the set grew.
func (s UserSet) Union(o UserSet) bool {
	grew := false
	for id := range o {
		if s.Add(id) {
			grew = true
		}
	}
	return grew
}

func (s UserSet) Slice() []string {
	return slices.Sorted(maps.Keys(s))
}

func (s UserSet) Clone() UserSet {
	if s == nil {
		return UserSet{}
	}
	return maps.Clone(s)
}

func (s UserSet) MarshalJSON() ([]byte, error) {
	ids := s.Slice()
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

func (s *UserSet) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewUserSet(ids...)
	return nil
}

// Message is a unit of communication within a room.
type Message struct {
	// ID is assigned by the server and sorts by creation time. Locally created
	// messages carry their ClientID here until the server acknowledges them.
	ID string `json:"messageId"`
	// ClientID is the correlation id generated by the sending client.
	ClientID    string            `json:"clientId,omitempty"`
	RoomID      string            `json:"roomId"`
	SenderID    string            `json:"senderId"`
	SenderRole  Role              `json:"senderRole"`
	Text        string            `json:"text,omitempty"`
	Media       []MediaAttachment `json:"media,omitempty"`
	DeliveredTo UserSet           `json:"deliveredTo"`
	ReadBy      UserSet           `json:"readBy"`
	CreatedAt   time.Time         `json:"createdAt"`

	State      SendState `json:"-"`
	FailReason string    `json:"-"`
}

// Less orders messages by creation time, breaking ties with the message id.
func (m *Message) Less(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Preview is the text shown in room lists and notifications.
func (m *Message) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.Media) == 0 {
		return ""
	}
	return "[" + string(m.Media[0].Type) + "]"
}

func (m Message) Clone() Message {
	c := m
	c.Media = slices.Clone(m.Media)
	c.DeliveredTo = m.DeliveredTo.Clone()
	c.ReadBy = m.ReadBy.Clone()
	return c
}

// MessageInput is what a user submits when sending a message. Either Text or
// Files (or both) must be present.
type MessageInput struct {
	RoomID string   `validate:"required"`
	Text   string   `validate:"max=4000"`
	Files  []Upload `validate:"max=10,dive"`
}

// Validate rejects malformed input before anything is emitted. Files larger
// than maxFileSize are rejected when maxFileSize is positive.
func (in *MessageInput) Validate(maxFileSize int64) error {
	in.Text = strings.TrimSpace(in.Text)
	if err := validate.Struct(in); err != nil {
		return E("MessageInput.Validate", ErrValidation, translate(err))
	}
	if in.Text == "" && len(in.Files) == 0 {
		return E("MessageInput.Validate", ErrValidation, errEmptyMessage)
	}
	for _, f := range in.Files {
		if maxFileSize > 0 && f.Size > maxFileSize {
			return E("MessageInput.Validate", ErrValidation, errFileTooLarge(f.FileName, maxFileSize))
		}
	}
	return nil
}

// Upload is a file waiting to be sent to the media endpoint.
type Upload struct {
	FileName string    `validate:"required"`
	MimeType string    `validate:"required"`
	Type     MediaType `validate:"required,mediatype"`
	Size     int64     `validate:"gt=0"`
	Body     io.Reader `validate:"required"`
	// ThumbnailURL and Duration are computed on the device when possible.
	ThumbnailURL string
	Duration     float64
}

// Attachment describes the upload before the server assigns a URL.
func (u Upload) Attachment() MediaAttachment {
	return MediaAttachment{
		Type:         u.Type,
		FileName:     u.FileName,
		FileSize:     u.Size,
		MimeType:     u.MimeType,
		ThumbnailURL: u.ThumbnailURL,
		Duration:     u.Duration,
	}
}
