package devserver

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/rest"
	"github.com/putto11262002/tripchat/pkg/session"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxUploadMemory = 32 << 20
)

func (s *Server) identity(r *http.Request) (session.Identity, error) {
	id, ok := identityFrom(r.Context())
	if !ok {
		return session.Identity{}, NewJsonError(http.StatusUnauthorized, "missing session")
	}
	return id, nil
}

// historyHandler serves the messages of a room under the history path of
// role.
func (s *Server) historyHandler(role chat.Role) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		id, err := s.identity(r)
		if err != nil {
			return err
		}
		if id.Role != role {
			return NewJsonError(http.StatusForbidden, "history path does not match role")
		}

		limit := defaultPageSize
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return NewJsonError(http.StatusBadRequest, "invalid limit")
			}
			limit = min(n, maxPageSize)
		}
		var before *time.Time
		if v := r.URL.Query().Get("before"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return NewJsonError(http.StatusBadRequest, "invalid before")
			}
			before = &t
		}

		var page rest.MessagesPage
		var perr error
		if err := s.hub.do(r.Context(), func(st *state) {
			page.Messages, page.HasMore, perr = st.page(id, chi.URLParam(r, "roomID"), limit, before)
		}); err != nil {
			return err
		}
		if perr != nil {
			return perr
		}
		if page.Messages == nil {
			page.Messages = []chat.Message{}
		}
		return writeJSON(w, http.StatusOK, page)
	}
}

func (s *Server) roomHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := s.identity(r)
	if err != nil {
		return err
	}
	var room *chat.Room
	var rerr error
	if err := s.hub.do(r.Context(), func(st *state) {
		room, rerr = st.memberRoom("room", id, chi.URLParam(r, "roomID"))
		if rerr == nil {
			c := room.Clone()
			room = &c
		}
	}); err != nil {
		return err
	}
	if rerr != nil {
		return rerr
	}
	return writeJSON(w, http.StatusOK, rest.RoomResponse{Room: *room})
}

func mediaTypeOf(mimeType string) chat.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return chat.ImageMedia
	case strings.HasPrefix(mimeType, "video/"):
		return chat.VideoMedia
	case strings.HasPrefix(mimeType, "audio/"):
		return chat.VoiceMedia
	default:
		return chat.FileMedia
	}
}

// uploadHandler stores the "files" parts of a multipart request and returns
// their attachments in order.
func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) error {
	if _, err := s.identity(r); err != nil {
		return err
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return NewJsonError(http.StatusBadRequest, "invalid multipart body")
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		return NewJsonError(http.StatusBadRequest, "no files")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s%s/media/", scheme, r.Host, s.apiPrefix)

	res := rest.MediaResponse{Media: make([]chat.MediaAttachment, 0, len(headers))}
	files := make(map[string]mediaFile, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return fmt.Errorf("open part: %w", err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}
		mimeType := fh.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		publicID := newID()
		files[publicID] = mediaFile{mimeType: mimeType, data: data}
		res.Media = append(res.Media, chat.MediaAttachment{
			URL:      base + publicID,
			PublicID: publicID,
			Type:     mediaTypeOf(mimeType),
			FileName: fh.Filename,
			FileSize: int64(len(data)),
			MimeType: mimeType,
		})
	}

	if err := s.hub.do(r.Context(), func(st *state) {
		for id, f := range files {
			st.media[id] = f
		}
	}); err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, res)
}

func (s *Server) mediaHandler(w http.ResponseWriter, r *http.Request) error {
	var f mediaFile
	var ok bool
	if err := s.hub.do(r.Context(), func(st *state) {
		f, ok = st.media[chi.URLParam(r, "publicID")]
	}); err != nil {
		return err
	}
	if !ok {
		return NewJsonError(http.StatusNotFound, "media not found")
	}
	w.Header().Set("Content-Type", f.mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.data)))
	w.Write(f.data)
	return nil
}
