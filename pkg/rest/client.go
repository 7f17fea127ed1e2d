// Package rest is the client of the history and media endpoints.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/logger"
)

const DefaultHistoryPath = "/chats"

// MessagesPage is the body of a history response, oldest message first.
type MessagesPage struct {
	Messages []chat.Message `json:"messages"`
	HasMore  bool           `json:"hasMore"`
}

type RoomResponse struct {
	Room chat.Room `json:"room"`
}

type MediaResponse struct {
	Media []chat.MediaAttachment `json:"media"`
}

// ErrorResponse is the body of every non 2xx response.
type ErrorResponse struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

type Client struct {
	base        *url.URL
	token       string
	historyPath string
	http        *http.Client
	logger      *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// WithHistoryPath sets the collection under which rooms expose their
// history, e.g. /guide/chats. It depends on the role of the session.
func WithHistoryPath(p string) Option {
	return func(cl *Client) {
		cl.historyPath = p
	}
}

func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:        u,
		token:       token,
		historyPath: DefaultHistoryPath,
		http:        &http.Client{Timeout: 30 * time.Second},
		logger:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(req *http.Request, op string, v interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return chat.E(op, chat.ErrUpstream, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var body ErrorResponse
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil || body.Err == "" {
			body.Err = http.StatusText(res.StatusCode)
		}
		c.logger.Warn("request failed",
			slog.String("op", op), slog.Int("status", res.StatusCode), slog.String("error", body.Err))
		kind := chat.ErrUpstream
		if res.StatusCode == http.StatusNotFound {
			return chat.E(op, kind, fmt.Errorf("%w: %s", chat.ErrNotFound, body.Err))
		}
		return chat.E(op, kind, errors.New(body.Err))
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return chat.E(op, chat.ErrUpstream, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// FetchMessages returns up to limit messages of a room created before the
// cursor, or the most recent ones without a cursor.
func (c *Client) FetchMessages(ctx context.Context, roomID string, limit int, before *time.Time) (MessagesPage, error) {
	const op = "rest.FetchMessages"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.historyPath+"/"+url.PathEscape(roomID)+"/messages", q), nil)
	if err != nil {
		return MessagesPage{}, chat.E(op, chat.ErrUpstream, err)
	}
	var page MessagesPage
	if err := c.do(req, op, &page); err != nil {
		return MessagesPage{}, err
	}
	return page, nil
}

func (c *Client) FetchRoom(ctx context.Context, roomID string) (chat.Room, error) {
	const op = "rest.FetchRoom"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/rooms/"+url.PathEscape(roomID), nil), nil)
	if err != nil {
		return chat.Room{}, chat.E(op, chat.ErrUpstream, err)
	}
	var res RoomResponse
	if err := c.do(req, op, &res); err != nil {
		return chat.Room{}, err
	}
	return res.Room, nil
}

// UploadMedia streams the files as one multipart request and returns their
// attachments in the same order. Thumbnail and duration computed on the
// device are kept when the server does not return them.
func (c *Client) UploadMedia(ctx context.Context, files []chat.Upload) ([]chat.MediaAttachment, error) {
	const op = "rest.UploadMedia"
	if len(files) == 0 {
		return nil, nil
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, files))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/media", nil), pr)
	if err != nil {
		pr.Close()
		return nil, chat.E(op, chat.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res MediaResponse
	if err := c.do(req, op, &res); err != nil {
		pr.Close()
		return nil, err
	}
	if len(res.Media) != len(files) {
		return nil, chat.E(op, chat.ErrUpstream, fmt.Errorf("uploaded %d files, got %d attachments", len(files), len(res.Media)))
	}
	for i, f := range files {
		local := f.Attachment()
		m := &res.Media[i]
		if m.Type == "" {
			m.Type = local.Type
		}
		if m.ThumbnailURL == "" {
			m.ThumbnailURL = local.ThumbnailURL
		}
		if m.Duration == 0 {
			m.Duration = local.Duration
		}
		if m.FileName == "" {
			m.FileName = local.FileName
		}
		if m.FileSize == 0 {
			m.FileSize = local.FileSize
		}
		if m.MimeType == "" {
			m.MimeType = local.MimeType
		}
	}
	return res.Media, nil
}

func writeParts(mw *multipart.Writer, files []chat.Upload) error {
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.FileName))
		h.Set("Content-Type", f.MimeType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return fmt.Errorf("create part: %w", err)
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return fmt.Errorf("copy %s: %w", f.FileName, err)
		}
	}
	return mw.Close()
}
