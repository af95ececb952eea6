// Package eml turns mailbox items into complete RFC 5322 messages. Personal
// messages are downloaded as-is; group threads have no raw endpoint, so the
// message is rebuilt from the thread's first post and its attachments.
package eml

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/relvacode/iso8601"

	"github.io/infrasutra/mailexport/internal/graph"
	"github.io/infrasutra/mailexport/internal/mailbox"
)

const (
	unknownSender      = "unknown@group"
	defaultContentType = "application/octet-stream"
)

// ErrNoPost is returned when a group thread has no posts.
var ErrNoPost = errors.New("thread has no posts")

// Ref identifies one item to materialize. ID is a message id for personal
// sources and a thread id for group sources.
type Ref struct {
	Source  mailbox.Source
	Mailbox string
	GroupID string
	ID      string
}

// API is the part of the Graph client the materializer needs.
type API interface {
	GetJSON(ctx context.Context, token, path string, query url.Values, timeout time.Duration, result any) error
	GetRaw(ctx context.Context, token, path string, query url.Values, timeout time.Duration) ([]byte, error)
}

type Materializer struct {
	api    API
	logger *slog.Logger
	now    func() time.Time
}

func NewMaterializer(api API, logger *slog.Logger) *Materializer {
	return &Materializer{api: api, logger: logger, now: time.Now}
}

// Materialize returns the full message bytes for ref.
func (m *Materializer) Materialize(ctx context.Context, token string, ref Ref) ([]byte, error) {
	switch ref.Source {
	case mailbox.SourcePersonal:
		return m.rawMessage(ctx, token, ref)
	case mailbox.SourceGroup:
		return m.groupThread(ctx, token, ref)
	default:
		return nil, fmt.Errorf("unknown source %q", ref.Source)
	}
}

func (m *Materializer) rawMessage(ctx context.Context, token string, ref Ref) ([]byte, error) {
	path := "/users/" + graph.PathEscape(ref.Mailbox) + "/messages/" + graph.PathEscape(ref.ID) + "/$value"
	data, err := m.api.GetRaw(ctx, token, path, nil, graph.ContentTimeout)
	if err != nil {
		return nil, fmt.Errorf("download message %s: %w", ref.ID, err)
	}
	return data, nil
}

func (m *Materializer) groupThread(ctx context.Context, token string, ref Ref) ([]byte, error) {
	threadPath := "/groups/" + graph.PathEscape(ref.GroupID) + "/threads/" + graph.PathEscape(ref.ID)

	params := url.Values{}
	params.Set("$select", "id,body,from,receivedDateTime,hasAttachments")
	params.Set("$top", "1")
	var posts graph.Collection[graph.Post]
	if err := m.api.GetJSON(ctx, token, threadPath+"/posts", params, graph.ContentTimeout, &posts); err != nil {
		return nil, fmt.Errorf("get first post of thread %s: %w", ref.ID, err)
	}
	if len(posts.Value) == 0 {
		return nil, fmt.Errorf("thread %s: %w", ref.ID, ErrNoPost)
	}
	post := posts.Value[0]

	var thread graph.ConversationThread
	if err := m.api.GetJSON(ctx, token, threadPath, url.Values{"$select": {"topic"}}, graph.LookupTimeout, &thread); err != nil {
		return nil, fmt.Errorf("get topic of thread %s: %w", ref.ID, err)
	}

	msg := Message{
		Subject:     topicOrDefault(thread.Topic),
		FromAddress: unknownSender,
		Date:        m.now(),
		Body:        post.Body.Content,
		HTML:        strings.EqualFold(post.Body.ContentType, "html"),
	}
	if post.From != nil {
		if post.From.EmailAddress.Address != "" {
			msg.FromAddress = post.From.EmailAddress.Address
		}
		msg.FromName = post.From.EmailAddress.Name
	}
	if post.ReceivedDateTime != "" {
		if received, err := iso8601.ParseString(post.ReceivedDateTime); err == nil {
			msg.Date = received
		}
	}

	if post.HasAttachments {
		attachments, err := m.postAttachments(ctx, token, threadPath+"/posts/"+graph.PathEscape(post.ID))
		if err != nil {
			m.logger.Warn("skip post attachments", "thread", ref.ID, "error", err)
		}
		msg.Attachments = attachments
	}

	return msg.Bytes()
}

func (m *Materializer) postAttachments(ctx context.Context, token, postPath string) ([]Attachment, error) {
	var page graph.Collection[graph.Attachment]
	if err := m.api.GetJSON(ctx, token, postPath+"/attachments", nil, graph.ContentTimeout, &page); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}

	attachments := make([]Attachment, 0, len(page.Value))
	for _, att := range page.Value {
		if att.ContentBytes == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(att.ContentBytes)
		if err != nil {
			m.logger.Warn("skip undecodable attachment", "name", att.Name, "error", err)
			continue
		}
		name := att.Name
		if name == "" {
			name = "attachment"
		}
		attachments = append(attachments, Attachment{
			Filename:    name,
			ContentType: att.ContentType,
			Data:        data,
		})
	}
	return attachments, nil
}

func topicOrDefault(topic *string) string {
	if topic == nil {
		return "(no subject)"
	}
	return *topic
}

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a synthesized email. Bytes serializes it as multipart/mixed
// with one body part followed by the attachments.
type Message struct {
	Subject     string
	FromName    string
	FromAddress string
	Date        time.Time
	Body        string
	HTML        bool
	Attachments []Attachment
}

func (msg Message) Bytes() ([]byte, error) {
	var h mail.Header
	h.SetSubject(msg.Subject)
	if msg.FromName != "" {
		h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.FromAddress}})
	} else {
		h.Set("From", msg.FromAddress)
	}
	h.SetDate(msg.Date)
	h.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}

	var bodyHeader mail.InlineHeader
	bodyType := "text/plain"
	if msg.HTML {
		bodyType = "text/html"
	}
	bodyHeader.SetContentType(bodyType, map[string]string{"charset": "utf-8"})
	bw, err := mw.CreateSingleInline(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("create body part: %w", err)
	}
	if _, err := io.WriteString(bw, msg.Body); err != nil {
		return nil, fmt.Errorf("write body part: %w", err)
	}
	if err := bw.Close(); err != nil {
		return nil, fmt.Errorf("close body part: %w", err)
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(attachmentMediaType(att.ContentType), nil)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment %s: %w", att.Filename, err)
		}
		if _, err := aw.Write(att.Data); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("close attachment %s: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

// attachmentMediaType fills in a missing type or subtype.
func attachmentMediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return defaultContentType
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	maintype, subtype, _ := strings.Cut(contentType, "/")
	if maintype == "" {
		maintype = "application"
	}
	if subtype == "" {
		subtype = "octet-stream"
	}
	return maintype + "/" + subtype
}
