// Package mailbox lists the recent items of a personal mailbox or, when the
// address turns out to belong to a Microsoft 365 group, of the group's
// conversation threads.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"

	"github.io/infrasutra/mailexport/internal/graph"
)

// Source records which retrieval path produced a listing. Summary ids are
// only meaningful for the source that produced them.
type Source string

const (
	SourcePersonal Source = "user"
	SourceGroup    Source = "group"
)

const noSubject = "(no subject)"

// ErrGroupNotFound is returned when the group fallback finds no group with
// the requested address.
var ErrGroupNotFound = errors.New("no group found")

type Summary struct {
	ID       string    `json:"id"`
	Subject  string    `json:"subject"`
	From     string    `json:"from"`
	FromName string    `json:"fromName"`
	Received time.Time `json:"received,omitzero"`
	Preview  string    `json:"preview"`
}

type Listing struct {
	Source   Source    `json:"source"`
	Email    string    `json:"email"`
	GroupID  string    `json:"groupId,omitempty"`
	Messages []Summary `json:"messages"`
}

// API is the part of the Graph client the mailbox client needs.
type API interface {
	GetJSON(ctx context.Context, token, path string, query url.Values, timeout time.Duration, result any) error
}

type Client struct {
	api    API
	logger *slog.Logger
}

func NewClient(api API, logger *slog.Logger) *Client {
	return &Client{api: api, logger: logger}
}

// ListMessages returns at most limit recent items for address, newest
// first. A group-mailbox error from the personal endpoint switches to the
// group thread listing for the same address; every other error is returned.
func (c *Client) ListMessages(ctx context.Context, token, address string, limit int) (*Listing, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid limit %d", limit)
	}

	listing, err := c.listPersonal(ctx, token, address, limit)
	if err == nil {
		return listing, nil
	}
	if graph.KindOf(err) != graph.KindGroupMailbox {
		return nil, err
	}

	c.logger.Info("address is a group mailbox, listing threads", "email", address)
	return c.listGroup(ctx, token, address, limit)
}

func (c *Client) listPersonal(ctx context.Context, token, address string, limit int) (*Listing, error) {
	params := url.Values{}
	params.Set("$select", "id,subject,from,receivedDateTime,bodyPreview")
	params.Set("$top", strconv.Itoa(limit))
	params.Set("$orderby", "receivedDateTime desc")

	var page graph.Collection[graph.Message]
	path := "/users/" + graph.PathEscape(address) + "/messages"
	if err := c.api.GetJSON(ctx, token, path, params, graph.ListTimeout, &page); err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", address, err)
	}

	messages := make([]Summary, 0, len(page.Value))
	for _, msg := range page.Value {
		summary := Summary{
			ID:       msg.ID,
			Subject:  subjectOrDefault(msg.Subject),
			Received: parseTime(msg.ReceivedDateTime),
			Preview:  msg.BodyPreview,
		}
		if msg.From != nil {
			summary.From = msg.From.EmailAddress.Address
			summary.FromName = msg.From.EmailAddress.Name
		}
		messages = append(messages, summary)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Received.After(messages[j].Received)
	})
	if len(messages) > limit {
		messages = messages[:limit]
	}

	return &Listing{Source: SourcePersonal, Email: address, Messages: messages}, nil
}

func (c *Client) listGroup(ctx context.Context, token, address string, limit int) (*Listing, error) {
	group, err := c.findGroup(ctx, token, address)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("$select", "id,topic,lastDeliveredDateTime,preview")
	params.Set("$top", strconv.Itoa(limit))
	params.Set("$orderby", "lastDeliveredDateTime desc")

	var page graph.Collection[graph.ConversationThread]
	path := "/groups/" + graph.PathEscape(group.ID) + "/threads"
	if err := c.api.GetJSON(ctx, token, path, params, graph.ListTimeout, &page); err != nil {
		return nil, fmt.Errorf("list threads for group %s: %w", group.ID, err)
	}

	messages := make([]Summary, 0, len(page.Value))
	for _, thread := range page.Value {
		messages = append(messages, Summary{
			ID:       thread.ID,
			Subject:  subjectOrDefault(thread.Topic),
			From:     group.Mail,
			FromName: group.DisplayName,
			Received: parseTime(thread.LastDeliveredDateTime),
			Preview:  thread.Preview,
		})
	}
	// Graph does not always honor $top on threads.
	if len(messages) > limit {
		messages = messages[:limit]
	}

	return &Listing{
		Source:   SourceGroup,
		Email:    address,
		GroupID:  group.ID,
		Messages: messages,
	}, nil
}

func (c *Client) findGroup(ctx context.Context, token, address string) (graph.Group, error) {
	params := url.Values{}
	params.Set("$filter", "mail eq '"+strings.ReplaceAll(address, "'", "''")+"'")
	params.Set("$select", "id,displayName,mail")

	var page graph.Collection[graph.Group]
	if err := c.api.GetJSON(ctx, token, "/groups", params, graph.LookupTimeout, &page); err != nil {
		return graph.Group{}, fmt.Errorf("find group %s: %w", address, err)
	}
	if len(page.Value) == 0 {
		return graph.Group{}, fmt.Errorf("%w with email %s", ErrGroupNotFound, address)
	}
	return page.Value[0], nil
}

func subjectOrDefault(subject *string) string {
	if subject == nil || *subject == "" {
		return noSubject
	}
	return *subject
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := iso8601.ParseString(value)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}
