// Package apiclient is the HTTP client of the chat API. It provides the
// data-access calls the client-side components depend on.
package apiclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/mahaj/dupahar-chat/pkg/telemetry"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// ErrorBody is the JSON error envelope written by the API.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type LoginRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type CreateConversationRequest struct {
	Kind    model.ConversationKind `json:"kind"`
	Name    *string                `json:"name,omitempty"`
	Members []store.Member         `json:"members"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type AddParticipantsRequest struct {
	Members []store.Member `json:"members"`
}

type Client struct {
	http *resty.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetTransport(telemetry.Transport(nil)).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "dupahar-chat-client/1.0")
	return &Client{http: c}
}

func (c *Client) SetToken(token string) { c.http.SetAuthToken(token) }

// Login obtains a token for userID and uses it for every later call.
func (c *Client) Login(ctx context.Context, userID, displayName string) (string, error) {
	var out LoginResponse
	if err := c.do(ctx, resty.MethodPost, "/login", LoginRequest{UserID: userID, DisplayName: displayName}, &out); err != nil {
		return "", err
	}
	c.SetToken(out.Token)
	return out.Token, nil
}

func (c *Client) FetchUserConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.do(ctx, resty.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FetchConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, resty.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, resty.MethodPost, "/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*model.Message, error) {
	var out model.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, resty.MethodPost, path, SendMessageRequest{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AddParticipants(ctx context.Context, conversationID string, members []store.Member) ([]model.Participant, error) {
	var out []model.Participant
	path := "/conversations/" + url.PathEscape(conversationID) + "/participants"
	if err := c.do(ctx, resty.MethodPost, path, AddParticipantsRequest{Members: members}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, resty.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

func (c *Client) Presence(ctx context.Context, topic string) ([]model.PresenceRecord, error) {
	var out []model.PresenceRecord
	if err := c.do(ctx, resty.MethodGet, "/channels/"+url.PathEscape(topic)+"/presence", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Notifications(ctx context.Context, limit int) ([]model.NotificationEvent, error) {
	var out []model.NotificationEvent
	path := "/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, resty.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var errBody ErrorBody
	req := c.http.R().SetContext(ctx).SetError(&errBody)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := errBody.Error.Message
		if msg == "" {
			msg = resp.String()
		}
		return &APIError{Status: resp.StatusCode(), Code: errBody.Error.Code, Message: msg}
	}
	return nil
}
