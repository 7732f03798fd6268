// Package client talks to a running market-core server over HTTP and its
// websocket on behalf of one user.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"market_core/internal/domain"
	"market_core/internal/httpapi"
	"market_core/internal/messaging"

	"github.com/google/uuid"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL  string
	userID   uuid.UUID
	deviceID uuid.UUID
	http     *http.Client
}

func New(baseURL string, userID, deviceID uuid.UUID) *Client {
	if deviceID == uuid.Nil {
		deviceID = uuid.New()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		userID:   userID,
		deviceID: deviceID,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) UserID() uuid.UUID {
	return c.userID
}

func (c *Client) Conversations(ctx context.Context, tab messaging.Tab) ([]domain.Conversation, error) {
	var out []domain.Conversation
	path := "/conversations?tab=" + url.QueryEscape(string(tab))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Order(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	var out domain.Order
	if err := c.do(ctx, http.MethodGet, "/orders/"+orderID.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Timeline(ctx context.Context, orderID uuid.UUID) ([]domain.TimelineEntry, error) {
	var out []domain.TimelineEntry
	if err := c.do(ctx, http.MethodGet, "/orders/"+orderID.String()+"/timeline", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Send(ctx context.Context, orderID uuid.UUID, req messaging.SendRequest) (*domain.ChatMessage, error) {
	var out domain.ChatMessage
	if err := c.do(ctx, http.MethodPost, "/orders/"+orderID.String()+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkRead(ctx context.Context, orderID uuid.UUID) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	if err := c.do(ctx, http.MethodPost, "/orders/"+orderID.String()+"/read", nil, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

func (c *Client) Propose(ctx context.Context, orderID uuid.UUID, req messaging.ProposalRequest) (*domain.NegotiationEvent, error) {
	var out domain.NegotiationEvent
	if err := c.do(ctx, http.MethodPost, "/orders/"+orderID.String()+"/negotiations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Accept(ctx context.Context, orderID, offerID uuid.UUID) (*domain.Order, error) {
	var out domain.Order
	path := fmt.Sprintf("/orders/%s/negotiations/%s/accept", orderID, offerID)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Decline(ctx context.Context, orderID, offerID uuid.UUID) (*domain.NegotiationEvent, error) {
	var out domain.NegotiationEvent
	path := fmt.Sprintf("/orders/%s/negotiations/%s/decline", orderID, offerID)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(httpapi.UserHeader, c.userID.String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
