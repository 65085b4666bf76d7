// Package generation talks to the text-generation service that plays the
// provider side of a conversation and writes post-encounter feedback.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/simchat/internal/domain/chat"
)

// ErrEmptyURL is returned by NewClient when no base URL is configured.
var ErrEmptyURL = errors.New("generation: base URL is required")

// Client calls the generation service over HTTP. Requests are bounded only
// by the caller's context.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrEmptyURL
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type openingRequest struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
}

type textResponse struct {
	Text string `json:"text"`
}

type turn struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

type respondRequest struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	Messages     []turn    `json:"messages"`
}

type feedbackRequest struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
}

// GenerateOpening implements chat.ConversationOpener.
func (c *Client) GenerateOpening(ctx context.Context, assignmentID uuid.UUID) (string, error) {
	var out textResponse
	if err := c.post(ctx, "/v1/opening", openingRequest{AssignmentID: assignmentID}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

// Respond implements chat.ResponseGenerator. System markers are not sent.
func (c *Client) Respond(ctx context.Context, assignmentID uuid.UUID, prior []chat.Message) (*chat.Message, error) {
	req := respondRequest{AssignmentID: assignmentID, Messages: make([]turn, 0, len(prior))}
	for _, m := range prior {
		if m.Role == chat.RoleSystem {
			continue
		}
		req.Messages = append(req.Messages, turn{Role: m.Role, Content: m.Content})
	}

	var out textResponse
	if err := c.post(ctx, "/v1/respond", req, &out); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return nil, nil
	}
	return &chat.Message{AssignmentID: assignmentID, Role: chat.RoleAssistant, Content: text}, nil
}

// Generate implements assignment.FeedbackGenerator. The service stores the
// feedback itself; only success matters here.
func (c *Client) Generate(ctx context.Context, assignmentID uuid.UUID) error {
	return c.post(ctx, "/v1/feedback", feedbackRequest{AssignmentID: assignmentID}, nil)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("generation: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("generation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("generation: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("generation: decode %s response: %w", path, err)
	}
	return nil
}

// StatusError is a non-2xx answer from the generation service.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("generation: %s returned %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("generation: %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}
