// Package webhook delivers signed event payloads to a single HTTP endpoint.
// Each delivery is signed with HMAC-SHA256 so receivers can authenticate it.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// Event is a payload delivered to the endpoint.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
}

// DeliveryAttempt records a single delivery attempt for an event.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	EventType    string        `json:"event_type"`
	EventID      string        `json:"event_id"`
	Signature    string        `json:"signature"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Status       string        `json:"status"` // "success", "failed"
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Succeeded reports whether the endpoint accepted the event.
func (a *DeliveryAttempt) Succeeded() bool {
	return a.Status == "success"
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the signature matches the HMAC-SHA256 of
// payload under the given secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sender
// ---------------------------------------------------------------------------

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.httpClient = c }
}

// WithEndpointID sets the value sent in the X-Webhook-ID header.
func WithEndpointID(id string) Option {
	return func(s *Sender) { s.endpointID = id }
}

// Sender POSTs signed events to one endpoint. It makes exactly one attempt
// per Send.
type Sender struct {
	url        string
	secret     string
	endpointID string
	httpClient *http.Client
}

// NewSender validates rawURL and returns a Sender for it.
func NewSender(rawURL, secret string, opts ...Option) (*Sender, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	s := &Sender{
		url:        rawURL,
		secret:     secret,
		endpointID: "default",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// URL returns the endpoint address.
func (s *Sender) URL() string { return s.url }

// Send signs the event and POSTs it. Transport errors and non-2xx responses
// are reported on the returned attempt, never as a Go error.
func (s *Sender) Send(ctx context.Context, event Event) *DeliveryAttempt {
	now := time.Now().UTC()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	attempt := &DeliveryAttempt{
		ID:        uuid.New().String(),
		EventType: event.Type,
		EventID:   event.ID,
		CreatedAt: now,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return attempt.fail(fmt.Errorf("encode event: %w", err))
	}
	sig := SignPayload(payload, s.secret)
	attempt.Signature = sig

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return attempt.fail(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-ID", s.endpointID)
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		return attempt.fail(err)
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode

	// Read at most 1KB of response body.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(bodyBytes)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = "success"
		return attempt
	}
	return attempt.fail(fmt.Errorf("non-2xx response: %d", resp.StatusCode))
}

func (a *DeliveryAttempt) fail(err error) *DeliveryAttempt {
	a.Status = "failed"
	a.Error = err.Error()
	return a
}
