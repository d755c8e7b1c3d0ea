package callout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrDisabled marks a callout request while no provider is configured.
var ErrDisabled = errors.New("callout provider not configured")

// Config describes the outbound voice-call provider.
type Config struct {
	BaseURL string
	AgentID string
	APIKey  string
	Timeout time.Duration
}

// Enabled reports whether the required credentials are present.
func (c Config) Enabled() bool {
	return c.BaseURL != "" && c.AgentID != "" && c.APIKey != ""
}

// Service places outbound calls through the provider's agent API, used
// to ring a caller back or connect a responder.
type Service struct {
	cfg    Config
	client *http.Client
}

// NewService builds the callout client. httpClient may be nil.
func NewService(cfg Config, httpClient *http.Client) *Service {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Service{cfg: cfg, client: httpClient}
}

type startCallRequest struct {
	AgentID        string `json:"agent_id"`
	RecipientPhone string `json:"recipient_phone_number"`
}

// CallStatus is the provider's answer to a start-call request.
type CallStatus struct {
	CallID string `json:"call_id,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// StartCall asks the provider to place an outbound call to the
// recipient. The provider drives the conversation; we only get a
// call handle back.
func (s *Service) StartCall(ctx context.Context, recipientPhone string) (CallStatus, error) {
	if !s.cfg.Enabled() {
		return CallStatus{}, ErrDisabled
	}
	recipientPhone = strings.TrimSpace(recipientPhone)
	if recipientPhone == "" {
		return CallStatus{}, fmt.Errorf("recipient phone number is required")
	}

	body, err := json.Marshal(startCallRequest{
		AgentID:        s.cfg.AgentID,
		RecipientPhone: recipientPhone,
	})
	if err != nil {
		return CallStatus{}, fmt.Errorf("failed to encode call request: %w", err)
	}

	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/call"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return CallStatus{}, fmt.Errorf("failed to build call request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return CallStatus{}, fmt.Errorf("call provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return CallStatus{}, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CallStatus{}, fmt.Errorf("call provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var status CallStatus
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &status); err != nil {
			// Some provider deployments answer with plain text.
			status.Detail = strings.TrimSpace(string(payload))
		}
	}
	if status.Status == "" {
		status.Status = "queued"
	}
	return status, nil
}
