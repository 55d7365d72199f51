// Package services provides external service integrations and technical concerns like notifications and tokens
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/matriculaplus/messaging/config"
	"github.com/matriculaplus/messaging/utils"
)

// GatewayClient wraps the external WhatsApp gateway HTTP API. Every call is
// one synchronous round trip with a bounded timeout; retry policy belongs to
// the queue processor, not here.
type GatewayClient interface {
	CreateInstance(ctx context.Context, clientID, webhookURL string, events []string) error
	Connect(ctx context.Context, clientID string) error
	GetStatus(ctx context.Context, clientID string) (string, error)
	GetQRCode(ctx context.Context, clientID string) (string, error)
	SendText(ctx context.Context, clientID, phone, text string) (externalID string, err error)
	SendMedia(ctx context.Context, clientID, phone, mediaURL, mediaType, caption string) (externalID string, err error)
	Disconnect(ctx context.Context, clientID string) error
}

// GatewayError carries the HTTP status (when one was received) and the raw
// gateway message for a failed call
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// GatewayClientImpl implements GatewayClient
type GatewayClientImpl struct {
	config *config.GatewayConfig
	client *http.Client
}

// NewGatewayClient creates a new gateway client instance
func NewGatewayClient(cfg *config.GatewayConfig) GatewayClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = utils.DefaultGatewayTimeout
	}
	return &GatewayClientImpl{
		config: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type createInstanceRequest struct {
	InstanceKey string   `json:"instanceKey"`
	WebhookURL  string   `json:"webhookUrl,omitempty"`
	Events      []string `json:"events,omitempty"`
}

type sendTextRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendMediaRequest struct {
	Phone     string `json:"phone"`
	MediaURL  string `json:"mediaUrl"`
	MediaType string `json:"mediaType"`
	Caption   string `json:"caption,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	Key       struct {
		ID string `json:"id"`
	} `json:"key"`
}

type statusResponse struct {
	State string `json:"state"`
}

type qrCodeResponse struct {
	QRCode string `json:"qrcode"`
	Base64 string `json:"base64"`
}

// CreateInstance provisions the gateway instance and, when a webhook URL is
// given, registers the event subscriptions to deliver there
func (g *GatewayClientImpl) CreateInstance(ctx context.Context, clientID, webhookURL string, events []string) error {
	body := createInstanceRequest{InstanceKey: clientID}
	if webhookURL != "" {
		body.WebhookURL = webhookURL
		body.Events = events
	}
	return g.post(ctx, "/instance/create", body, nil)
}

func (g *GatewayClientImpl) Connect(ctx context.Context, clientID string) error {
	return g.post(ctx, fmt.Sprintf("/instance/connect/%s", clientID), nil, nil)
}

func (g *GatewayClientImpl) GetStatus(ctx context.Context, clientID string) (string, error) {
	var resp statusResponse
	if err := g.get(ctx, fmt.Sprintf("/instance/status/%s", clientID), &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

func (g *GatewayClientImpl) GetQRCode(ctx context.Context, clientID string) (string, error) {
	var resp qrCodeResponse
	if err := g.get(ctx, fmt.Sprintf("/instance/qrcode/%s", clientID), &resp); err != nil {
		return "", err
	}
	if resp.Base64 != "" {
		return resp.Base64, nil
	}
	return resp.QRCode, nil
}

// SendText delivers one text message and returns the gateway-assigned
// external identifier
func (g *GatewayClientImpl) SendText(ctx context.Context, clientID, phone, text string) (string, error) {
	var resp sendResponse
	body := sendTextRequest{Phone: phone, Message: text}
	if err := g.post(ctx, fmt.Sprintf("/message/text/%s", clientID), body, &resp); err != nil {
		return "", err
	}
	return externalIDFrom(resp), nil
}

func (g *GatewayClientImpl) SendMedia(ctx context.Context, clientID, phone, mediaURL, mediaType, caption string) (string, error) {
	var resp sendResponse
	body := sendMediaRequest{Phone: phone, MediaURL: mediaURL, MediaType: mediaType, Caption: caption}
	if err := g.post(ctx, fmt.Sprintf("/message/media/%s", clientID), body, &resp); err != nil {
		return "", err
	}
	return externalIDFrom(resp), nil
}

func (g *GatewayClientImpl) Disconnect(ctx context.Context, clientID string) error {
	return g.post(ctx, fmt.Sprintf("/instance/logout/%s", clientID), nil, nil)
}

func externalIDFrom(resp sendResponse) string {
	if resp.MessageID != "" {
		return resp.MessageID
	}
	return resp.Key.ID
}

func (g *GatewayClientImpl) get(ctx context.Context, path string, out any) error {
	return g.do(ctx, http.MethodGet, path, nil, out)
}

func (g *GatewayClientImpl) post(ctx context.Context, path string, body, out any) error {
	return g.do(ctx, http.MethodPost, path, body, out)
}

func (g *GatewayClientImpl) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal gateway request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	url := g.config.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", g.config.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return &GatewayError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{StatusCode: resp.StatusCode, Message: string(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &GatewayError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to decode gateway response: %v", err)}
		}
	}
	return nil
}

// MockGatewayClient implements GatewayClient for testing
type MockGatewayClient struct {
	mu sync.Mutex

	// SendErr, when set, fails every send call
	SendErr error
	// StatusValue is returned by GetStatus
	StatusValue string
	// QRCodeValue is returned by GetQRCode
	QRCodeValue string

	sentMessages     []MockSentMessage
	createdInstances []MockCreatedInstance
	nextID           int
}

// MockSentMessage records a send call made against the mock
type MockSentMessage struct {
	ClientID   string
	Phone      string
	Content    string
	MediaURL   string
	ExternalID string
}

// MockCreatedInstance records a provisioning call made against the mock
type MockCreatedInstance struct {
	ClientID   string
	WebhookURL string
	Events     []string
}

// NewMockGatewayClient creates a mock gateway client
func NewMockGatewayClient() *MockGatewayClient {
	return &MockGatewayClient{StatusValue: "open"}
}

func (m *MockGatewayClient) CreateInstance(ctx context.Context, clientID, webhookURL string, events []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createdInstances = append(m.createdInstances, MockCreatedInstance{
		ClientID:   clientID,
		WebhookURL: webhookURL,
		Events:     events,
	})
	return nil
}

func (m *MockGatewayClient) Connect(ctx context.Context, clientID string) error { return nil }

func (m *MockGatewayClient) GetStatus(ctx context.Context, clientID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StatusValue, nil
}

func (m *MockGatewayClient) GetQRCode(ctx context.Context, clientID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.QRCodeValue, nil
}

func (m *MockGatewayClient) SendText(ctx context.Context, clientID, phone, text string) (string, error) {
	return m.record(clientID, phone, text, "")
}

func (m *MockGatewayClient) SendMedia(ctx context.Context, clientID, phone, mediaURL, mediaType, caption string) (string, error) {
	return m.record(clientID, phone, caption, mediaURL)
}

func (m *MockGatewayClient) Disconnect(ctx context.Context, clientID string) error { return nil }

func (m *MockGatewayClient) record(clientID, phone, content, mediaURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.nextID++
	externalID := fmt.Sprintf("ext-%d", m.nextID)
	m.sentMessages = append(m.sentMessages, MockSentMessage{
		ClientID:   clientID,
		Phone:      phone,
		Content:    content,
		MediaURL:   mediaURL,
		ExternalID: externalID,
	})
	return externalID, nil
}

// SetSendErr toggles failure mode for subsequent send calls
func (m *MockGatewayClient) SetSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendErr = err
}

// GetSentMessages returns a copy of the recorded send calls
func (m *MockGatewayClient) GetSentMessages() []MockSentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSentMessage, len(m.sentMessages))
	copy(out, m.sentMessages)
	return out
}

// GetCreatedInstances returns a copy of the recorded provisioning calls
func (m *MockGatewayClient) GetCreatedInstances() []MockCreatedInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCreatedInstance, len(m.createdInstances))
	copy(out, m.createdInstances)
	return out
}

// ClearSentMessages resets the recorded send calls
func (m *MockGatewayClient) ClearSentMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMessages = nil
}
