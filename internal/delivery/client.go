// Package delivery is the client for the VoiceDrop ringless voicemail API.
// It never retries; callers decide what to do with each error kind.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxReportSize = 32 << 20

// Config contains provider settings
type Config struct {
	BaseURL      string
	APIKey       string
	VoiceCloneID string
	Timeout      time.Duration
	// ValidateRecipient asks the provider to check the number before dialing
	ValidateRecipient bool
}

// Client is a VoiceDrop API client
type Client struct {
	baseURL      string
	apiKey       string
	voiceCloneID string
	validate     bool
	httpClient   *http.Client
}

// NewClient creates a new VoiceDrop API client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		voiceCloneID: cfg.VoiceCloneID,
		validate:     cfg.ValidateRecipient,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// request performs an HTTP request to the VoiceDrop API
func (c *Client) request(ctx context.Context, op, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("auth-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse(op, resp); err != nil {
		return err
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}

	return nil
}

func checkResponse(op string, resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(data)))}
	}

	var errResp errorResponse
	_ = json.Unmarshal(data, &errResp)

	code := strings.ToLower(errResp.Code)
	if code == "" && isCode(errResp.Error) {
		code = strings.ToLower(errResp.Error)
	}
	if code == "" {
		code = fmt.Sprintf("http_%d", resp.StatusCode)
	}

	message := errResp.Message
	if message == "" {
		message = errResp.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &RejectionError{
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    message,
		Permanent:  permanentCodes[code],
	}
}

// isCode reports whether s looks like a machine-readable code rather than prose
func isCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// Submit sends one personalized ringless voicemail
func (c *Client) Submit(ctx context.Context, s *Submission) (*Accepted, error) {
	req := &voicemailRequest{
		VoiceCloneID:           c.voiceCloneID,
		Script:                 s.Script,
		To:                     s.To,
		From:                   s.Sender,
		ValidateRecipientPhone: c.validate,
		SendStatusToWebhook:    s.CallbackURL,
		Metadata:               s.Metadata,
	}

	var resp voicemailResponse
	if err := c.request(ctx, "submit", http.MethodPost, "/ringless_voicemail", req, &resp); err != nil {
		return nil, err
	}

	id := resp.ID
	if id == "" {
		id = resp.MessageID
	}
	if id == "" {
		id = resp.ProviderID
	}

	return &Accepted{ProviderID: id, Status: resp.Status}, nil
}

// RegisterCampaign creates the campaign on the provider side and returns its ID
func (c *Client) RegisterCampaign(ctx context.Context, reg *CampaignRegistration) (string, error) {
	req := &campaignRequest{
		Name:         reg.Name,
		Script:       reg.Script,
		VoiceCloneID: c.voiceCloneID,
		FromNumber:   reg.From,
		Schedule:     reg.Schedule,
		WebhookURL:   reg.WebhookURL,
	}

	var resp campaignResponse
	if err := c.request(ctx, "register campaign", http.MethodPost, "/campaigns", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &TransportError{Op: "register campaign", Err: errors.New("response has no campaign id")}
	}
	return resp.ID, nil
}

// SetCampaignStatus changes the provider-side campaign status (active, paused, archived)
func (c *Client) SetCampaignStatus(ctx context.Context, providerCampaignID, status string) error {
	path := "/campaigns/" + url.PathEscape(providerCampaignID) + "/status"
	return c.request(ctx, "set campaign status", http.MethodPatch, path, &statusRequest{Status: status}, nil)
}

// ReportURL returns the download link of the campaign CSV report
func (c *Client) ReportURL(ctx context.Context, providerCampaignID string) (string, error) {
	path := "/campaigns/" + url.PathEscape(providerCampaignID) + "/reports"

	var resp reportResponse
	if err := c.request(ctx, "report url", http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	if resp.CSVURL == "" {
		return "", &TransportError{Op: "report url", Err: errors.New("response has no csv_url")}
	}
	return resp.CSVURL, nil
}

// FetchReport downloads the campaign CSV report
func (c *Client) FetchReport(ctx context.Context, providerCampaignID string) ([]byte, error) {
	link, err := c.ReportURL(ctx, providerCampaignID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	// Report links may point at external storage; only send the key to our API host
	if strings.HasPrefix(link, c.baseURL+"/") {
		req.Header.Set("auth-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "fetch report", Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse("fetch report", resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReportSize+1))
	if err != nil {
		return nil, &TransportError{Op: "fetch report", StatusCode: resp.StatusCode, Err: err}
	}
	if len(data) > maxReportSize {
		return nil, fmt.Errorf("report exceeds %d bytes", maxReportSize)
	}
	return data, nil
}
