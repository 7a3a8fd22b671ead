package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jrsteele09/go-mfa-server/mfa"
)

const defaultSMSTimeout = 15 * time.Second

// SMSGateway posts codes to an HTTP SMS gateway that accepts
// {"route":"otp","numbers":...,"variables":...} with the API key in the
// Authorization header.
type SMSGateway struct {
	APIKey     string
	BaseURL    string
	Sender     string
	HTTPClient *http.Client
}

var _ mfa.Dispatcher = (*SMSGateway)(nil)

func NewSMSGateway(apiKey, baseURL, sender string) *SMSGateway {
	return &SMSGateway{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Sender:     sender,
		HTTPClient: &http.Client{Timeout: defaultSMSTimeout},
	}
}

// Dispatch sends the code. It does not log the code or the response body.
func (g *SMSGateway) Dispatch(ctx context.Context, msg mfa.Message) error {
	if g.APIKey == "" || g.BaseURL == "" {
		return fmt.Errorf("sms: gateway not configured")
	}
	if msg.Destination == "" {
		return fmt.Errorf("sms: no phone number for user %s", msg.UserID)
	}
	body := map[string]string{
		"route":     "otp",
		"numbers":   msg.Destination,
		"variables": msg.Code,
	}
	if g.Sender != "" {
		body["sender_id"] = g.Sender
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", g.APIKey)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sms: request failed status=%d", resp.StatusCode)
	}
	return nil
}
