package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxline/voxline/internal/campaign"
	"github.com/voxline/voxline/internal/config"
)

// Compile-time assertions that both dialers satisfy the campaign contract.
var (
	_ campaign.Dialer = (*TwilioDialer)(nil)
	_ campaign.Dialer = (*ExotelDialer)(nil)
)

const dialTimeout = 15 * time.Second

// TwilioDialer places outbound calls through the Twilio REST API. The
// created call fetches TwiML from /twilio/voice, which persists the call
// session and connects the media stream.
type TwilioDialer struct {
	cfg     config.TwilioConfig
	baseURL string // REST API base, overridable in tests
	public  string // this deployment's public base URL
	client  *http.Client
}

// NewTwilioDialer builds a dialer from carrier credentials and the public
// base URL webhooks are derived from.
func NewTwilioDialer(cfg config.TwilioConfig, publicBaseURL string) *TwilioDialer {
	return &TwilioDialer{
		cfg:     cfg,
		baseURL: "https://api.twilio.com",
		public:  strings.TrimSuffix(publicBaseURL, "/"),
		client:  &http.Client{Timeout: dialTimeout},
	}
}

// Dial implements campaign.Dialer. The returned call ID is Twilio's call
// SID, which later status callbacks reference.
func (d *TwilioDialer) Dial(ctx context.Context, campaignID, agentID, leadID string) (string, error) {
	voiceURL := fmt.Sprintf("%s/twilio/voice?campaign=%s&agent=%s&lead=%s",
		d.public,
		url.QueryEscape(campaignID),
		url.QueryEscape(agentID),
		url.QueryEscape(leadID),
	)

	form := url.Values{
		"To":             {leadID},
		"From":           {d.cfg.CallerID},
		"Url":            {voiceURL},
		"StatusCallback": {d.public + "/twilio/status"},
		"StatusCallbackEvent": {
			"initiated", "ringing", "answered", "completed",
		},
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", d.baseURL, d.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twilio: build dial request: %w", err)
	}
	req.SetBasicAuth(d.cfg.AccountSID, d.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &campaign.RetryableError{Err: fmt.Errorf("twilio: dial: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", &campaign.RetryableError{
			Err: fmt.Errorf("twilio: dial: status %d: %s", resp.StatusCode, body),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("twilio: dial: status %d: %s", resp.StatusCode, body)
	}

	var created struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.SID == "" {
		return "", fmt.Errorf("twilio: dial response missing sid: %s", body)
	}
	return created.SID, nil
}

// ExotelDialer places outbound calls through the Exotel Connect API.
type ExotelDialer struct {
	cfg     config.ExotelConfig
	baseURL string
	public  string
	client  *http.Client
}

// NewExotelDialer builds a dialer from carrier credentials.
func NewExotelDialer(cfg config.ExotelConfig, publicBaseURL string) *ExotelDialer {
	return &ExotelDialer{
		cfg:     cfg,
		baseURL: fmt.Sprintf("https://%s", cfg.Subdomain),
		public:  strings.TrimSuffix(publicBaseURL, "/"),
		client:  &http.Client{Timeout: dialTimeout},
	}
}

// Dial implements campaign.Dialer.
func (d *ExotelDialer) Dial(ctx context.Context, campaignID, agentID, leadID string) (string, error) {
	form := url.Values{
		"From":           {leadID},
		"CallerId":       {d.cfg.CallerID},
		"Url":            {d.public + "/media-stream?agent=" + url.QueryEscape(agentID)},
		"StatusCallback": {d.public + "/twilio/status"},
	}

	endpoint := fmt.Sprintf("%s/v1/Accounts/%s/Calls/connect.json", d.baseURL, d.cfg.SID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("exotel: build dial request: %w", err)
	}
	req.SetBasicAuth(d.cfg.APIKey, d.cfg.APIToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &campaign.RetryableError{Err: fmt.Errorf("exotel: dial: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", &campaign.RetryableError{
			Err: fmt.Errorf("exotel: dial: status %d: %s", resp.StatusCode, body),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("exotel: dial: status %d: %s", resp.StatusCode, body)
	}

	var created struct {
		Call struct {
			Sid string `json:"Sid"`
		} `json:"Call"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.Call.Sid == "" {
		return "", fmt.Errorf("exotel: dial response missing sid: %s", body)
	}
	return created.Call.Sid, nil
}
