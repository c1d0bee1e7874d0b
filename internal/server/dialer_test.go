package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxline/voxline/internal/campaign"
	"github.com/voxline/voxline/internal/config"
)

func newTwilioAPI(t *testing.T, status int, body string) (*httptest.Server, *http.Request) {
	t.Helper()
	var captured http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		captured = *r
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts, &captured
}

// ─── TestTwilioDialerCreatesCall ───

func TestTwilioDialerCreatesCall(t *testing.T) {
	t.Parallel()

	api, captured := newTwilioAPI(t, http.StatusCreated, `{"sid":"CA777"}`)

	d := NewTwilioDialer(config.TwilioConfig{
		AccountSID: "AC123", AuthToken: "tok", CallerID: "+15550001111",
	}, "https://voxline.example.com/")
	d.baseURL = api.URL

	sid, err := d.Dial(context.Background(), "camp1", "sales", "+15559998888")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if sid != "CA777" {
		t.Errorf("sid: %q", sid)
	}

	if captured.URL.Path != "/2010-04-01/Accounts/AC123/Calls.json" {
		t.Errorf("path: %q", captured.URL.Path)
	}
	if got := captured.PostForm.Get("To"); got != "+15559998888" {
		t.Errorf("To: %q", got)
	}
	if got := captured.PostForm.Get("From"); got != "+15550001111" {
		t.Errorf("From: %q", got)
	}
	voice := captured.PostForm.Get("Url")
	if voice != "https://voxline.example.com/twilio/voice?campaign=camp1&agent=sales&lead=%2B15559998888" {
		t.Errorf("voice url: %q", voice)
	}
	if got := captured.PostForm.Get("StatusCallback"); got != "https://voxline.example.com/twilio/status" {
		t.Errorf("status callback: %q", got)
	}
}

// ─── TestTwilioDialerErrorClassification ───

func TestTwilioDialerErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error", http.StatusServiceUnavailable, "overloaded", true},
		{"throttled", http.StatusTooManyRequests, "slow down", true},
		{"bad number", http.StatusBadRequest, "invalid To", false},
		{"auth", http.StatusUnauthorized, "bad creds", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			api, _ := newTwilioAPI(t, tc.status, tc.body)

			d := NewTwilioDialer(config.TwilioConfig{
				AccountSID: "AC123", AuthToken: "tok",
			}, "https://voxline.example.com")
			d.baseURL = api.URL

			_, err := d.Dial(context.Background(), "c", "a", "+1")
			if err == nil {
				t.Fatal("expected error")
			}
			if campaign.IsRetryable(err) != tc.retryable {
				t.Errorf("retryable = %v, want %v: %v",
					campaign.IsRetryable(err), tc.retryable, err)
			}
		})
	}
}

// ─── TestExotelDialerCreatesCall ───

func TestExotelDialerCreatesCall(t *testing.T) {
	t.Parallel()

	api, captured := newTwilioAPI(t, http.StatusOK, `{"Call":{"Sid":"ex-42"}}`)

	d := NewExotelDialer(config.ExotelConfig{
		SID: "vox", APIKey: "k", APIToken: "t", Subdomain: "api.exotel.com", CallerID: "04466",
	}, "https://voxline.example.com")
	d.baseURL = api.URL

	sid, err := d.Dial(context.Background(), "camp1", "sales", "+919999888877")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if sid != "ex-42" {
		t.Errorf("sid: %q", sid)
	}
	if captured.URL.Path != "/v1/Accounts/vox/Calls/connect.json" {
		t.Errorf("path: %q", captured.URL.Path)
	}
	if got := captured.PostForm.Get("From"); got != "+919999888877" {
		t.Errorf("From: %q", got)
	}
}
