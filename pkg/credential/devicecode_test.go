package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func writeOAuthJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestDeviceFlowStartAndPoll(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("client_id"); got != "client-1" {
			t.Errorf("unexpected client id %q", got)
		}
		switch r.URL.Path {
		case "/device/code":
			if got := r.PostForm.Get("scope"); got != DefaultLoginScope {
				t.Errorf("unexpected scope %q", got)
			}
			writeOAuthJSON(w, http.StatusOK, `{"device_code":"dev-1","user_code":"ABCD-1234","verification_uri":"https://github.com/login/device","expires_in":900,"interval":1}`)
		case "/oauth/access_token":
			if r.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:device_code" || r.PostForm.Get("device_code") != "dev-1" {
				t.Errorf("unexpected poll body %v", r.PostForm)
			}
			mu.Lock()
			polls++
			n := polls
			mu.Unlock()
			if n == 1 {
				writeOAuthJSON(w, http.StatusOK, `{"error":"authorization_pending"}`)
				return
			}
			writeOAuthJSON(w, http.StatusOK, `{"access_token":"ghu_issued","token_type":"bearer"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	flow := &DeviceFlow{
		ClientID:       "client-1",
		DeviceCodeURL:  srv.URL + "/device/code",
		AccessTokenURL: srv.URL + "/oauth/access_token",
		Client:         srv.Client(),
	}
	dc, err := flow.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if dc.UserCode != "ABCD-1234" || dc.VerificationURI != "https://github.com/login/device" || dc.Interval != 1 {
		t.Fatalf("unexpected device code %+v", dc)
	}
	if dc.Expiry.IsZero() || time.Until(dc.Expiry) < 10*time.Minute {
		t.Fatalf("expected expiry derived from expires_in, got %v", dc.Expiry)
	}
	token, err := flow.Poll(context.Background(), dc)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if token != "ghu_issued" {
		t.Fatalf("unexpected token %q", token)
	}
	mu.Lock()
	defer mu.Unlock()
	if polls != 2 {
		t.Fatalf("expected a pending reply to be polled again, got %d polls", polls)
	}
}

func TestDeviceFlowPollTerminalErrors(t *testing.T) {
	for code, want := range map[string]error{
		"expired_token": ErrDeviceCodeExpired,
		"access_denied": ErrAccessDenied,
	} {
		t.Run(code, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeOAuthJSON(w, http.StatusOK, `{"error":"`+code+`"}`)
			}))
			defer srv.Close()

			flow := &DeviceFlow{AccessTokenURL: srv.URL, Client: srv.Client()}
			_, err := flow.Poll(context.Background(), &DeviceCode{DeviceCode: "dev-1", Interval: 1})
			if !errors.Is(err, want) {
				t.Fatalf("expected %v, got %v", want, err)
			}
		})
	}
}

func TestDeviceFlowPollStopsAtExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeOAuthJSON(w, http.StatusOK, `{"error":"authorization_pending"}`)
	}))
	defer srv.Close()

	flow := &DeviceFlow{AccessTokenURL: srv.URL, Client: srv.Client()}
	dc := &DeviceCode{DeviceCode: "dev-1", Interval: 1, Expiry: time.Now().Add(1500 * time.Millisecond)}
	_, err := flow.Poll(context.Background(), dc)
	if !errors.Is(err, ErrDeviceCodeExpired) {
		t.Fatalf("expected ErrDeviceCodeExpired, got %v", err)
	}
}

func TestDeviceFlowStartReportsOAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeOAuthJSON(w, http.StatusBadRequest, `{"error":"unauthorized_client","error_description":"client is not allowed"}`)
	}))
	defer srv.Close()

	flow := &DeviceFlow{DeviceCodeURL: srv.URL, Client: srv.Client()}
	_, err := flow.Start(context.Background())
	if err == nil || err.Error() != "device code request failed: status 400: client is not allowed" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDeviceFlowPollStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeOAuthJSON(w, http.StatusOK, `{"error":"authorization_pending"}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	flow := &DeviceFlow{AccessTokenURL: srv.URL, Client: srv.Client()}
	_, err := flow.Poll(ctx, &DeviceCode{DeviceCode: "dev-1", Interval: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
