package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"golang.org/x/oauth2"
)

const (
	DefaultLoginClientID  = "Iv1.b507a08c87ecfe98"
	DefaultDeviceCodeURL  = "https://github.com/login/device/code"
	DefaultAccessTokenURL = "https://github.com/login/oauth/access_token"
	DefaultLoginScope     = "read:user"
)

var (
	ErrDeviceCodeExpired = errors.New("device code expired, restart the login")
	ErrAccessDenied      = errors.New("authorization was denied")
)

// DeviceCode is the first leg of the OAuth device authorization grant.
type DeviceCode struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	// Expiry is zero when the server did not announce a lifetime.
	Expiry time.Time
	// Interval is the minimum poll interval in seconds.
	Interval int64
}

// DeviceFlow obtains a long-term credential through the OAuth device flow.
type DeviceFlow struct {
	ClientID       string
	DeviceCodeURL  string
	AccessTokenURL string
	Scope          string
	Client         *http.Client
}

func (f *DeviceFlow) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: firstNonEmpty(f.ClientID, DefaultLoginClientID),
		Scopes:   strings.Fields(firstNonEmpty(f.Scope, DefaultLoginScope)),
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: firstNonEmpty(f.DeviceCodeURL, DefaultDeviceCodeURL),
			TokenURL:      firstNonEmpty(f.AccessTokenURL, DefaultAccessTokenURL),
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}

func (f *DeviceFlow) withClient(ctx context.Context) context.Context {
	if f.Client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, f.Client)
}

// Start requests a device and user code pair.
func (f *DeviceFlow) Start(ctx context.Context) (*DeviceCode, error) {
	da, err := f.config().DeviceAuth(f.withClient(ctx))
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %s", describeRetrieveError(err))
	}
	if da.DeviceCode == "" || da.UserCode == "" {
		return nil, errors.New("device code response is missing device_code or user_code")
	}
	return &DeviceCode{
		DeviceCode:      da.DeviceCode,
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
		Expiry:          da.Expiry,
		Interval:        da.Interval,
	}, nil
}

// Poll waits for the user to approve dc and returns the issued access token.
// Pending and slow_down replies keep polling; the interval grows by five
// seconds on each slow_down.
func (f *DeviceFlow) Poll(ctx context.Context, dc *DeviceCode) (string, error) {
	if dc == nil {
		return "", errors.New("device code is required")
	}
	log.Debug("waiting for device authorization", "interval", dc.Interval)
	tok, err := f.config().DeviceAccessToken(f.withClient(ctx), &oauth2.DeviceAuthResponse{
		DeviceCode:      dc.DeviceCode,
		UserCode:        dc.UserCode,
		VerificationURI: dc.VerificationURI,
		Expiry:          dc.Expiry,
		Interval:        dc.Interval,
	})
	if err != nil {
		var re *oauth2.RetrieveError
		switch {
		case errors.As(err, &re) && re.ErrorCode == "expired_token":
			return "", ErrDeviceCodeExpired
		case errors.As(err, &re) && re.ErrorCode == "access_denied":
			return "", ErrAccessDenied
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return "", ErrDeviceCodeExpired
		case ctx.Err() != nil:
			return "", ctx.Err()
		}
		return "", fmt.Errorf("device authorization failed: %s", describeRetrieveError(err))
	}
	token := strings.TrimSpace(tok.AccessToken)
	if token == "" {
		return "", errors.New("device token response did not contain an access token")
	}
	return token, nil
}

func describeRetrieveError(err error) string {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err.Error()
	}
	msg := strings.TrimSpace(re.ErrorDescription)
	if msg == "" {
		msg = describeOAuthError(re.Body)
	}
	if msg == "" {
		msg = re.ErrorCode
	}
	if re.Response != nil && (re.Response.StatusCode < 200 || re.Response.StatusCode > 299) {
		return fmt.Sprintf("status %d: %s", re.Response.StatusCode, msg)
	}
	return msg
}

func describeOAuthError(raw []byte) string {
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if desc := strings.TrimSpace(body.ErrorDescription); desc != "" {
			return desc
		}
		if code := strings.TrimSpace(body.Error); code != "" {
			return code
		}
	}
	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
