package credential

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Exchanger trades a long-term credential for a short-lived token.
type Exchanger interface {
	Exchange(ctx context.Context, longTerm string) (string, error)
}

// HTTPExchanger calls the identity endpoint with the long-term credential in
// the "token" authorization scheme and reads the "token" field of the reply.
type HTTPExchanger struct {
	URL    string
	Client *http.Client
	// Header is added to every exchange request (api version, fetch hints).
	Header http.Header
}

func (e *HTTPExchanger) Exchange(ctx context.Context, longTerm string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.URL, nil)
	if err != nil {
		return "", &ExchangeError{Err: err}
	}
	for k, vals := range e.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "token "+longTerm)
	req.Header.Set("Accept", "application/json")

	cli := e.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return "", &ExchangeError{Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ExchangeError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ExchangeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", &ExchangeError{StatusCode: resp.StatusCode, Body: "response is not valid JSON", Err: err}
	}
	if strings.TrimSpace(out.Token) == "" {
		return "", &ExchangeError{StatusCode: resp.StatusCode, Body: `"token" field not found in response`}
	}
	return out.Token, nil
}
