// Package upstream issues calls to the provider's chat, embeddings and models
// endpoints with the header sets the provider expects.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/copilotbridge/pkg/observability"
)

const (
	DefaultChatURL       = "https://api.individual.githubcopilot.com/chat/completions"
	DefaultEmbeddingsURL = "https://api.individual.githubcopilot.com/embeddings"
	DefaultModelsURL     = "https://api.individual.githubcopilot.com/models"
	DefaultTokenURL      = "https://api.github.com/copilot_internal/v2/token"

	errorBodyMaxBytes = 1 << 20
)

type Endpoints struct {
	Chat       string
	Embeddings string
	Models     string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{Chat: DefaultChatURL, Embeddings: DefaultEmbeddingsURL, Models: DefaultModelsURL}
}

func (e Endpoints) url(kind Kind) string {
	switch kind {
	case KindChat:
		return e.Chat
	case KindEmbeddings:
		return e.Embeddings
	case KindModels:
		return e.Models
	}
	return ""
}

type Client struct {
	endpoints Endpoints
	identity  Identity
	base      http.RoundTripper
	timeout   time.Duration
	http      *http.Client
	ids       IDSource
}

type Option func(*Client)

// WithHTTPClient borrows the transport and timeout of c. The identity headers
// are still stamped on top of its transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.base = c.Transport
			cl.timeout = c.Timeout
		}
	}
}

func WithIDSource(ids IDSource) Option {
	return func(cl *Client) {
		if ids != nil {
			cl.ids = ids
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.timeout = d
	}
}

func NewClient(endpoints Endpoints, identity Identity, opts ...Option) *Client {
	identity = identity.withDefaults()
	c := &Client{
		endpoints: endpoints,
		identity:  identity,
		ids:       RandomIDs{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.http = NewHTTPClient(c.base, identity, c.timeout)
	return c
}

func (c *Client) Identity() Identity { return c.identity }

func (c *Client) IDs() IDSource { return c.ids }

// Do forwards body to the endpoint for kind using token as bearer. Models is
// fetched with GET and ignores body. A non-2xx reply is drained, closed and
// returned as *Error. On success the caller owns resp.Body.
func (c *Client) Do(ctx context.Context, kind Kind, token string, body []byte) (*http.Response, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown upstream endpoint kind %q", kind)
	}
	target := strings.TrimSpace(c.endpoints.url(kind))
	if target == "" {
		return nil, fmt.Errorf("no upstream url configured for %s", kind)
	}
	method := http.MethodPost
	var reader io.Reader = bytes.NewReader(body)
	if kind == KindModels {
		method = http.MethodGet
		reader = nil
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for k, vals := range Headers(kind, token, c.identity, c.ids) {
		req.Header[k] = vals
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveUpstream(string(kind), 0, time.Since(started))
		log.Warn("upstream request failed", "kind", kind, "error", err)
		return nil, err
	}
	observability.ObserveUpstream(string(kind), resp.StatusCode, time.Since(started))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyMaxBytes))
		log.Warn("upstream returned error status", "kind", kind, "status", resp.StatusCode)
		return nil, &Error{Kind: kind, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}
