// Package catalog serves the list of models the gateway advertises.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/copilotbridge/pkg/assets"
	"github.com/lkarlslund/copilotbridge/pkg/upstream"
)

const modelListMaxBytes = 8 << 20

// List is the OpenAI style model list envelope.
type List struct {
	Data   []json.RawMessage `json:"data"`
	Object string            `json:"object"`
}

// Fetcher is the part of the upstream client the catalog needs.
type Fetcher interface {
	Do(ctx context.Context, kind upstream.Kind, token string, body []byte) (*http.Response, error)
}

type Catalog struct {
	static  []json.RawMessage
	fetcher Fetcher
}

// New loads the embedded catalog. fetcher may be nil, in which case Live
// always returns the static list.
func New(fetcher Fetcher) (*Catalog, error) {
	models, err := assets.LoadModelCatalog()
	if err != nil {
		return nil, err
	}
	return &Catalog{static: models, fetcher: fetcher}, nil
}

func (c *Catalog) Static() List {
	out := make([]json.RawMessage, len(c.static))
	copy(out, c.static)
	return List{Data: out, Object: "list"}
}

// Live asks the provider for its current model list using token. Any failure
// falls back to the static list.
func (c *Catalog) Live(ctx context.Context, token string) List {
	if c.fetcher == nil || token == "" {
		return c.Static()
	}
	models, err := c.fetch(ctx, token)
	if err != nil {
		log.Debug("live model list unavailable, serving static catalog", "error", err)
		return c.Static()
	}
	return List{Data: models, Object: "list"}
}

func (c *Catalog) fetch(ctx context.Context, token string) ([]json.RawMessage, error) {
	resp, err := c.fetcher.Do(ctx, upstream.KindModels, token, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, modelListMaxBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	if out.Data == nil {
		return nil, fmt.Errorf("model list response has no data field")
	}
	return out.Data, nil
}
