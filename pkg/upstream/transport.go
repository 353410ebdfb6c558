package upstream

import (
	"net/http"
	"time"
)

// identityRoundTripper stamps the fixed client identity on every request.
type identityRoundTripper struct {
	Base     http.RoundTripper
	Identity Identity
}

func (rt identityRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	id := rt.Identity
	out.Header.Set("Editor-Version", id.EditorVersion)
	out.Header.Set("Editor-Plugin-Version", id.EditorPluginVersion)
	out.Header.Set("User-Agent", id.UserAgent)
	out.Header.Set("Openai-Organization", id.Organization)
	out.Header.Set("X-GitHub-Api-Version", id.APIVersion)
	out.Header.Set("Sec-Fetch-Site", "none")
	out.Header.Set("Sec-Fetch-Mode", "no-cors")
	out.Header.Set("Sec-Fetch-Dest", "empty")
	return base.RoundTrip(out)
}

// NewHTTPClient returns a client carrying identity on every call. A zero
// timeout leaves the call unbounded apart from the caller's context.
func NewHTTPClient(base http.RoundTripper, identity Identity, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: identityRoundTripper{Base: base, Identity: identity.withDefaults()},
		Timeout:   timeout,
	}
}
