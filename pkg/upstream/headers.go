package upstream

import (
	"net/http"
	"strings"
)

// Kind selects an upstream endpoint and its header set.
type Kind string

const (
	KindChat       Kind = "chat"
	KindEmbeddings Kind = "embeddings"
	KindModels     Kind = "models"
)

func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindEmbeddings, KindModels:
		return true
	}
	return false
}

const (
	DefaultEditorVersion       = "vscode/1.98.0-insider"
	DefaultEditorPluginVersion = "copilot/1.270.0"
	DefaultUserAgent           = "GitHubCopilotChat/0.23.2"
	DefaultAPIVersion          = "2025-01-21"
	DefaultTokenAPIVersion     = "2024-12-15"
	DefaultTokenPluginVersion  = "copilot-chat/0.23.2"
	DefaultOrganization        = "github-copilot"
	DefaultIntegrationID       = "vscode-chat"
)

// Identity holds the fixed client identification the provider expects.
type Identity struct {
	EditorVersion       string
	EditorPluginVersion string
	UserAgent           string
	APIVersion          string
	Organization        string
	IntegrationID       string
}

func DefaultIdentity() Identity {
	return Identity{
		EditorVersion:       DefaultEditorVersion,
		EditorPluginVersion: DefaultEditorPluginVersion,
		UserAgent:           DefaultUserAgent,
		APIVersion:          DefaultAPIVersion,
		Organization:        DefaultOrganization,
		IntegrationID:       DefaultIntegrationID,
	}
}

func (id Identity) withDefaults() Identity {
	d := DefaultIdentity()
	pick := func(v, fallback string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return fallback
	}
	return Identity{
		EditorVersion:       pick(id.EditorVersion, d.EditorVersion),
		EditorPluginVersion: pick(id.EditorPluginVersion, d.EditorPluginVersion),
		UserAgent:           pick(id.UserAgent, d.UserAgent),
		APIVersion:          pick(id.APIVersion, d.APIVersion),
		Organization:        pick(id.Organization, d.Organization),
		IntegrationID:       pick(id.IntegrationID, d.IntegrationID),
	}
}

// TokenExchangeHeader is the extra header set sent to the identity endpoint.
func TokenExchangeHeader(id Identity, apiVersion string) http.Header {
	id = id.withDefaults()
	if strings.TrimSpace(apiVersion) == "" {
		apiVersion = DefaultTokenAPIVersion
	}
	h := http.Header{}
	h.Set("Editor-Version", id.EditorVersion)
	h.Set("Editor-Plugin-Version", DefaultTokenPluginVersion)
	h.Set("User-Agent", id.UserAgent)
	h.Set("X-GitHub-Api-Version", apiVersion)
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-Mode", "no-cors")
	h.Set("Sec-Fetch-Dest", "empty")
	return h
}

// Headers builds the per-call header set for kind. Session, machine and
// request ids are fresh on every call.
func Headers(kind Kind, token string, id Identity, ids IDSource) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "*/*")
	h.Set("Authorization", "Bearer "+token)
	h.Set("Copilot-Vision-Request", "true")
	h.Set("VScode-MachineId", ids.Hex(64))
	h.Set("VScode-SessionId", ids.UUID())
	h.Set("X-Request-Id", ids.UUID())
	switch kind {
	case KindChat:
		h.Set("Openai-Intent", "conversation-panel")
		h.Set("Copilot-Integration-Id", id.IntegrationID)
	case KindModels:
		h.Set("Openai-Intent", "model-access")
		h.Set("Copilot-Integration-Id", id.IntegrationID)
	}
	return h
}
