package assets

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
)

//go:embed files/templates/*.html files/models.json
var FS embed.FS

// LandingPage is the data rendered by the "landing" template.
type LandingPage struct {
	Title     string
	Endpoints []string
	Version   string
}

func ParseTemplates() (*template.Template, error) {
	t, err := template.ParseFS(FS, "files/templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}
	return t, nil
}

// LoadModelCatalog returns the embedded model descriptors verbatim.
func LoadModelCatalog() ([]json.RawMessage, error) {
	b, err := FS.ReadFile("files/models.json")
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var models []json.RawMessage
	if err := json.Unmarshal(b, &models); err != nil {
		return nil, fmt.Errorf("decode model catalog: %w", err)
	}
	return models, nil
}
