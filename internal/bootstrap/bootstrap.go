// Package bootstrap synchronizes organization-wide assistants from a YAML
// manifest at startup. Manifest assistants are owned by the shared owner and
// visible to every caller; re-running the sync upserts them in place.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/renga/internal/graph"
	"github.com/ashita-ai/renga/internal/model"
	"github.com/ashita-ai/renga/internal/storage"
)

// Manifest is the top-level structure of the assistants file.
type Manifest struct {
	Assistants []ManifestAssistant `yaml:"assistants"`
}

// ManifestAssistant is one assistant declaration. The assistant_id is
// required so repeated syncs update rather than duplicate.
type ManifestAssistant struct {
	AssistantID string         `yaml:"assistant_id"`
	GraphID     string         `yaml:"graph_id"`
	Config      ManifestConfig `yaml:"config"`
	Metadata    map[string]any `yaml:"metadata"`
}

// ManifestConfig mirrors model.AssistantConfig with YAML field names.
type ManifestConfig struct {
	Model        string               `yaml:"model"`
	Temperature  *float64             `yaml:"temperature"`
	SystemPrompt string               `yaml:"system_prompt"`
	ToolServers  []ManifestToolServer `yaml:"tool_servers"`
	Configurable map[string]any       `yaml:"configurable"`
}

// ManifestToolServer points an assistant at one MCP tool server.
type ManifestToolServer struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

func (c ManifestConfig) toModel() model.AssistantConfig {
	out := model.AssistantConfig{
		Model:        c.Model,
		Temperature:  c.Temperature,
		SystemPrompt: c.SystemPrompt,
		Configurable: c.Configurable,
	}
	for _, ts := range c.ToolServers {
		out.ToolServers = append(out.ToolServers, model.ToolServerConfig{
			Name:    ts.Name,
			URL:     ts.URL,
			Headers: ts.Headers,
		})
	}
	return out
}

// Load reads and validates a manifest file. Every entry must carry an
// assistant_id and a graph_id registered in registry.
func Load(path string, registry *graph.Registry) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("bootstrap: reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("bootstrap: parsing manifest: %w", err)
	}

	for i, a := range m.Assistants {
		if a.AssistantID == "" {
			return Manifest{}, fmt.Errorf("bootstrap: assistant %d: assistant_id is required", i)
		}
		if err := model.ValidateResourceID(a.AssistantID); err != nil {
			return Manifest{}, fmt.Errorf("bootstrap: assistant %q: %w", a.AssistantID, err)
		}
		if !registry.Known(a.GraphID) {
			return Manifest{}, fmt.Errorf("bootstrap: assistant %q: unknown graph_id %q", a.AssistantID, a.GraphID)
		}
	}
	return m, nil
}

// Sync upserts every manifest assistant with the shared owner.
func Sync(ctx context.Context, store storage.Store, m Manifest, logger *slog.Logger) error {
	var created, updated int
	for _, a := range m.Assistants {
		_, isNew, err := store.PutAssistant(ctx, model.Assistant{
			ID:       a.AssistantID,
			GraphID:  a.GraphID,
			Config:   a.Config.toModel(),
			Metadata: model.StampOwner(a.Metadata, model.SharedOwner),
		})
		if err != nil {
			return fmt.Errorf("bootstrap: syncing assistant %q: %w", a.AssistantID, err)
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	logger.Info("assistant manifest synced", "created", created, "updated", updated)
	return nil
}
