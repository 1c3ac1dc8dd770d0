package llm

import (
	"fmt"
	"log/slog"
	"time"

	"synapse/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

// NewFromConfig builds the ChatModel described by the "model" config
// section: every configured provider group contributes its atomic clients,
// and more than one client is wrapped in a FallbackModel using the
// system-level retry settings.
func NewFromConfig(rawModel jsoniter.RawMessage, system *config.SystemConfig) (ChatModel, error) {
	var atomic []ChatModel

	if rawModel == nil {
		return nil, fmt.Errorf("missing 'model' config")
	}

	var groups []ProviderGroupConfig
	if err := json.Unmarshal(rawModel, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse 'model' config: %w", err)
	}

	for _, group := range groups {
		slog.Info("Loading model group", "type", group.Type, "models", len(group.Models))

		factory, ok := GetProviderFactory(group.Type)
		if !ok {
			slog.Warn("⚠️ Unknown provider type", "type", group.Type)
			continue
		}

		clients, err := factory.Create(group, system)
		if err != nil {
			slog.Warn("⚠️ Failed to create clients", "type", group.Type, "error", err)
			continue
		}

		atomic = append(atomic, clients...)
	}

	if len(atomic) == 0 {
		return nil, fmt.Errorf("no model clients could be initialized")
	}

	slog.Info("✅ Model clients initialized", "count", len(atomic))

	if len(atomic) == 1 {
		return atomic[0], nil
	}

	return &FallbackModel{
		Models:     atomic,
		MaxRetries: system.MaxRetries,
		RetryDelay: time.Duration(system.RetryDelayMs) * time.Millisecond,
	}, nil
}
