package llm

import (
	"synapse/pkg/config"
)

// ProviderGroupConfig configures one group of models of the same provider.
// It is the standard input every ProviderFactory accepts.
type ProviderGroupConfig struct {
	Type                string         `json:"type"`
	APIKeys             []string       `json:"api_keys,omitempty"`
	Models              []string       `json:"models"`
	BaseURL             string         `json:"base_url,omitempty"`
	UseThoughtSignature bool           `json:"use_thought_signature,omitempty"`
	Options             map[string]any `json:"options,omitempty"`
}

// ProviderFactory builds the atomic clients of one provider group.
type ProviderFactory interface {
	Create(groupConfig ProviderGroupConfig, systemConfig *config.SystemConfig) ([]ChatModel, error)
}

// Provider registry. Providers self-register from init(), the same way
// database/sql drivers do; pkg/llm/autoload pulls them all in.
var providerRegistry = make(map[string]ProviderFactory)

// RegisterProvider registers a ProviderFactory under a type name.
func RegisterProvider(name string, factory ProviderFactory) {
	providerRegistry[name] = factory
}

// GetProviderFactory returns the factory registered under name.
func GetProviderFactory(name string) (ProviderFactory, bool) {
	f, ok := providerRegistry[name]
	return f, ok
}
