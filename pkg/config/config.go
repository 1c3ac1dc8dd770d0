package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// Config defines the global application configuration structure.
// It maps directly to config.json and holds business-level settings:
// provider choices, the assistant persona and the capability catalog.
type Config struct {
	// Model holds the provider group list in raw JSON; pkg/llm parses it.
	Model jsoniter.RawMessage `json:"model"`
	// SystemPrompt is the base persona/instruction text every run starts
	// its system message from.
	SystemPrompt string `json:"system_prompt"`
	// Capabilities holds the capability catalog (prompt fragments and
	// tool types) in raw JSON; pkg/capability parses it.
	Capabilities jsoniter.RawMessage `json:"capabilities"`
	// Extensions holds per-extension settings (enabled, priority, model
	// overrides) in raw JSON; consumed during wiring.
	Extensions jsoniter.RawMessage `json:"extensions"`
	// Tools holds builtin tool settings in raw JSON; consumed during wiring.
	Tools jsoniter.RawMessage `json:"tools"`
}

// Validate ensures the configuration contains all mandatory fields.
// It acts as a primary guard before the system proceeds to initialization.
func (c *Config) Validate() error {
	if len(c.Model) == 0 {
		return fmt.Errorf("mandatory 'model' configuration is missing or empty")
	}
	return nil
}

// SystemConfig defines engine-level technical parameters, stored in
// system.json. These control reliability and runtime behavior rather than
// product content.
type SystemConfig struct {
	// MaxIterations bounds the reason/act rounds of one run. A run that
	// exhausts the bound is aborted with a fixed user-visible message.
	MaxIterations int `json:"max_iterations"`
	// MaxObserveChars caps the tool output fed back to the model per call.
	// 0 disables the cap.
	MaxObserveChars int `json:"max_observe_chars"`
	// StuckThreshold is the number of identical consecutive assistant
	// replies that counts as a stuck loop. 0 disables detection.
	StuckThreshold int `json:"stuck_threshold"`
	// MaxRetries is the number of attempts against a provider reporting
	// transient errors before moving down the fallback chain.
	MaxRetries int `json:"max_retries"`
	// RetryDelayMs is the base wait between consecutive retry attempts.
	RetryDelayMs int `json:"retry_delay_ms"`
	// LLMTimeoutMs is the hard cutoff for one model request. 0 disables
	// the timeout (a run then only stops at its own suspension points).
	LLMTimeoutMs int `json:"llm_timeout_ms"`
	// ToolTimeoutMs is the hard cutoff for one builtin tool invocation.
	ToolTimeoutMs int `json:"tool_timeout_ms"`
	// OllamaDefaultURL is the fallback endpoint for a local Ollama
	// instance when the provider group gives no URL.
	OllamaDefaultURL string `json:"ollama_default_url"`
	// InternalChannelBuffer sizes the internal Go channels buffering
	// stream chunks and run events.
	InternalChannelBuffer int `json:"internal_channel_buffer"`
	// HistoryLimit caps the rolling REPL transcript length in messages.
	// 0 disables the cap.
	HistoryLimit int `json:"history_limit"`
	// ShowThinking streams the model's reasoning blocks as thought events.
	ShowThinking bool `json:"show_thinking"`
	// DebugChunks saves every raw provider chunk under debug/ for
	// inspection.
	DebugChunks bool `json:"debug_chunks"`
	// LogLevel sets the minimum severity for log output.
	// Accepted values: "debug", "info", "warn", "error". Default: "info".
	LogLevel string `json:"log_level"`
	// EnableTools globally toggles tool calling. If false the model is
	// never offered a tool surface and every run is single-round.
	EnableTools bool `json:"enable_tools"`
}

// DefaultSystemConfig returns a SystemConfig with safe defaults, used as
// the fallback when system.json is missing or corrupt so the engine can
// always start.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxIterations:         100,
		MaxObserveChars:       10000,
		StuckThreshold:        2,
		MaxRetries:            3,
		RetryDelayMs:          500,
		LLMTimeoutMs:          0,
		ToolTimeoutMs:         15000,
		OllamaDefaultURL:      "http://localhost:11434",
		InternalChannelBuffer: 100,
		HistoryLimit:          40,
		ShowThinking:          true,
		LogLevel:              "info",
		EnableTools:           true,
	}
}

// Load reads the JSON configuration files from the working directory:
// config.json (mandatory app config) and system.json (optional, falls back
// to defaults).
func Load() (*Config, *SystemConfig, error) {
	appPath := "config.json"
	if _, err := os.Stat(appPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}

	appFile, err := os.ReadFile(appPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(appFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	sysCfg := LoadSystemConfig("system.json")

	return &cfg, sysCfg, nil
}

// LoadSystemConfig loads system settings, returning defaults on any failure.
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg // File not found, use defaults
	}

	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(file, cfg); err != nil {
		return cfg // Parse failed, use defaults
	}

	return cfg
}
