package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"

	"synapse/pkg/agent"
	"synapse/pkg/api"
	"synapse/pkg/capability"
	"synapse/pkg/config"
	"synapse/pkg/extension"
	"synapse/pkg/extension/intent"
	"synapse/pkg/llm"
	_ "synapse/pkg/llm/autoload" // registers LLM providers
	"synapse/pkg/monitor"
	"synapse/pkg/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// extensionSettings is the per-extension entry of the "extensions" config
// section. A "model" block gives the extension its own provider chain.
type extensionSettings struct {
	Enabled  *bool               `json:"enabled,omitempty"`
	Priority int                 `json:"priority"`
	Model    jsoniter.RawMessage `json:"model,omitempty"`
}

func main() {
	monitor.SetupSlog("info")
	monitor.PrintBanner()

	cfg, sysCfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}
	monitor.SetupSlog(sysCfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, manager, err := buildEngine(cfg, sysCfg)
	if err != nil {
		log.Fatalf("❌ Failed to wire engine: %v", err)
	}

	var renderer monitor.Renderer = monitor.NewCLIRenderer()
	renderer.Start()
	defer renderer.Stop()

	history := llm.NewChatHistory(sysCfg.HistoryLimit)
	reloadCh := config.WatchConfig(ctx, "config.json", "system.json")
	lineCh := readLines(os.Stdin)

	for {
		fmt.Print("❯ ")

		select {
		case <-ctx.Done():
			shutdown(manager)
			return

		case <-reloadCh:
			slog.Info("🔄 Configuration changed, rebuilding engine")
			newCfg, newSysCfg, err := config.Load()
			if err != nil {
				slog.Warn("⚠️ Reload failed, keeping previous configuration", "error", err)
				continue
			}
			newEngine, newManager, err := buildEngine(newCfg, newSysCfg)
			if err != nil {
				slog.Warn("⚠️ Rebuild failed, keeping previous engine", "error", err)
				continue
			}
			manager.Cleanup(ctx)
			cfg, sysCfg = newCfg, newSysCfg
			engine, manager = newEngine, newManager
			monitor.SetupSlog(sysCfg.LogLevel)
			slog.Info("✅ Engine rebuilt")

		case line, ok := <-lineCh:
			if !ok {
				shutdown(manager)
				return
			}
			input := strings.TrimSpace(line)
			switch {
			case input == "":
				continue
			case input == "/exit":
				shutdown(manager)
				return
			case input == "/reset":
				history.Reset()
				slog.Info("Conversation history cleared")
				continue
			}

			history.Add(llm.NewUserMessage(input))
			answer := runTurn(ctx, engine, renderer, history.Messages())
			if answer != "" {
				history.Add(llm.NewAssistantMessage(answer))
			}
		}
	}
}

// buildEngine wires one engine instance from scratch: capability catalog,
// builtin tools, extensions, then the engine itself.
func buildEngine(cfg *config.Config, sysCfg *config.SystemConfig) (*agent.Engine, *extension.Manager, error) {
	client, err := llm.NewFromConfig(cfg.Model, sysCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("model init: %w", err)
	}

	registry := capability.NewRegistry()
	if err := registry.LoadConfig(cfg.Capabilities); err != nil {
		return nil, nil, fmt.Errorf("capability catalog: %w", err)
	}

	toolCfg, err := tools.LoadConfig(cfg.Tools)
	if err != nil {
		slog.Warn("⚠️ Invalid 'tools' config, using defaults", "error", err)
	}
	pool := tools.Builtins(toolCfg)
	byName := tools.ByName(pool)

	resolver := capability.NewStaticResolver()
	for _, tt := range registry.ToolTypes() {
		for _, name := range tt.Tools {
			tool, ok := byName[name]
			if !ok {
				slog.Warn("⚠️ Tool type references unknown tool", "type", tt.ID, "tool", name)
				continue
			}
			resolver.Bind(tt.ID, tool)
		}
	}

	manager, err := buildExtensions(cfg, sysCfg, client)
	if err != nil {
		return nil, nil, fmt.Errorf("extensions: %w", err)
	}

	engine, err := agent.NewEngine(client, manager, registry, resolver, tools.BaseSet(toolCfg, pool), cfg, sysCfg)
	if err != nil {
		return nil, nil, err
	}
	return engine, manager, nil
}

// buildExtensions registers the built-in extensions with their configured
// settings. Intent detection defaults to the main model chain unless its
// entry specifies a dedicated one.
func buildExtensions(cfg *config.Config, sysCfg *config.SystemConfig, client llm.ChatModel) (*extension.Manager, error) {
	settings := map[string]extensionSettings{}
	if len(cfg.Extensions) > 0 {
		if err := json.Unmarshal(cfg.Extensions, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse 'extensions' config: %w", err)
		}
	}

	manager := extension.NewManager()

	detectorModel := client
	s := settings[intent.DefaultID]
	if len(s.Model) > 0 {
		m, err := llm.NewFromConfig(s.Model, sysCfg)
		if err != nil {
			slog.Warn("⚠️ Detector model init failed, falling back to main model", "error", err)
		} else {
			detectorModel = m
		}
	}

	detector := intent.New(detectorModel, s.Priority)
	if s.Enabled != nil {
		detector.Enabled = *s.Enabled
	}
	if err := manager.Register(detector); err != nil {
		return nil, err
	}

	slog.Info("✅ Extensions registered", "ids", manager.IDs())
	return manager, nil
}

// runTurn drives one conversation turn and returns the assistant's answer
// text for the rolling history.
func runTurn(ctx context.Context, engine *agent.Engine, renderer monitor.Renderer, history []llm.Message) string {
	var answer strings.Builder
	for ev := range engine.Run(ctx, history) {
		renderer.OnEvent(ev)
		if ev.Type == api.EventFinalAnswer {
			answer.WriteString(ev.Content)
		}
	}
	return answer.String()
}

// readLines feeds stdin lines into a channel, closed on EOF.
func readLines(r *os.File) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

func shutdown(manager *extension.Manager) {
	fmt.Println()
	manager.Cleanup(context.Background())
	slog.Info("Bye!")
}
