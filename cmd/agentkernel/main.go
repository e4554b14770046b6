// Command agentkernel runs the agent orchestration kernel with a minimal
// line-oriented frontend attached over an in-process transport. Richer
// frontends (terminal UI, browser) connect the same way: a Transport pair
// and the bus method surface the bridge registers.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentkernel/internal/bridge"
	"github.com/xonecas/agentkernel/internal/bus"
	"github.com/xonecas/agentkernel/internal/config"
	"github.com/xonecas/agentkernel/internal/provider"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a session by ID")
	flagPlan := flag.Bool("plan", false, "run in planning mode (read-only tools)")
	flagConfig := flag.String("config", "", "path to config.toml")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.Parse()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Error resolving working directory: %v\n", err)
		os.Exit(1)
	}

	configPath := *flagConfig
	if configPath == "" {
		configPath = filepath.Join(".", "config.toml")
		if dataDir, err := config.DataDir(); err == nil {
			dataDirPath := filepath.Join(dataDir, "config.toml")
			if _, err := os.Stat(dataDirPath); err == nil {
				configPath = dataDirPath
			}
		}
	}

	// The bridge loads config lazily per workspace; load once up front so
	// a broken config fails before the REPL starts.
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	frontT, kernelT := bus.NewDirectPair()
	frontBus := bus.New(frontT)
	kernelBus := bus.New(kernelT)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	br := bridge.New(bridge.Options{
		ProductName: "agentkernel",
		ConfigPath:  configPath,
		BuildProviders: func() *provider.Registry {
			return buildRegistry(cfg, creds)
		},
		OnExit: cancel,
	})
	br.Register(kernelBus)
	defer br.Shutdown()

	go kernelBus.Run(ctx)
	go frontBus.Run(ctx)

	sessionID := *flagSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	runREPL(ctx, frontBus, cwd, sessionID, *flagPlan)
}

// runREPL is the minimal frontend: it answers approval and question
// requests on stdin, prints streamed text, and sends each input line as a
// session.send.
func runREPL(ctx context.Context, frontBus *bus.Bus, cwd, sessionID string, plan bool) {
	stdin := bufio.NewScanner(os.Stdin)
	stdin.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	frontBus.RegisterHandler("toolApproval", func(ctx context.Context, payload any) (any, error) {
		req, _ := payload.(map[string]any)
		fmt.Printf("\n[approve tool %v? y/N/a(lways)] ", req["toolName"])
		if !stdin.Scan() {
			return map[string]any{"kind": "deny"}, nil
		}
		switch strings.ToLower(strings.TrimSpace(stdin.Text())) {
		case "y", "yes":
			return map[string]any{"kind": "approve"}, nil
		case "a", "always":
			return map[string]any{"kind": "approve_always_tool"}, nil
		default:
			return map[string]any{"kind": "deny"}, nil
		}
	})

	frontBus.RegisterHandler("askUser", func(ctx context.Context, payload any) (any, error) {
		req, _ := payload.(map[string]any)
		fmt.Printf("\n[%v] ", req["question"])
		if !stdin.Scan() {
			return map[string]any{"answer": ""}, nil
		}
		return map[string]any{"answer": stdin.Text()}, nil
	})

	deltas := frontBus.Subscribe("session.textDelta")
	go func() {
		for evt := range deltas {
			if m, ok := evt.Payload.(map[string]any); ok {
				if data, ok := m["data"].(map[string]any); ok {
					fmt.Print(data["text"])
				}
			}
		}
	}()

	method := "session.send"
	if plan {
		method = "session.plan"
	}

	fmt.Printf("session %s (%s)\n> ", sessionID, method)
	for stdin.Scan() {
		text := strings.TrimSpace(stdin.Text())
		if text == "" {
			fmt.Print("> ")
			continue
		}
		if text == "/exit" {
			frontBus.Request(ctx, "workspace.exit", map[string]any{})
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
		reply, err := frontBus.Request(reqCtx, method, map[string]any{
			"cwd":       cwd,
			"sessionId": sessionID,
			"text":      text,
		})
		cancel()
		if err != nil {
			fmt.Printf("\nerror: %v\n> ", err)
			continue
		}
		fmt.Printf("\n%s\n> ", renderResult(reply))

		if ctx.Err() != nil {
			return
		}
	}
}

func renderResult(reply any) string {
	// Over a direct transport the payload arrives as the bridge's own
	// envelope struct; normalize through JSON.
	raw, err := json.Marshal(reply)
	if err != nil {
		return fmt.Sprintf("%v", reply)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("%v", reply)
	}
	if success, _ := m["success"].(bool); !success {
		return fmt.Sprintf("request failed: %v", m["error"])
	}
	data, _ := m["data"].(map[string]any)
	if data == nil {
		return "done"
	}
	if t, _ := data["type"].(string); t != "" && t != "success" {
		return fmt.Sprintf("[%s]", t)
	}
	return "done"
}

// buildRegistry constructs a provider factory per configured provider,
// keyed by its declared type.
func buildRegistry(cfg *config.Config, creds *config.Credentials) *provider.Registry {
	registry := provider.NewRegistry()
	for name, pcfg := range cfg.Providers {
		apiKey := creds.GetAPIKey(name)
		switch pcfg.Type {
		case "anthropic":
			registry.RegisterFactory(name, provider.NewAnthropicFactory(name, pcfg.Endpoint, apiKey))
		case "vllm":
			registry.RegisterFactory(name, provider.NewVLLMFactory(name, pcfg.Endpoint, apiKey))
		case "opencode":
			registry.RegisterFactory(name, provider.NewOpenCodeFactory(name, pcfg.Endpoint, apiKey))
		case "zen":
			registry.RegisterFactory(name, provider.NewZenFactory(name, apiKey, pcfg.Endpoint))
		default:
			registry.RegisterFactory(name, provider.NewOllamaFactory(name, pcfg.Endpoint))
		}
	}
	return registry
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "agentkernel.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}
