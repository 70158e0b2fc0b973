package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/chat"
	"github.com/rahul/stepwise/internal/command"
	"github.com/rahul/stepwise/internal/gateway"
	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/process"
	"github.com/rahul/stepwise/internal/reference"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tui"
	"github.com/rahul/stepwise/internal/wizard"
	"github.com/rahul/stepwise/pkg/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig: config.Load,
		RunServe:   runServe,
		RunTUI:     runTUI,
		Out:        os.Stdout,
	})
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// services holds everything a front end needs besides its own gateway.
type services struct {
	logger  *observability.Logger
	history *store.HistoryStore
	deps    wizard.Deps
}

func (r *services) Close() {
	if err := r.history.Close(); err != nil {
		log.Printf("Warning: failed to close history store: %v", err)
	}
}

func newModel(cfg *config.Config) (llms.Model, string, error) {
	name, p := cfg.GetDefaultProvider()
	if name == "" {
		return nil, "", fmt.Errorf("no enabled provider found in config")
	}
	switch name {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(p.APIKey),
			openai.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, "", fmt.Errorf("init %s: %w", name, err)
		}
		return llm, p.Model, nil
	}
	return nil, "", fmt.Errorf("provider %s is not supported", name)
}

func newServices(cfg *config.Config, logger *observability.Logger, events func(wizard.Event)) (*services, error) {
	llm, modelName, err := newModel(cfg)
	if err != nil {
		return nil, err
	}

	assistant := agent.NewAssistant(llm, modelName, agent.NewPromptManager(cfg.App.PromptsDir), logger)
	if cfg.Wizard.FetchReferences {
		assistant.References = reference.NewFetcher()
	}

	policy, err := governance.NewPolicyEngine(cfg.Wizard.MaxInputRunes, cfg.Wizard.DeniedPatterns)
	if err != nil {
		return nil, err
	}

	history, err := store.NewHistoryStore(cfg.Memory.Path)
	if err != nil {
		return nil, err
	}

	return &services{
		logger:  logger,
		history: history,
		deps: wizard.Deps{
			Refiner:   assistant,
			Generator: process.NewGenerator(assistant),
			Policy:    policy,
			Archive:   history,
			Logger:    logger,
			Events:    events,
			ChatOptions: []chat.Option{
				chat.WithQuestionDelay(cfg.Wizard.QuestionDelay()),
				chat.WithSummary(!cfg.Wizard.SkipSummary),
			},
		},
	}, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	observability.PrintBanner(os.Stdout, cfg.App.Name)
	logger := observability.NewLogger(cfg.App.LogDir)

	bus := gateway.NewEventBus()
	rt, err := newServices(cfg, logger, bus.Publish)
	if err != nil {
		return err
	}
	defer rt.Close()

	manager := wizard.NewManager(rt.deps, cfg.Wizard.SessionTTL())
	timeout := cfg.Wizard.RequestTimeout()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var gateways []gateway.Messenger
	if h, ok := cfg.GetHTTPConfig(); ok {
		httpGw := gateway.NewHTTPGateway(gateway.HTTPDeps{Manager: manager, Archive: rt.history, Addr: h.Addr, RequestTimeout: timeout})
		bus.Subscribe(httpGw.Publish)
		gateways = append(gateways, httpGw)
	}
	if tgCfg, ok := cfg.GetTelegramConfig(); ok {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, &gateway.Dispatcher{Manager: manager, Timeout: timeout})
		if err != nil {
			return err
		}
		bus.Subscribe(tg.Sink())
		gateways = append(gateways, tg)
	}
	if dcCfg, ok := cfg.GetDiscordConfig(); ok {
		dc, err := gateway.NewDiscordGateway(dcCfg.Token, &gateway.Dispatcher{Manager: manager, Timeout: timeout})
		if err != nil {
			return err
		}
		bus.Subscribe(dc.Sink())
		gateways = append(gateways, dc)
	}
	if len(gateways) == 0 {
		return fmt.Errorf("no gateway is enabled in config")
	}

	go bus.Run(ctx)
	go manager.Run(ctx, wizard.DefaultReapInterval)

	for _, g := range gateways {
		go func(g gateway.Messenger) {
			if err := g.Start(); err != nil {
				log.Printf("gateway failed: %v", err)
				cancel()
			}
		}(g)
	}

	<-ctx.Done()
	for _, g := range gateways {
		if err := g.Stop(); err != nil {
			log.Printf("Warning: gateway stop: %v", err)
		}
	}
	<-bus.Done()
	observability.Exitf(os.Stdout, "stepwise stopped")
	return nil
}

const localSession = "local"

func runTUI(ctx context.Context, cfg *config.Config) error {
	// The alt screen owns stdout, so logs go to a file instead.
	logOut := io.Discard
	if cfg.App.LogDir != "" {
		if err := os.MkdirAll(cfg.App.LogDir, 0o755); err == nil {
			f, err := os.OpenFile(filepath.Join(cfg.App.LogDir, "tui.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				defer f.Close()
				logOut = f
			}
		}
	}
	log.SetOutput(logOut)
	logger := observability.NewLogger(cfg.App.LogDir)
	logger.SetOutput(logOut)

	events := make(chan wizard.Event, 64)
	rt, err := newServices(cfg, logger, func(e wizard.Event) {
		if e.SessionID != localSession {
			return
		}
		select {
		case events <- e:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	w := wizard.New(localSession, rt.deps)
	return tui.Run(ctx, w, events, cfg.Wizard.RequestTimeout())
}
