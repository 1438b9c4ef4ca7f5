// Package pveprov is the top-level entry point for the pveprov provisioner.
//
// Use the Builder to compose an application from configuration:
//
//	cfg, _ := config.Load()
//	app, err := pveprov.NewBuilder(cfg).Build()
//	app.Serve(ctx)
//
// Or replace individual components:
//
//	app, err := pveprov.NewBuilder(cfg).
//	    WithStore(myStore).
//	    WithLLM(myClient).
//	    Build()
package pveprov

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/jxucoder/pveprov/internal/config"
	"github.com/jxucoder/pveprov/internal/engine"
	"github.com/jxucoder/pveprov/internal/logging"
	"github.com/jxucoder/pveprov/internal/server"
	"github.com/jxucoder/pveprov/pkg/collector"
	"github.com/jxucoder/pveprov/pkg/eventbus"
	"github.com/jxucoder/pveprov/pkg/llm"
	llmAnthropic "github.com/jxucoder/pveprov/pkg/llm/anthropic"
	llmOpenAI "github.com/jxucoder/pveprov/pkg/llm/openai"
	"github.com/jxucoder/pveprov/pkg/manifest"
	"github.com/jxucoder/pveprov/pkg/notify"
	slackNotify "github.com/jxucoder/pveprov/pkg/notify/slack"
	telegramNotify "github.com/jxucoder/pveprov/pkg/notify/telegram"
	"github.com/jxucoder/pveprov/pkg/pipeline"
	"github.com/jxucoder/pveprov/pkg/proxmox"
	"github.com/jxucoder/pveprov/pkg/store"
	sqliteStore "github.com/jxucoder/pveprov/pkg/store/sqlite"
)

// Proxmox is what the application needs from a cluster client. It is
// satisfied by *proxmox.Client.
type Proxmox interface {
	server.ProxmoxAPI
	collector.Fetcher
}

// Builder constructs a pveprov App.
type Builder struct {
	config    *config.Config
	store     store.RunStore
	bus       eventbus.Bus
	proxmox   Proxmox
	llm       llm.Client
	notifiers []notify.Notifier
	noNotify  bool
}

// NewBuilder creates a new Builder for cfg.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{config: cfg}
}

// WithStore sets the run store implementation.
func (b *Builder) WithStore(s store.RunStore) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithProxmox sets the cluster client.
func (b *Builder) WithProxmox(p Proxmox) *Builder {
	b.proxmox = p
	return b
}

// WithLLM sets the LLM client used by every pipeline stage.
func (b *Builder) WithLLM(client llm.Client) *Builder {
	b.llm = client
	return b
}

// WithNotifier adds a notifier. Notifiers from the configuration are still
// added unless WithoutConfiguredNotifiers is used.
func (b *Builder) WithNotifier(n notify.Notifier) *Builder {
	b.notifiers = append(b.notifiers, n)
	return b
}

// WithoutConfiguredNotifiers skips the Slack and Telegram notifiers the
// configuration enables.
func (b *Builder) WithoutConfiguredNotifiers() *Builder {
	b.noNotify = true
	return b
}

// Build creates the App. Missing components are created from the
// configuration.
func (b *Builder) Build() (*App, error) {
	if b.config == nil {
		return nil, errors.New("pveprov: configuration is required")
	}
	if err := applyDefaults(b); err != nil {
		return nil, err
	}

	cfg := b.config
	stages := engine.Stages{
		Validate: pipeline.NewValidateRequestStage(b.llm, ""),
		Collect: pipeline.NewCollectStage(b.proxmox, collector.New(b.proxmox,
			collector.WithRate(cfg.ProxmoxRateLimit),
			collector.WithLogger(logging.Named("collector")),
		)),
		Generate: pipeline.NewGenerateStage(b.llm, ""),
		Review:   pipeline.NewReviewStage(b.llm, ""),
		Refine:   pipeline.NewRefineStage(b.llm, ""),
	}

	eng := engine.New(
		engine.Config{
			MaxIterations:     cfg.MaxIterations,
			MaxConcurrentRuns: cfg.MaxConcurrentRuns,
			Terraform: manifest.TerraformOptions{
				APIURL:      cfg.ProxmoxAPIURL(),
				TokenID:     cfg.ProxmoxTokenID,
				TLSInsecure: cfg.Proxmox.InsecureSkipVerify,
			},
		},
		b.store,
		b.bus,
		stages,
		b.notifiers...,
	)

	return &App{
		config:  cfg,
		engine:  eng,
		server:  server.New(eng, b.proxmox),
		proxmox: b.proxmox,
	}, nil
}

// App is a pveprov application.
type App struct {
	config  *config.Config
	engine  *engine.Engine
	server  *server.Server
	proxmox Proxmox
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Server returns the HTTP API server.
func (a *App) Server() *server.Server { return a.server }

// Proxmox returns the cluster client.
func (a *App) Proxmox() Proxmox { return a.proxmox }

// Serve starts the engine and the HTTP server. Blocks until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	a.engine.Start(ctx)
	err := a.server.ListenAndServe(ctx, a.config.ServerAddr)
	a.engine.Stop()
	if cerr := a.engine.Store().Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the store. Use it when the App was not served.
func (a *App) Close() error {
	a.engine.Stop()
	return a.engine.Store().Close()
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// applyDefaults fills in missing components from the configuration.
func applyDefaults(b *Builder) error {
	cfg := b.config

	// Proxmox client.
	if b.proxmox == nil {
		if err := cfg.ValidateProxmox(); err != nil {
			return err
		}
		client, err := proxmox.New(cfg.Proxmox, proxmox.WithLogger(logging.Named("proxmox")))
		if err != nil {
			return errors.Wrap(err, "creating proxmox client")
		}
		b.proxmox = client
	}

	// LLM.
	if b.llm == nil {
		client, err := LLMFromConfig(cfg)
		if err != nil {
			return err
		}
		b.llm = client
	}

	// Notifiers.
	if !b.noNotify {
		if cfg.SlackEnabled() {
			b.notifiers = append(b.notifiers, slackNotify.New(cfg.SlackWebhookURL))
		}
		if cfg.TelegramEnabled() {
			tg, err := telegramNotify.New(cfg.TelegramBotToken, cfg.TelegramChatID)
			if err != nil {
				logging.Named("pveprov").Warnw("telegram notifications disabled", "error", err)
			} else {
				b.notifiers = append(b.notifiers, tg)
			}
		}
	}

	// Store.
	if b.store == nil {
		st, err := sqliteStore.New(cfg.DatabasePath)
		if err != nil {
			return errors.Wrap(err, "initializing store")
		}
		b.store = st
	}

	// Event bus.
	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	return nil
}

// LLMFromConfig creates the client for the configured provider.
func LLMFromConfig(cfg *config.Config) (llm.Client, error) {
	if err := cfg.ValidateLLM(); err != nil {
		return nil, err
	}
	switch cfg.Provider() {
	case config.ProviderAnthropic:
		return llmAnthropic.New(cfg.AnthropicAPIKey, cfg.LLMModel), nil
	default:
		return llmOpenAI.New(cfg.OpenAIAPIKey, cfg.LLMModel), nil
	}
}
