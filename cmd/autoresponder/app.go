package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shutterdesk/autoresponder/internal/config"
	"github.com/shutterdesk/autoresponder/internal/delivery"
	"github.com/shutterdesk/autoresponder/internal/dispatch"
	"github.com/shutterdesk/autoresponder/internal/email"
	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/shutterdesk/autoresponder/internal/social"
	"github.com/shutterdesk/autoresponder/internal/store"
	"github.com/shutterdesk/autoresponder/internal/template"
)

// Outgoing social replies are paced to stay clear of platform limits
const (
	socialRepliesPerMinute = 30
	socialReplyBurst       = 5
)

// app holds the wired components shared by the commands
type app struct {
	cfg        *config.Config
	store      store.Store
	catalog    *template.Catalog
	dispatcher *dispatch.Dispatcher
}

func setupLogging(verbose bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

// loadConfig reads and validates the config. A missing file falls back to
// the defaults, which dispatch in dry-run mode.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("No config file found, using defaults (dry run)")
		cfg = config.Default()
	} else if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func loadCatalog(cfg *config.Config) (*template.Catalog, error) {
	if cfg.Templates.Path == "" {
		return template.Default()
	}
	return template.LoadFromFile(cfg.Templates.Path)
}

func buildSenders(cfg *config.Config, dryRun bool) (map[inbound.Channel]delivery.Sender, error) {
	if dryRun || cfg.Dispatch.DryRun {
		return map[inbound.Channel]delivery.Sender{
			inbound.ChannelEmail:  delivery.NewDryRun(),
			inbound.ChannelSocial: delivery.NewDryRun(),
		}, nil
	}

	mailer, err := email.NewSender(cfg.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize email sender: %w", err)
	}
	return map[inbound.Channel]delivery.Sender{
		inbound.ChannelEmail:  mailer,
		inbound.ChannelSocial: social.NewReplySender(socialRepliesPerMinute, socialReplyBurst),
	}, nil
}

// newApp wires config, store, catalog and dispatcher. The caller closes
// the store.
func newApp(ctx context.Context, dryRun bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	policies, err := cfg.GatePolicies()
	if err != nil {
		return nil, err
	}
	senders, err := buildSenders(cfg, dryRun)
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	opts := dispatch.Options{
		Store:    st,
		Catalog:  catalog,
		Policies: policies,
		Senders:  senders,
		Retry:    cfg.Retry,
		Workers:  cfg.Dispatch.Workers,
	}
	if cfg.Dispatch.Seed != 0 {
		opts.Rand = dispatch.NewLockedRand(cfg.Dispatch.Seed)
	}
	d, err := dispatch.New(opts)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := d.SeedLedger(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load today's send counts: %w", err)
	}

	return &app{cfg: cfg, store: st, catalog: catalog, dispatcher: d}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
