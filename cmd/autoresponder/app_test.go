package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shutterdesk/autoresponder/internal/config"
	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { cfgFile = "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "dryrun", cfg.Email.Provider)
}

func TestBuildSenders(t *testing.T) {
	cfg := config.Default()

	senders, err := buildSenders(cfg, true)
	require.NoError(t, err)
	assert.Equal(t, "dry-run", senders[inbound.ChannelEmail].Name())

	cfg.Email.Provider = "resend"
	cfg.Email.Resend.APIKey = "re_test"
	cfg.Email.From = "hello@studio.test"
	senders, err = buildSenders(cfg, false)
	require.NoError(t, err)
	assert.Equal(t, "resend", senders[inbound.ChannelEmail].Name())
	assert.Equal(t, "social", senders[inbound.ChannelSocial].Name())
}

func TestOpenStore(t *testing.T) {
	cfg := config.Default()
	st, err := openStore(cfg)
	require.NoError(t, err)
	st.Close()

	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "items.db")
	st, err = openStore(cfg)
	require.NoError(t, err)
	st.Close()

	cfg.Store.Driver = "postgres"
	_, err = openStore(cfg)
	assert.Error(t, err)
}

func TestNewApp(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { cfgFile = "" })

	a, err := newApp(context.Background(), true)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.dispatcher.Policy(inbound.ChannelSocial)
	assert.True(t, ok)
	assert.NotEmpty(t, a.catalog.Templates)
}

func TestTruncateAndShortID(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "12345678", shortID("12345678-aaaa"))
	assert.Equal(t, "12", shortID("12"))
}
