package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_ENV_PATH", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", ":memory:")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("ADMIN_IDS", "42, 7")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, []int64{42, 7}, cfg.AdminIDs)
	assert.Equal(t, 30, cfg.FreeTestLimit)
	assert.Equal(t, 30, cfg.FreeMaxQuestions)
	assert.Equal(t, 100, cfg.PremiumMaxQuestions)
	assert.Equal(t, 20, cfg.QuestionsPerChunk)
	assert.Equal(t, time.Second, cfg.ThrottleInterval)
	assert.Equal(t, "/cryptopay/webhook", cfg.CryptoWebhookPath)
	assert.Equal(t, "https://pay.crypt.bot", cfg.CryptoPayBaseURL)
	assert.Equal(t, 3, cfg.ProcessorRetries)
	assert.False(t, cfg.CryptoEnabled())
	assert.False(t, cfg.ArchiveEnabled())
	assert.True(t, cfg.IsAdmin(7))
	assert.False(t, cfg.IsAdmin(8))
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("MYSQL_DSN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN")
	assert.Contains(t, err.Error(), "MYSQL_DSN")
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_DRIVER", "oracle")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadWebhookPathNormalized(t *testing.T) {
	setRequired(t)
	t.Setenv("CRYPTO_WEBHOOK_PATH", "hooks/crypto/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/hooks/crypto", cfg.CryptoWebhookPath)
}

func TestParseChannels(t *testing.T) {
	channels, err := parseChannels("@testbor_news:Testbor News, -100123:Private, t.me/other")
	require.NoError(t, err)
	require.Len(t, channels, 3)

	assert.Equal(t, Channel{Username: "testbor_news", Title: "Testbor News"}, channels[0])
	assert.Equal(t, "https://t.me/testbor_news", channels[0].Link())
	assert.Equal(t, int64(-100123), channels[1].ID)
	assert.Empty(t, channels[1].Link())
	assert.Equal(t, "other", channels[2].Username)
	assert.Equal(t, "t.me/other", channels[2].Title)
}

func TestParseIDListInvalid(t *testing.T) {
	_, err := parseIDList("1,abc")
	require.Error(t, err)
}
