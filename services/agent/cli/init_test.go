package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-bgrunner/internal/recurring"
	"github.com/ramiqadoumi/go-bgrunner/services/agent/config"
)

func TestWriteConfig_RefusesOverwrite(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "bgrunner.yaml")

	require.NoError(t, writeConfig(dest, "a: 1\n", false))
	err := writeConfig(dest, "a: 2\n", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, writeConfig(dest, "a: 3\n", true))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "a: 3\n", string(data))
}

func TestDefaultYAML_Loads(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(defaultAgentYAML)))

	cfg := config.Load(v)
	assert.Equal(t, "outbox.refresh", cfg.TaskIdentifier)
	assert.Equal(t, 2*time.Second, cfg.ExpiryGrace)
	assert.Equal(t, 500*time.Millisecond, cfg.SessionPollInterval)
	assert.Equal(t, 30*time.Second, cfg.BudgetDuration)
	assert.Equal(t, 1, cfg.NoticeLimit)

	_, err := recurring.ParseSchedule(cfg.RefreshSchedule)
	assert.NoError(t, err)
}
