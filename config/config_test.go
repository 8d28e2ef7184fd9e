package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxDelegationDepth)
	require.Equal(t, 3, cfg.MaxEscalationAttempts)
	require.Equal(t, 100, cfg.MaxCustomerDelegationsPerHour)
	require.Equal(t, 50, cfg.MaxAgentDelegationsPerHour)
	require.Equal(t, "ve-task-queue", cfg.TaskQueue)
}

func TestLoadFileIgnoresUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "task_queue: custom-queue\nmax_delegation_depth: 7\nnot_a_real_option: true\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "custom-queue", cfg.TaskQueue)
	require.Equal(t, 7, cfg.MaxDelegationDepth)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("task_queue: from-file\n"), 0o600))
	t.Setenv("TASK_QUEUE", "from-env")
	t.Setenv("MAX_DELEGATION_DEPTH", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.TaskQueue)
	require.Equal(t, 9, cfg.MaxDelegationDepth)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
