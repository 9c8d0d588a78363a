package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func controllerCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "controller", RunE: func(*cobra.Command, []string) error { return nil }}
	BindControllerFlags(cmd)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return cmd
}

func TestControllerFromCommandDefaults(t *testing.T) {
	cfg, err := ControllerFromCommand(controllerCmd(t))
	require.NoError(t, err)

	require.Equal(t, "auto", cfg.TransMode)
	require.Equal(t, 1, cfg.Repeat)
	require.Equal(t, 1, cfg.Parallelism)
	require.Equal(t, "tradition", cfg.Launch)
	require.Equal(t, 100, cfg.FailureTolerance)
	require.Equal(t, time.Second, cfg.RemoteCallTimeout)
	require.Equal(t, 10*time.Second, cfg.RedisWaitTime)
	require.Equal(t, "127.0.0.1", cfg.Redis.Host)
	require.Equal(t, 6379, cfg.Redis.Port)
}

func TestControllerFromCommandFlags(t *testing.T) {
	cfg, err := ControllerFromCommand(controllerCmd(t,
		"--transmode", "allTCP",
		"--repeat", "3",
		"--para", "8",
		"--ditto_placement",
		"--launch", "prewarm",
		"--remote_call_timeout", "2.5",
		"--redis_ip", "10.0.0.9",
		"--redis_port", "6889",
	))
	require.NoError(t, err)

	require.Equal(t, "allTCP", cfg.TransMode)
	require.Equal(t, 3, cfg.Repeat)
	require.Equal(t, 8, cfg.Parallelism)
	require.True(t, cfg.DittoPlacement)
	require.Equal(t, "prewarm", cfg.Launch)
	require.Equal(t, 2500*time.Millisecond, cfg.RemoteCallTimeout)
	require.Equal(t, "10.0.0.9", cfg.Redis.Host)
	require.Equal(t, 6889, cfg.Redis.Port)
}

func TestControllerRedisEnvOverride(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "7000")

	cfg, err := ControllerFromCommand(controllerCmd(t))
	require.NoError(t, err)
	require.Equal(t, "redis.internal", cfg.Redis.Host)
	require.Equal(t, 7000, cfg.Redis.Port)
}

func TestControllerRedisYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: 10.0.0.100\nport: 6889\npassword: secret\n"), 0o600))

	cfg, err := ControllerFromCommand(controllerCmd(t, "--redis_yaml", path))
	require.NoError(t, err)
	require.Equal(t, "10.0.0.100", cfg.Redis.Host)
	require.Equal(t, 6889, cfg.Redis.Port)
	require.Equal(t, "secret", cfg.Redis.Password)
}

func TestWorkerFromCommand(t *testing.T) {
	cmd := &cobra.Command{Use: "worker", RunE: func(*cobra.Command, []string) error { return nil }}
	BindWorkerFlags(cmd)
	cmd.SetArgs([]string{"--stage", "split", "--port", "9090", "--cache_server_port", "9091", "--parallelism", "4"})
	require.NoError(t, cmd.Execute())

	cfg, err := WorkerFromCommand(cmd)
	require.NoError(t, err)
	require.Equal(t, "split", cfg.Stage)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 9091, cfg.CachePort)
	require.Equal(t, 4, cfg.Parallelism)
}

func TestWorkerRequiresStage(t *testing.T) {
	cmd := &cobra.Command{Use: "worker", RunE: func(*cobra.Command, []string) error { return nil }}
	BindWorkerFlags(cmd)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	_, err := WorkerFromCommand(cmd)
	require.ErrorContains(t, err, "--stage is required")
}

func TestLoadRedisYAMLMissing(t *testing.T) {
	_, err := LoadRedisYAML(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
