package engineconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, 9876, cfg.Port)
	require.Equal(t, 65536, cfg.EventLoop.RingCapacity)
	require.Equal(t, 64, cfg.Sandbox.PoolSize)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vayu.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9999\ndata_dir: /tmp/custom\n"), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "/tmp/custom", cfg.DataDir)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vayu.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9999\n"), 0o600))

	t.Setenv("VAYU_PORT", "7000")
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{Port: 0, DataDir: "x", EventLoop: EventLoopConfig{RingCapacity: 1024}, Sandbox: SandboxConfig{PoolSize: 1}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPowerOfTwoRing(t *testing.T) {
	cfg := &Config{Port: 9876, DataDir: "x", EventLoop: EventLoopConfig{RingCapacity: 1000}, Sandbox: SandboxConfig{PoolSize: 1}}
	require.Error(t, cfg.Validate())
}
