package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every config source at empty temp directories.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	for _, key := range []string{
		"MYAGENTS_CONFIG", "MYAGENTS_SIDECAR_URL", "MYAGENTS_PUSH",
		"MYAGENTS_LOG_LEVEL", "MYAGENTS_REGISTRY", "MYAGENTS_MAX_RETRIES",
	} {
		t.Setenv(key, "")
	}
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:4319", cfg.SidecarURL)
	assert.Equal(t, PushSSE, cfg.Push)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, filepath.Join(home, ".local", "share", "myagents", "registry"), cfg.Registry)
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	home := isolate(t)
	workspace := t.TempDir()

	writeFile(t, filepath.Join(home, ".config", "myagents", "myagents.json"), `{
		"sidecarUrl": "http://global:1",
		"logLevel": "info"
	}`)
	writeFile(t, filepath.Join(workspace, ".myagents", "myagents.jsonc"), `{
		// comments are allowed
		"sidecarUrl": "http://project:2",
		"push": "websocket",
		"reconnect": {"maxRetries": 3, "initialInterval": "100ms"},
	}`)

	cfg, err := Load(workspace)
	require.NoError(t, err)
	assert.Equal(t, "http://project:2", cfg.SidecarURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, PushWebSocket, cfg.Push)
	assert.Equal(t, 3, cfg.Reconnect.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, Duration(cfg.Reconnect.InitialInterval, time.Second))
}

func TestLoadEnvOverridesAndInterpolation(t *testing.T) {
	isolate(t)
	workspace := t.TempDir()
	t.Setenv("SIDECAR_HOST", "example.test")

	writeFile(t, filepath.Join(workspace, "custom.json"), `{"sidecarUrl": "http://{env:SIDECAR_HOST}:9"}`)
	t.Setenv("MYAGENTS_CONFIG", filepath.Join(workspace, "custom.json"))

	cfg, err := Load(workspace)
	require.NoError(t, err)
	assert.Equal(t, "http://example.test:9", cfg.SidecarURL)

	t.Setenv("MYAGENTS_SIDECAR_URL", "http://env:3")
	t.Setenv("MYAGENTS_REGISTRY", RegistryMemory)
	t.Setenv("MYAGENTS_MAX_RETRIES", "5")
	cfg, err = Load(workspace)
	require.NoError(t, err)
	assert.Equal(t, "http://env:3", cfg.SidecarURL)
	assert.Equal(t, RegistryMemory, cfg.Registry)
	assert.Equal(t, 5, cfg.Reconnect.MaxRetries)
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, ".env"), "MYAGENTS_LOG_LEVEL=debug\n")
	t.Cleanup(func() { os.Unsetenv("MYAGENTS_LOG_LEVEL") })
	os.Unsetenv("MYAGENTS_LOG_LEVEL")

	cfg, err := Load(workspace)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	isolate(t)
	workspace := t.TempDir()

	writeFile(t, filepath.Join(workspace, ".myagents", "myagents.json"), `{"push": "carrier-pigeon"}`)
	_, err := Load(workspace)
	assert.Error(t, err)

	writeFile(t, filepath.Join(workspace, ".myagents", "myagents.json"), `{"timeout": "soon"}`)
	_, err = Load(workspace)
	assert.Error(t, err)

	writeFile(t, filepath.Join(workspace, ".myagents", "myagents.json"), `{not json`)
	_, err = Load(workspace)
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, time.Second, Duration("bogus", time.Second))
	assert.Equal(t, 2*time.Minute, Duration("2m", time.Second))
}
