// Package config loads client and sidecar configuration and resolves
// the standard data directories.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "myagents"

// Paths contains the standard directories for myagents data.
type Paths struct {
	Data   string // ~/.local/share/myagents
	Config string // ~/.config/myagents
	State  string // ~/.local/state/myagents
}

// GetPaths returns the standard directories, honoring XDG overrides.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), appName),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), appName),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), appName),
	}
}

// EnsurePaths creates all directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// RegistryPath is the default directory of the shared cron registry.
func (p *Paths) RegistryPath() string {
	return filepath.Join(p.Data, "registry")
}

// StoragePath is the root of the sidecar's document storage.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

// LogPath is the log file used when logs are not printed.
func (p *Paths) LogPath() string {
	return filepath.Join(p.State, appName+".log")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, appName+".json")
}

// ProjectConfigPath returns the path to a workspace's config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".myagents", appName+".json")
}
