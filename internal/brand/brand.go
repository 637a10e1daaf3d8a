// Package brand holds the product name and default filesystem locations.
// Every location can be moved with an environment variable so the daemon
// can run unprivileged in tests and development trees.
package brand

import (
	"os"
	"path/filepath"
)

const (
	Name             = "ruleplane"
	Description      = "Zone-based firewall policy engine"
	BinaryName       = "ruleplane"
	ConfigEnvPrefix  = "RULEPLANE"
	DefaultConfigDir = "/etc/ruleplane"
	DefaultStateDir  = "/var/lib/ruleplane"
	DefaultRunDir    = "/run/ruleplane"
	ConfigFileName   = "ruleplane.hcl"
	SocketName       = "ctl.sock"
	StateFileName    = "state.db"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// VersionString is the one-line version banner.
func VersionString() string {
	return Name + " " + Version + " (" + GitCommit + ", built " + BuildTime + ")"
}

// GetConfigDir returns the config directory.
// Priority: RULEPLANE_CONFIG_DIR > RULEPLANE_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	return dir("_CONFIG_DIR", "config", DefaultConfigDir)
}

// GetStateDir returns the state directory.
// Priority: RULEPLANE_STATE_DIR > RULEPLANE_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	return dir("_STATE_DIR", "state", DefaultStateDir)
}

// GetRunDir returns the runtime directory for the control socket.
// Priority: RULEPLANE_RUN_DIR > RULEPLANE_PREFIX/run > DefaultRunDir
func GetRunDir() string {
	return dir("_RUN_DIR", "run", DefaultRunDir)
}

// ConfigPath is the default configuration file.
func ConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// SocketPath is the default control socket.
func SocketPath() string {
	return filepath.Join(GetRunDir(), SocketName)
}

// StatePath is the default state database.
func StatePath() string {
	return filepath.Join(GetStateDir(), StateFileName)
}

func dir(envSuffix, sub, def string) string {
	if d := os.Getenv(ConfigEnvPrefix + envSuffix); d != "" {
		return d
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}
