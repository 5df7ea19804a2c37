package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultAppName names the config and data directories.
const DefaultAppName = "ebb"

// Paths holds the per-user locations ebb reads and writes.
type Paths struct {
	ConfigPath string
	DataDir    string
	// DBPath is the default sqlite database.
	DBPath string
	LogDir string
	app    string
}

// Options selects the app directory name.
type Options struct {
	AppName string
	// DevMode appends "-dev" so development runs never touch the real queue.
	DevMode bool
}

// DefaultPaths returns default paths.
func DefaultPaths() (Paths, error) {
	return DefaultPathsWithOptions(Options{})
}

// DefaultPathsWithOptions resolves paths for the running OS and environment.
func DefaultPathsWithOptions(opts Options) (Paths, error) {
	appName := strings.TrimSpace(opts.AppName)
	if appName == "" {
		appName = DefaultAppName
	}
	if opts.DevMode {
		appName += "-dev"
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("user config dir: %w", err)
	}
	dataDir := configDir
	switch runtime.GOOS {
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("user home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	case "windows":
		if v := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); v != "" {
			dataDir = v
		}
	}

	env := map[string]string{}
	for _, key := range []string{"XDG_CONFIG_HOME", "XDG_DATA_HOME", "APPDATA", "LOCALAPPDATA"} {
		env[key] = os.Getenv(key)
	}
	return PathsFor(runtime.GOOS, env, configDir, dataDir, appName)
}

// PathsFor computes paths from explicit inputs so every platform rule is testable anywhere.
func PathsFor(goos string, env map[string]string, userConfigDir, userDataDir, appName string) (Paths, error) {
	if userConfigDir == "" || userDataDir == "" {
		return Paths{}, fmt.Errorf("empty base dirs")
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return Paths{}, fmt.Errorf("empty app name")
	}

	configBase, dataBase := userConfigDir, userDataDir
	switch goos {
	case "linux":
		configBase = firstNonEmpty(env["XDG_CONFIG_HOME"], configBase)
		dataBase = firstNonEmpty(env["XDG_DATA_HOME"], dataBase)
	case "windows":
		configBase = firstNonEmpty(env["APPDATA"], configBase)
		dataBase = firstNonEmpty(env["LOCALAPPDATA"], dataBase)
	}

	appDataDir := filepath.Join(dataBase, appName)
	return Paths{
		ConfigPath: filepath.Join(configBase, appName, "config.toml"),
		DataDir:    appDataDir,
		DBPath:     filepath.Join(appDataDir, appName+".db"),
		LogDir:     filepath.Join(appDataDir, "log"),
		app:        appName,
	}, nil
}

// StoragePath returns the default location for a storage backend: a file for sqlite and
// jsonfile, a directory for badger.
func (p Paths) StoragePath(backend string) string {
	app := p.app
	if app == "" {
		app = DefaultAppName
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "badger":
		return filepath.Join(p.DataDir, app+".badger")
	case "jsonfile":
		return filepath.Join(p.DataDir, app+".json")
	default:
		return p.DBPath
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
