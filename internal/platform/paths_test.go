package platform

import (
	"path/filepath"
	"testing"
)

// TestPathsFor covers the per-OS base directory rules.
func TestPathsFor(t *testing.T) {
	cases := []struct {
		name       string
		goos       string
		env        map[string]string
		config     string
		data       string
		wantConfig string
		wantData   string
	}{
		{
			name:       "linux honors XDG",
			goos:       "linux",
			env:        map[string]string{"XDG_CONFIG_HOME": "/xdg/config", "XDG_DATA_HOME": "/xdg/data"},
			config:     "/home/me/.config",
			data:       "/home/me/.local/share",
			wantConfig: "/xdg/config",
			wantData:   "/xdg/data",
		},
		{
			name:       "linux without XDG",
			goos:       "linux",
			config:     "/home/me/.config",
			data:       "/home/me/.local/share",
			wantConfig: "/home/me/.config",
			wantData:   "/home/me/.local/share",
		},
		{
			name:       "windows app data",
			goos:       "windows",
			env:        map[string]string{"APPDATA": `C:\Roaming`, "LOCALAPPDATA": `C:\Local`},
			config:     `C:\fallback\config`,
			data:       `C:\fallback\data`,
			wantConfig: `C:\Roaming`,
			wantData:   `C:\Local`,
		},
		{
			name:       "darwin ignores XDG",
			goos:       "darwin",
			env:        map[string]string{"XDG_CONFIG_HOME": "/ignored", "XDG_DATA_HOME": "/ignored"},
			config:     "/Users/me/Library/Application Support",
			data:       "/Users/me/Library/Application Support",
			wantConfig: "/Users/me/Library/Application Support",
			wantData:   "/Users/me/Library/Application Support",
		},
		{
			name:       "other os uses given dirs",
			goos:       "freebsd",
			config:     "/cfg",
			data:       "/data",
			wantConfig: "/cfg",
			wantData:   "/data",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := PathsFor(tc.goos, tc.env, tc.config, tc.data, "ebb")
			if err != nil {
				t.Fatalf("PathsFor() error = %v", err)
			}
			if want := filepath.Join(tc.wantConfig, "ebb", "config.toml"); p.ConfigPath != want {
				t.Fatalf("ConfigPath = %q, want %q", p.ConfigPath, want)
			}
			if want := filepath.Join(tc.wantData, "ebb"); p.DataDir != want {
				t.Fatalf("DataDir = %q, want %q", p.DataDir, want)
			}
			if want := filepath.Join(tc.wantData, "ebb", "ebb.db"); p.DBPath != want {
				t.Fatalf("DBPath = %q, want %q", p.DBPath, want)
			}
		})
	}
}

func TestPathsForRejectsEmptyInputs(t *testing.T) {
	if _, err := PathsFor("darwin", nil, "", "/tmp/data", "ebb"); err == nil {
		t.Fatal("PathsFor() with empty config dir error = nil")
	}
	if _, err := PathsFor("linux", nil, "/cfg", "/data", "  "); err == nil {
		t.Fatal("PathsFor() with blank app name error = nil")
	}
}

// TestStoragePathPerBackend verifies each backend gets its own file or directory.
func TestStoragePathPerBackend(t *testing.T) {
	p, err := PathsFor("linux", nil, "/home/me/.config", "/home/me/.local/share", "ebb")
	if err != nil {
		t.Fatalf("PathsFor() error = %v", err)
	}
	data := filepath.Join("/home/me/.local/share", "ebb")
	cases := map[string]string{
		"sqlite":   filepath.Join(data, "ebb.db"),
		"":         filepath.Join(data, "ebb.db"),
		"badger":   filepath.Join(data, "ebb.badger"),
		"JSONFile": filepath.Join(data, "ebb.json"),
	}
	for backend, want := range cases {
		if got := p.StoragePath(backend); got != want {
			t.Fatalf("StoragePath(%q) = %q, want %q", backend, got, want)
		}
	}
	if want := filepath.Join(data, "log"); p.LogDir != want {
		t.Fatalf("LogDir = %q, want %q", p.LogDir, want)
	}
	if got := (Paths{DataDir: "/d"}).StoragePath("badger"); got != filepath.Join("/d", "ebb.badger") {
		t.Fatalf("zero-value StoragePath = %q", got)
	}
}

func TestDefaultPathsWithOptionsDevMode(t *testing.T) {
	p, err := DefaultPathsWithOptions(Options{AppName: "ebb", DevMode: true})
	if err != nil {
		t.Fatalf("DefaultPathsWithOptions() error = %v", err)
	}
	if got := filepath.Base(filepath.Dir(p.ConfigPath)); got != "ebb-dev" {
		t.Fatalf("config dir = %q, want ebb-dev", got)
	}
	if got := p.StoragePath("jsonfile"); filepath.Base(got) != "ebb-dev.json" {
		t.Fatalf("jsonfile path = %q, want ebb-dev.json", got)
	}

	p, err = DefaultPaths()
	if err != nil {
		t.Fatalf("DefaultPaths() error = %v", err)
	}
	if p.ConfigPath == "" || p.DBPath == "" || p.DataDir == "" {
		t.Fatalf("expected non-empty paths, got %#v", p)
	}
}
