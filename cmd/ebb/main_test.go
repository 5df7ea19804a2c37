package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	serveradapter "github.com/hylla/ebb/internal/adapters/server"
	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/config"
	"github.com/hylla/ebb/internal/domain"
)

// TestMain pins dev mode off so tests never write workspace log files by accident.
func TestMain(m *testing.M) {
	_ = os.Setenv("EBB_DEV_MODE", "false")
	os.Exit(m.Run())
}

// runCLI runs one invocation against dbPath and returns stdout.
func runCLI(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(filepath.Dir(dbPath), "missing.toml")
	full := append([]string{"--db", dbPath, "--config", cfgPath}, args...)
	var out bytes.Buffer
	err := run(context.Background(), full, &out, io.Discard)
	return out.String(), err
}

// enqueueSearch enqueues a network-bound search and returns the new action.
func enqueueSearch(t *testing.T, dbPath, query string, extra ...string) domain.Action {
	t.Helper()
	args := append([]string{"enqueue", "search", "--payload", `{"query":"` + query + `"}`, "--requires-network"}, extra...)
	out, err := runCLI(t, dbPath, args...)
	if err != nil {
		t.Fatalf("run(enqueue) error = %v", err)
	}
	var action domain.Action
	if err := json.Unmarshal([]byte(out), &action); err != nil {
		t.Fatalf("Unmarshal(enqueue output) error = %v\n%s", err, out)
	}
	return action
}

func TestRunInvalidFlag(t *testing.T) {
	if err := run(context.Background(), []string{"--unknown-flag"}, io.Discard, io.Discard); err == nil {
		t.Fatal("expected flag parse error")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"unknown-command"}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

// TestRunEnqueuePersistsAcrossInvocations verifies one-shot commands share the stored queue.
func TestRunEnqueuePersistsAcrossInvocations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ebb.db")
	action := enqueueSearch(t, dbPath, "golang", "--priority", "high", "--tag", "ui", "--user", "u1")
	if action.Status != domain.StatusQueued || action.Priority != domain.PriorityHigh {
		t.Fatalf("enqueued action = %+v, want queued high", action)
	}
	if action.Context == nil || action.Context.UserID != "u1" {
		t.Fatalf("context = %+v, want user u1", action.Context)
	}

	out, err := runCLI(t, dbPath, "list")
	if err != nil {
		t.Fatalf("run(list) error = %v", err)
	}
	if !strings.Contains(out, action.ID) || !strings.Contains(out, "queued") {
		t.Fatalf("list output missing action %s:\n%s", action.ID, out)
	}

	out, err = runCLI(t, dbPath, "list", "--json", "--status", "failed")
	if err != nil {
		t.Fatalf("run(list --status failed) error = %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("failed filter output = %q, want []", out)
	}

	out, err = runCLI(t, dbPath, "stats")
	if err != nil {
		t.Fatalf("run(stats) error = %v", err)
	}
	var stats app.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("Unmarshal(stats) error = %v", err)
	}
	if stats.Total != 1 || stats.RequiresNetwork != 1 || stats.Online {
		t.Fatalf("stats = %+v, want one offline network action", stats)
	}
}

func TestRunEnqueueRejectsBadInput(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ebb.db")
	if _, err := runCLI(t, dbPath, "enqueue", "search"); err == nil {
		t.Fatal("expected missing payload error")
	}
	if _, err := runCLI(t, dbPath, "enqueue", "search", "--payload", `{"query":""}`); err == nil {
		t.Fatal("expected payload validation error")
	}
	if _, err := runCLI(t, dbPath, "enqueue", "teleport", "--payload", `{}`); err == nil {
		t.Fatal("expected unknown type error")
	}
}

func TestRunEnqueueReadsPayloadFile(t *testing.T) {
	tmp := t.TempDir()
	payloadPath := filepath.Join(tmp, "payload.json")
	if err := os.WriteFile(payloadPath, []byte(`{"query":"from-file","limit":5}`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	out, err := runCLI(t, filepath.Join(tmp, "ebb.db"), "enqueue", "search", "--payload-file", payloadPath, "--requires-network")
	if err != nil {
		t.Fatalf("run(enqueue --payload-file) error = %v", err)
	}
	if !strings.Contains(out, "from-file") {
		t.Fatalf("enqueue output missing payload:\n%s", out)
	}
}

// TestRunCancelRetryAndClear verifies lifecycle commands and clear scopes.
func TestRunCancelRetryAndClear(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ebb.db")
	first := enqueueSearch(t, dbPath, "one")
	second := enqueueSearch(t, dbPath, "two")

	out, err := runCLI(t, dbPath, "cancel", first.ID)
	if err != nil {
		t.Fatalf("run(cancel) error = %v", err)
	}
	if !strings.Contains(out, first.ID) {
		t.Fatalf("cancel output = %q", out)
	}
	if _, err := runCLI(t, dbPath, "retry", second.ID); err == nil {
		t.Fatal("expected retry of a queued action to fail")
	}
	if _, err := runCLI(t, dbPath, "cancel", "missing"); err == nil {
		t.Fatal("expected cancel of unknown id to fail")
	}

	out, err = runCLI(t, dbPath, "clear", "completed")
	if err != nil {
		t.Fatalf("run(clear completed) error = %v", err)
	}
	if !strings.Contains(out, "removed 1 completed") {
		t.Fatalf("clear output = %q", out)
	}
	if _, err := runCLI(t, dbPath, "clear", "everything"); err == nil {
		t.Fatal("expected invalid scope error")
	}
	if _, err := runCLI(t, dbPath, "clear", "failed", "--before", time.Now().UTC().Format(time.RFC3339)); err == nil {
		t.Fatal("expected --before outside pending_sync to fail")
	}

	out, err = runCLI(t, dbPath, "clear", "all")
	if err != nil {
		t.Fatalf("run(clear all) error = %v", err)
	}
	if !strings.Contains(out, "removed 1 all") {
		t.Fatalf("clear all output = %q", out)
	}
}

func TestRunSyncRequiresRemote(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ebb.db")
	if _, err := runCLI(t, dbPath, "sync"); err == nil {
		t.Fatal("expected sync without a backend to fail")
	}
}

func TestRunIntegrityCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ebb.db")
	enqueueSearch(t, dbPath, "one")

	out, err := runCLI(t, dbPath, "integrity")
	if err != nil {
		t.Fatalf("run(integrity) error = %v", err)
	}
	var report app.IntegrityReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Unmarshal(integrity) error = %v", err)
	}
	if !report.Valid {
		t.Fatalf("report = %+v, want valid", report)
	}
	if _, err := runCLI(t, dbPath, "integrity", "--repair"); err != nil {
		t.Fatalf("run(integrity --repair) error = %v", err)
	}
}

// TestRunExportImportRoundTrip verifies snapshots move actions between stores.
func TestRunExportImportRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	srcDB := filepath.Join(tmp, "src", "ebb.db")
	action := enqueueSearch(t, srcDB, "portable")

	snapPath := filepath.Join(tmp, "out", "snapshot.json")
	if _, err := runCLI(t, srcDB, "export", "--out", snapPath); err != nil {
		t.Fatalf("run(export) error = %v", err)
	}
	file, err := os.Open(snapPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	snap, err := app.DecodeSnapshot(file)
	_ = file.Close()
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	if snap.Version != app.SnapshotVersion || len(snap.Actions) != 1 {
		t.Fatalf("snapshot = %+v, want one action", snap)
	}

	dstDB := filepath.Join(tmp, "dst", "ebb.db")
	out, err := runCLI(t, dstDB, "import", "--in", snapPath)
	if err != nil {
		t.Fatalf("run(import) error = %v", err)
	}
	if !strings.Contains(out, "imported 1 of 1") {
		t.Fatalf("import output = %q", out)
	}
	out, err = runCLI(t, dstDB, "list", "--json")
	if err != nil {
		t.Fatalf("run(list) error = %v", err)
	}
	if !strings.Contains(out, action.ID) {
		t.Fatalf("imported store missing %s:\n%s", action.ID, out)
	}

	if _, err := runCLI(t, dstDB, "import"); err == nil {
		t.Fatal("expected missing --in error")
	}
	if _, err := runCLI(t, dstDB, "import", "--in", filepath.Join(tmp, "nope.json")); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestRunExportToStdout(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ebb.db")
	out, err := runCLI(t, dbPath, "export")
	if err != nil {
		t.Fatalf("run(export) error = %v", err)
	}
	if !strings.Contains(out, app.SnapshotVersion) {
		t.Fatalf("export output missing version:\n%s", out)
	}
}

// TestRunBackends verifies every storage backend keeps actions between invocations.
func TestRunBackends(t *testing.T) {
	for _, backend := range []string{"sqlite", "badger", "jsonfile"} {
		t.Run(backend, func(t *testing.T) {
			storage := filepath.Join(t.TempDir(), "store-"+backend)
			action := enqueueSearch(t, storage, backend, "--backend", backend)
			out, err := runCLI(t, storage, "--backend", backend, "list", "--json")
			if err != nil {
				t.Fatalf("run(list) error = %v", err)
			}
			if !strings.Contains(out, action.ID) {
				t.Fatalf("%s store lost %s:\n%s", backend, action.ID, out)
			}
		})
	}
}

func TestRunConfigAndDBEnvOverrides(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "env.db")
	cfgPath := filepath.Join(tmp, "env.toml")
	if err := os.WriteFile(cfgPath, []byte("[storage]\npath = \"/tmp/ignore-me.db\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("EBB_CONFIG", cfgPath)
	t.Setenv("EBB_DB_PATH", dbPath)

	if err := run(context.Background(), []string{"stats"}, io.Discard, io.Discard); err != nil {
		t.Fatalf("run(stats with env paths) error = %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db created at env path, stat error %v", err)
	}
}

func TestRunRejectsInvalidLoggingLevelFromConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[logging]\nlevel = \"chatty\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	err := run(context.Background(), []string{"--config", cfgPath, "--db", filepath.Join(tmp, "ebb.db"), "stats"}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("expected logging level error, got %v", err)
	}
}

func TestRunPathsCommand(t *testing.T) {
	var out strings.Builder
	if err := run(context.Background(), []string{"--app", "ebbx", "--dev", "--backend", "badger", "paths"}, &out, io.Discard); err != nil {
		t.Fatalf("run(paths) error = %v", err)
	}
	output := out.String()
	for _, want := range []string{"app: ebbx", "dev_mode: true", "ebbx-dev.badger"} {
		if !strings.Contains(output, want) {
			t.Fatalf("paths output missing %q:\n%s", want, output)
		}
	}
}

// TestRunServeWiresDependencies verifies serve hands a live queue and metrics to the server.
func TestRunServeWiresDependencies(t *testing.T) {
	orig := serveCommandRunner
	t.Cleanup(func() { serveCommandRunner = orig })

	var (
		gotCfg  serveradapter.Config
		gotDeps serveradapter.Dependencies
	)
	serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
		gotCfg, gotDeps = cfg, deps
		if err := deps.Ready(ctx); err != nil {
			t.Errorf("Ready() error = %v", err)
		}
		stats, err := deps.Queue.Stats(ctx)
		if err != nil {
			t.Errorf("Stats() error = %v", err)
		}
		if stats.Total != 1 {
			t.Errorf("Stats().Total = %d, want 1", stats.Total)
		}
		return nil
	}

	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "ebb.db")
	enqueueSearch(t, dbPath, "served")
	if _, err := runCLI(t, dbPath, "serve", "--http", "127.0.0.1:9999", "--mcp-endpoint", "/tools"); err != nil {
		t.Fatalf("run(serve) error = %v", err)
	}
	if gotCfg.HTTPBind != "127.0.0.1:9999" || gotCfg.MCPEndpoint != "/tools" || gotCfg.APIEndpoint != "/api/v1" {
		t.Fatalf("serve config = %+v", gotCfg)
	}
	if gotDeps.Gatherer == nil {
		t.Fatal("serve dependencies missing metrics gatherer")
	}
	families, err := gotDeps.Gatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "ebb_network_online" {
			found = true
		}
	}
	if !found {
		t.Fatal("gatherer missing ebb_network_online")
	}
}

func TestRunDevModeCreatesWorkspaceLogFile(t *testing.T) {
	workspace := t.TempDir()
	t.Chdir(workspace)

	dbPath := filepath.Join(workspace, "ebb.db")
	if err := run(context.Background(), []string{"--dev", "--db", dbPath, "--config", filepath.Join(workspace, "none.toml"), "stats"}, io.Discard, io.Discard); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	logDir := filepath.Join(workspace, ".ebb", "log")
	entries, err := os.ReadDir(logDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var content []byte
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".log") {
			content, err = os.ReadFile(filepath.Join(logDir, entry.Name()))
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
		}
	}
	if !strings.Contains(string(content), "command flow complete") {
		t.Fatalf("dev log missing command flow entry:\n%s", content)
	}
}

func TestRuntimeLoggerCanMuteConsoleSink(t *testing.T) {
	var console bytes.Buffer
	cfg := config.Default("/tmp/ebb.db").Logging

	logger, err := newRuntimeLogger(&console, "ebb", false, cfg, func() time.Time {
		return time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)
	})
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}

	logger.Info("before")
	logger.SetConsoleEnabled(false)
	logger.Info("during")
	logger.SetConsoleEnabled(true)
	logger.Info("after")

	out := console.String()
	if !strings.Contains(out, "before") || !strings.Contains(out, "after") {
		t.Fatalf("console log = %q, want before and after", out)
	}
	if strings.Contains(out, "during") {
		t.Fatalf("muted console log = %q, want no 'during'", out)
	}
}

// TestRuntimeLoggerComponentPrefersDevFile verifies library loggers land in the dev file.
func TestRuntimeLoggerComponentPrefersDevFile(t *testing.T) {
	cfg := config.Default("/tmp/ebb.db").Logging
	cfg.DevFile.Dir = t.TempDir()
	var console bytes.Buffer

	logger, err := newRuntimeLogger(&console, "ebb", true, cfg, nil)
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}
	logger.Component("queue").Info("queue restored", "actions", 3)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if strings.Contains(console.String(), "queue restored") {
		t.Fatalf("console got component log: %q", console.String())
	}
	content, err := os.ReadFile(logger.DevLogPath())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(content), "ebb/queue") || !strings.Contains(string(content), "actions=3") {
		t.Fatalf("dev log = %q, want logfmt component entry", content)
	}
}

func TestWorkspaceRootFromUsesNearestMarker(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if got := workspaceRootFrom(nested); got != root {
		t.Fatalf("workspaceRootFrom() = %q, want %q", got, root)
	}

	path, err := devLogFilePath(filepath.Join(root, "logs"), "ebb/dev", time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("devLogFilePath() error = %v", err)
	}
	if want := filepath.Join(root, "logs", "ebb-dev-20260504.log"); path != want {
		t.Fatalf("devLogFilePath() = %q, want %q", path, want)
	}
}

func TestSanitizeLogFileStem(t *testing.T) {
	cases := map[string]string{"": "ebb", " ebb ": "ebb", "a/b:c": "a-b-c", "//": "ebb"}
	for in, want := range cases {
		if got := sanitizeLogFileStem(in); got != want {
			t.Fatalf("sanitizeLogFileStem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("EBB_BOOL_TEST", "true")
	if v, ok := parseBoolEnv("EBB_BOOL_TEST"); !ok || !v {
		t.Fatalf("parseBoolEnv(true) = %t, %t", v, ok)
	}
	t.Setenv("EBB_BOOL_TEST", "maybe")
	if _, ok := parseBoolEnv("EBB_BOOL_TEST"); ok {
		t.Fatal("parseBoolEnv(maybe) ok = true, want false")
	}
}
