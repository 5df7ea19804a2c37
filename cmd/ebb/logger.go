package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hylla/ebb/internal/config"
)

// runtimeLogger writes CLI events to a styled console sink and, in dev mode, a rotated
// logfmt file.
type runtimeLogger struct {
	appName        string
	sinks          []*charmLog.Logger
	consoleSink    *charmLog.Logger
	fileSink       *charmLog.Logger
	consoleEnabled bool
	closeFile      func() error
	devLog         string
}

func newRuntimeLogger(stderr io.Writer, appName string, devMode bool, cfg config.LoggingConfig, now func() time.Time) (*runtimeLogger, error) {
	level, err := charmLog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse logging level %q: %w", cfg.Level, err)
	}
	if now == nil {
		now = time.Now
	}
	if stderr == nil {
		stderr = io.Discard
	}

	console := charmLog.NewWithOptions(stderr, charmLog.Options{
		Level:           level,
		Prefix:          appName,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       charmLog.TextFormatter,
	})
	logger := &runtimeLogger{
		appName:        appName,
		sinks:          []*charmLog.Logger{console},
		consoleSink:    console,
		consoleEnabled: true,
	}
	if !devMode || !cfg.DevFile.Enabled {
		return logger, nil
	}

	devLogPath, err := devLogFilePath(cfg.DevFile.Dir, appName, now().UTC())
	if err != nil {
		return nil, fmt.Errorf("resolve dev log file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(devLogPath), 0o755); err != nil {
		return nil, fmt.Errorf("create dev log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   devLogPath,
		MaxSize:    cfg.DevFile.MaxSizeMB,
		MaxBackups: cfg.DevFile.MaxBackups,
		MaxAge:     cfg.DevFile.MaxAgeDays,
		LocalTime:  false,
	}
	// Open now so a bad path fails startup instead of the first write.
	if _, err := rotator.Write(nil); err != nil {
		return nil, fmt.Errorf("open dev log file: %w", err)
	}

	file := charmLog.NewWithOptions(rotator, charmLog.Options{
		Level:           level,
		Prefix:          appName,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       charmLog.LogfmtFormatter,
	})
	logger.sinks = append(logger.sinks, file)
	logger.fileSink = file
	logger.closeFile = rotator.Close
	logger.devLog = devLogPath
	return logger, nil
}

// DevLogPath returns the active dev log file, or "" outside dev mode.
func (l *runtimeLogger) DevLogPath() string {
	if l == nil {
		return ""
	}
	return l.devLog
}

func (l *runtimeLogger) Close() error {
	if l == nil || l.closeFile == nil {
		return nil
	}
	return l.closeFile()
}

// SetConsoleEnabled toggles the console sink.
func (l *runtimeLogger) SetConsoleEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.consoleEnabled = enabled
}

// Component returns a single-sink logger for a library that takes *log.Logger. It writes to
// the dev file when one is open and to the console otherwise.
func (l *runtimeLogger) Component(name string) *charmLog.Logger {
	if l == nil {
		return charmLog.New(io.Discard)
	}
	base := l.consoleSink
	if l.fileSink != nil {
		base = l.fileSink
	}
	return base.WithPrefix(l.appName + "/" + name)
}

func (l *runtimeLogger) shouldLogToSink(sink *charmLog.Logger) bool {
	if l == nil || sink == nil {
		return false
	}
	return sink != l.consoleSink || l.consoleEnabled
}

func (l *runtimeLogger) emit(level charmLog.Level, msg string, keyvals ...any) {
	if l == nil {
		return
	}
	for _, sink := range l.sinks {
		if l.shouldLogToSink(sink) {
			sink.Log(level, msg, keyvals...)
		}
	}
}

func (l *runtimeLogger) Debug(msg string, keyvals ...any) { l.emit(charmLog.DebugLevel, msg, keyvals...) }
func (l *runtimeLogger) Info(msg string, keyvals ...any) { l.emit(charmLog.InfoLevel, msg, keyvals...) }
func (l *runtimeLogger) Warn(msg string, keyvals ...any) { l.emit(charmLog.WarnLevel, msg, keyvals...) }
func (l *runtimeLogger) Error(msg string, keyvals ...any) { l.emit(charmLog.ErrorLevel, msg, keyvals...) }

// devLogFilePath places relative log dirs under the nearest workspace root.
func devLogFilePath(dir, appName string, now time.Time) (string, error) {
	baseDir := strings.TrimSpace(dir)
	if baseDir == "" {
		baseDir = ".ebb/log"
	}
	if !filepath.IsAbs(baseDir) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working dir: %w", err)
		}
		baseDir = filepath.Join(workspaceRootFrom(cwd), baseDir)
	}
	name := fmt.Sprintf("%s-%s.log", sanitizeLogFileStem(appName), now.Format("20060102"))
	return filepath.Join(filepath.Clean(baseDir), name), nil
}

func workspaceRootFrom(start string) string {
	start = filepath.Clean(strings.TrimSpace(start))
	if start == "" {
		return "."
	}
	for dir := start; ; {
		if hasWorkspaceMarker(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

func hasWorkspaceMarker(dir string) bool {
	for _, marker := range []string{"go.mod", ".git"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

func sanitizeLogFileStem(appName string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	stem := strings.Trim(replacer.Replace(strings.TrimSpace(appName)), "-")
	if stem == "" {
		return "ebb"
	}
	return stem
}
