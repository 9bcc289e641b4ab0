package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLoggingState() {
	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
	logsDir = ""
	cfgMu.Lock()
	cfg = Config{}
	cfgMu.Unlock()
	logLevel = LevelInfo
}

func TestInitialize_DebugModeCreatesLogFiles(t *testing.T) {
	resetLoggingState()
	dir := t.TempDir()

	if err := Initialize(dir, Config{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	logger := Get(CategorySearch)
	logger.Info("hybrid search ran")
	logger.Debug("scored %d candidates", 5)

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), string(CategorySearch)) {
			found = true
		}
	}
	if !found {
		t.Error("expected a search category log file")
	}
}

func TestInitialize_DisabledModeWritesNoFiles(t *testing.T) {
	resetLoggingState()
	dir := t.TempDir()

	if err := Initialize(dir, Config{DebugMode: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	logger := Get(CategoryBoot)
	logger.Info("should not be written")

	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Error("expected no logs directory when debug_mode is false")
	}
}

func TestIsCategoryEnabled_HonorsExplicitDisable(t *testing.T) {
	resetLoggingState()
	dir := t.TempDir()

	err := Initialize(dir, Config{
		DebugMode:  true,
		Categories: map[string]bool{"guards": false, "search": true},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if isCategoryEnabled(CategoryGuards) {
		t.Error("guards should be disabled")
	}
	if !isCategoryEnabled(CategorySearch) {
		t.Error("search should be enabled")
	}
	if !isCategoryEnabled(CategoryGateway) {
		t.Error("a category absent from the map should default to enabled")
	}
}

func TestInitialize_RequiresRuntimeDir(t *testing.T) {
	resetLoggingState()
	if err := Initialize("", Config{DebugMode: true}); err == nil {
		t.Error("expected an error for an empty runtime directory")
	}
}

func TestLogger_WarnLevelGatingSuppressesLowerLevels(t *testing.T) {
	resetLoggingState()
	dir := t.TempDir()

	if err := Initialize(dir, Config{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	logger := Get(CategoryIndex)
	logger.Debug("should be suppressed")
	logger.Info("should be suppressed")
	logger.Warn("should be written")

	data, err := os.ReadFile(findLogFile(t, dir, CategoryIndex))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "should be suppressed") {
		t.Error("debug/info lines leaked through a warn-level logger")
	}
	if !strings.Contains(string(data), "should be written") {
		t.Error("expected the warn line to be written")
	}
}

func TestStartTimer_StopReturnsPositiveDuration(t *testing.T) {
	resetLoggingState()
	dir := t.TempDir()
	if err := Initialize(dir, Config{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	timer := StartTimer(CategoryStore, "TestOp")
	time.Sleep(time.Millisecond)
	if elapsed := timer.Stop(); elapsed <= 0 {
		t.Error("expected a positive elapsed duration")
	}
}

func findLogFile(t *testing.T, dir string, cat Category) string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), string(cat)) {
			return filepath.Join(dir, "logs", e.Name())
		}
	}
	t.Fatalf("no log file found for category %s", cat)
	return ""
}
