package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for name, want := range cases {
		log, err := New(Options{Level: name})
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if !log.Core().Enabled(want) {
			t.Fatalf("level %q: %v not enabled", name, want)
		}
		if want > zapcore.DebugLevel && log.Core().Enabled(want-1) {
			t.Fatalf("level %q: %v unexpectedly enabled", name, want-1)
		}
	}
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	if _, err := New(Options{Level: "chatty"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_WritesJSON(t *testing.T) {
	p := filepath.Join(t.TempDir(), "log.json")
	log, err := New(Options{OutputPaths: []string{p}})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hello")
	_ = log.Sync()

	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"msg":"hello"`) {
		t.Fatalf("unexpected log output: %s", b)
	}
}
