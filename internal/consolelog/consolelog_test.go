package consolelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewDefaultsToAsiaTokyo(t *testing.T) {
	c, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if c.loc.String() != "Asia/Tokyo" && c.loc.String() != "JST" {
		t.Fatalf("loc = %q, want Asia/Tokyo or JST fallback", c.loc.String())
	}
}

func TestNewHonorsExplicitLocation(t *testing.T) {
	loc := time.UTC
	c, err := New(t.TempDir(), loc, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if c.loc != loc {
		t.Fatalf("loc = %v, want %v", c.loc, loc)
	}
}

func TestLogMirrorsToDailyFile(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, time.UTC, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	c.Log("relay %s selected", "203.0.113.9")

	now := time.Now().In(time.UTC)
	path := filepath.Join(dir, "log-"+now.Format("2006-01-02")+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read daily log: %v", err)
	}
	if !strings.Contains(string(data), "relay 203.0.113.9 selected") {
		t.Fatalf("daily log missing message, got %q", string(data))
	}
}

func TestErrorMirrorsToDailyFile(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, time.UTC, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	c.Error("dhcp lease failed: %s", "timeout")

	now := time.Now().In(time.UTC)
	path := filepath.Join(dir, "log-"+now.Format("2006-01-02")+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read daily log: %v", err)
	}
	if !strings.Contains(string(data), "dhcp lease failed: timeout") {
		t.Fatalf("daily log missing error message, got %q", string(data))
	}
}

func TestStatusIsNotMirroredToDailyFile(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, time.UTC, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	c.Status("polling relay, attempt %d", 1)

	now := time.Now().In(time.UTC)
	path := filepath.Join(dir, "log-"+now.Format("2006-01-02")+".txt")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no daily log file for a status-only update, stat err = %v", err)
	}
}

func TestNewCreatesLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "log")
	if _, err := New(dir, time.UTC, nil); err != nil {
		t.Fatalf("New error: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected log dir to be created, stat err = %v", err)
	}
}

func TestNewWithEmptyDirSkipsFileMirroring(t *testing.T) {
	c, err := New("", time.UTC, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	// Should not panic when mirroring with no directory configured.
	c.Log("no-op mirror target")
}
