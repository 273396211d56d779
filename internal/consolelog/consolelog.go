// Package consolelog implements the three-class colored console contract
// (log, status, error) and its uncolored daily-rolling mirror file, alongside
// a structured go.uber.org/zap logger for debug diagnostics.
//
// The console/file split is grounded on the reference supervisor's
// print_log/print_status/print_error/log_write functions: status lines
// overwrite the current terminal line (progress-style), log and error lines
// are appended, and every log/error line is also mirrored uncolored to
// log/log-YYYY-MM-DD.txt.
package consolelog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	colorReset   = "\033[0m"
	colorGreen   = "\033[32m"
	colorMagenta = "\033[35m"
	colorRed     = "\033[31m"
)

// Console writes the three user-visible classes of message and mirrors
// log/error lines to a daily rolling file. Zap carries structured debug
// fields separately via the Debug field.
type Console struct {
	mu            sync.Mutex
	dir           string
	loc           *time.Location
	lastWasStatus bool

	Debug *zap.Logger
}

// New creates a Console writing its daily log file under dir (created if
// needed), timestamped in the given location. A nil loc defaults to
// Asia/Tokyo, per the daily log's pinned timezone; a fixed +09:00 zone is
// used as a fallback when the binary lacks IANA tzdata.
func New(dir string, loc *time.Location, debugLogger *zap.Logger) (*Console, error) {
	if loc == nil {
		var err error
		loc, err = time.LoadLocation("Asia/Tokyo")
		if err != nil {
			loc = time.FixedZone("JST", 9*60*60)
		}
	}
	if debugLogger == nil {
		debugLogger = zap.NewNop()
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("consolelog: create log dir: %w", err)
		}
	}
	return &Console{dir: dir, loc: loc, Debug: debugLogger}, nil
}

// Log prints an informational line and mirrors it to the daily log file.
func (c *Console) Log(format string, args ...any) {
	c.write(colorGreen, fmt.Sprintf(format, args...), true)
}

// Status overwrites the current terminal line with a progress update. Status
// lines are never mirrored to the log file (they are a live display, not a
// record).
func (c *Console) Status(format string, args ...any) {
	c.write(colorMagenta, fmt.Sprintf(format, args...), false)
}

// Error prints an error line and mirrors it to the daily log file.
func (c *Console) Error(format string, args ...any) {
	c.write(colorRed, fmt.Sprintf(format, args...), true)
}

func (c *Console) write(color, msg string, mirror bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().In(c.loc)
	if mirror {
		if c.lastWasStatus {
			fmt.Println()
		}
		fmt.Printf("%s[%s] %s%s\n", color, now.Format(time.RFC3339), msg, colorReset)
		c.lastWasStatus = false
		c.appendToFile(now, msg)
		return
	}

	fmt.Printf("\r%s%s%s", color, msg, colorReset)
	c.lastWasStatus = true
}

func (c *Console) appendToFile(ts time.Time, msg string) {
	if c.dir == "" {
		return
	}
	path := filepath.Join(c.dir, fmt.Sprintf("log-%s.txt", ts.Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		c.Debug.Warn("failed to open daily log file", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[%s] %s\n", ts.Format(time.RFC3339), msg)
}

// NewZap builds the structured debug logger used for command invocations and
// internal diagnostics, with the usual development/production split.
func NewZap(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
