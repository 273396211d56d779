package vpnctl

import (
	"regexp"
	"strings"
)

// successMarker is the literal string vpncmd prints near the end of stdout
// when a command succeeded. vpncmd exits 0 for both success and reported
// errors, so this marker, not the exit code, is the success signal.
const successMarker = "The command completed successfully."

// tailWindow bounds how much of stdout is scanned for the success marker:
// only the last tailWindow non-empty lines count, and a marker buried
// earlier in a large status dump is ignored.
const tailWindow = 3

// isSuccess reports whether the marker is present among the last tailWindow
// non-empty lines of stdout.
//
// The VPNGate reference implementation tests this with an inverted
// substring search (rfind against a negative-index line) that treats a
// match as failure. That is a bug in the source, not an intended contract:
// this function implements the documented intent — marker present in the
// stdout tail means success — not the source's observable behavior.
func isSuccess(stdout string) bool {
	lines := nonEmptyLines(stdout)
	if len(lines) == 0 {
		return false
	}
	start := len(lines) - tailWindow
	if start < 0 {
		start = 0
	}
	for _, l := range lines[start:] {
		if strings.Contains(l, successMarker) {
			return true
		}
	}
	return false
}

var keyLineRE = regexp.MustCompile(`(?m)^\s*([^|\r\n]+?)\s*\|(.+)$`)

// extractField scans stdout for a line shaped "KEY   |VALUE" and returns the
// trimmed value for the given key, if any such line exists.
func extractField(stdout, key string) (value string, ok bool) {
	for _, m := range keyLineRE.FindAllStringSubmatch(stdout, -1) {
		if strings.TrimSpace(m[1]) == key {
			return strings.TrimSpace(m[2]), true
		}
	}
	return "", false
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
