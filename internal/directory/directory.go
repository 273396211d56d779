// Package directory fetches the VPNGate-style CSV relay catalog, decodes the
// embedded OpenVPN configuration to recover each relay's TCP port, and
// returns a ranked, filtered list of relays.
package directory

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OptionalInt models a directory numeric field that may be reported as the
// literal sentinel "-", meaning unknown. Zero and unknown are distinct: a
// present value of 0 has Present=true.
type OptionalInt struct {
	Value   int
	Present bool
}

func parseOptionalInt(s string) OptionalInt {
	s = strings.TrimSpace(s)
	if s == "-" || s == "" {
		return OptionalInt{}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return OptionalInt{}
	}
	return OptionalInt{Value: n, Present: true}
}

// Relay is one directory CSV row after decoding and validation.
type Relay struct {
	HostName       string
	IP             string
	Port           int // always present: rows without an extractable port are dropped
	Score          int
	PingMS         OptionalInt
	SpeedBPS       int64
	CountryLong    string
	CountryShort   string
	NumVPNSessions int
	UptimeSeconds  int64
	Operator       string
}

// csvConfigDataField is the 0-indexed column holding the base64-encoded
// OpenVPN configuration, per the VPNGate directory's column layout:
// HostName,IP,Score,Ping,Speed,CountryLong,CountryShort,NumVpnSessions,
// Uptime,TotalUsers,TotalTraffic,LogType,Operator,Message,OpenVPN_ConfigData_Base64.
const csvConfigDataField = 14

var remotePortRE = regexp.MustCompile(`remote \d{1,3}(?:\.\d{1,3}){3} (\d+)`)

// HTTPDoer is the subset of *http.Client used by Client, narrowed for tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches and ranks the relay directory.
type Client struct {
	HTTP         HTTPDoer
	URL          string
	RetryBackoff time.Duration
	Log          *zap.Logger

	// sleep is overridable in tests so retry backoff doesn't slow the suite.
	sleep func(time.Duration)
}

// New returns a Client for the given directory URL.
func New(httpClient HTTPDoer, url string, retryBackoff time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if retryBackoff <= 0 {
		retryBackoff = 3 * time.Second
	}
	return &Client{HTTP: httpClient, URL: url, RetryBackoff: retryBackoff, Log: log, sleep: time.Sleep}
}

// FetchAndRank retrieves the CSV catalog, retrying indefinitely with
// RetryBackoff on transport failure, then filters and ranks it.
//
// countryFilter and portFilter, when non-empty/non-zero, restrict the
// result to exact matches. The returned list is sorted by score descending,
// stable on ties.
func (c *Client) FetchAndRank(ctx context.Context, countryFilter string, portFilter int) ([]Relay, error) {
	body, err := c.fetchWithRetry(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := parseCSVRows(body)
	if err != nil {
		return nil, fmt.Errorf("directory: parse csv: %w", err)
	}

	relays := make([]Relay, 0, len(rows))
	for _, row := range rows {
		relay, ok := rowToRelay(row, c.Log)
		if !ok {
			continue
		}
		if countryFilter != "" && relay.CountryShort != countryFilter {
			continue
		}
		if portFilter != 0 && relay.Port != portFilter {
			continue
		}
		relays = append(relays, relay)
	}

	sort.SliceStable(relays, func(i, j int) bool {
		return relays[i].Score > relays[j].Score
	})

	return relays, nil
}

func (c *Client) fetchWithRetry(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		body, err := c.fetchOnce(ctx)
		if err == nil {
			return body, nil
		}
		c.Log.Warn("directory fetch failed, retrying", zap.Error(err), zap.Duration("backoff", c.RetryBackoff))
		c.sleep(c.RetryBackoff)
	}
}

func (c *Client) fetchOnce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parseCSVRows drops the two header rows and the terminal sentinel row, per
// the directory's fixed CSV shape.
func parseCSVRows(body string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(body))
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(all) <= 3 {
		return nil, nil
	}
	return all[2 : len(all)-1], nil
}

func rowToRelay(row []string, log *zap.Logger) (Relay, bool) {
	if len(row) <= csvConfigDataField {
		return Relay{}, false
	}

	port, ok := extractOpenVPNPort(row[csvConfigDataField])
	if !ok {
		log.Warn("dropping relay with no extractable OpenVPN TCP port", zap.String("host", field(row, 0)))
		return Relay{}, false
	}

	score, _ := strconv.Atoi(strings.TrimSpace(field(row, 2)))
	speed, _ := strconv.ParseInt(strings.TrimSpace(field(row, 4)), 10, 64)
	numSessions, _ := strconv.Atoi(strings.TrimSpace(field(row, 7)))
	uptime, _ := strconv.ParseInt(strings.TrimSpace(field(row, 8)), 10, 64)

	return Relay{
		HostName:       field(row, 0),
		IP:             field(row, 1),
		Port:           port,
		Score:          score,
		PingMS:         parseOptionalInt(field(row, 3)),
		SpeedBPS:       speed,
		CountryLong:    field(row, 5),
		CountryShort:   field(row, 6),
		NumVPNSessions: numSessions,
		UptimeSeconds:  uptime,
		Operator:       field(row, 12),
	}, true
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// extractOpenVPNPort base64-decodes an embedded OpenVPN config blob and, if
// it contains a "proto tcp" directive, extracts the TCP port from its
// "remote <ip> <port>" line.
func extractOpenVPNPort(b64 string) (int, bool) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return 0, false
	}
	text := string(decoded)
	if !strings.Contains(text, "proto tcp") {
		return 0, false
	}
	m := remotePortRE.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return port, true
}
