package directory

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type fakeDoer struct {
	responses []fakeResponse
	n         int
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	r := f.responses[f.n]
	if f.n < len(f.responses)-1 {
		f.n++
	}
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{StatusCode: r.status, Body: io.NopCloser(strings.NewReader(r.body))}, nil
}

func ovpnBlobTCP(port string) string {
	cfg := "client\ndev tun\nproto tcp\nremote 203.0.113.9 " + port + "\n"
	return base64.StdEncoding.EncodeToString([]byte(cfg))
}

func ovpnBlobUDP() string {
	cfg := "client\ndev tun\nproto udp\nremote 203.0.113.9 1194\n"
	return base64.StdEncoding.EncodeToString([]byte(cfg))
}

func csvBody(rows ...string) string {
	header := "*vpn_servers\n#HostName,IP,Score,Ping,Speed,CountryLong,CountryShort,NumVpnSessions,Uptime,TotalUsers,TotalTraffic,LogType,Operator,Message,OpenVPN_ConfigData_Base64\n"
	sentinel := "*\n"
	return header + strings.Join(rows, "\n") + "\n" + sentinel
}

func TestFetchAndRankHappyPath(t *testing.T) {
	row := strings.Join([]string{
		"public-vpn-1.example.com", "203.0.113.9", "100", "20", "1000000",
		"Japan", "JP", "3", "86400", "50", "0", "", "FreeOperator", "", ovpnBlobTCP("443"),
	}, ",")

	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: csvBody(row)}}}
	c := New(doer, "http://directory.example/api", time.Millisecond, nil)

	relays, err := c.FetchAndRank(context.Background(), "JP", 0)
	if err != nil {
		t.Fatalf("FetchAndRank error: %v", err)
	}
	if len(relays) != 1 {
		t.Fatalf("len(relays) = %d, want 1", len(relays))
	}
	r := relays[0]
	if r.IP != "203.0.113.9" || r.Port != 443 || r.Score != 100 || r.CountryShort != "JP" {
		t.Fatalf("unexpected relay: %+v", r)
	}
}

func TestFetchAndRankDropsRowsWithoutExtractablePort(t *testing.T) {
	tcpRow := strings.Join([]string{
		"tcp-host", "203.0.113.1", "50", "-", "1000", "Japan", "JP", "1", "100", "1", "0", "", "Op", "", ovpnBlobTCP("1194"),
	}, ",")
	udpRow := strings.Join([]string{
		"udp-host", "203.0.113.2", "90", "10", "2000", "Japan", "JP", "1", "100", "1", "0", "", "Op", "", ovpnBlobUDP(),
	}, ",")

	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: csvBody(udpRow, tcpRow)}}}
	c := New(doer, "http://directory.example/api", time.Millisecond, nil)

	relays, err := c.FetchAndRank(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("FetchAndRank error: %v", err)
	}
	if len(relays) != 1 || relays[0].HostName != "tcp-host" {
		t.Fatalf("expected only the TCP row to survive, got %+v", relays)
	}
	if relays[0].PingMS.Present {
		t.Fatalf("expected ping absent for '-' sentinel, got %+v", relays[0].PingMS)
	}
}

func TestFetchAndRankSortsByScoreDescendingStable(t *testing.T) {
	low := strings.Join([]string{"a", "203.0.113.3", "10", "-", "1", "C", "JP", "0", "0", "0", "0", "", "", "", ovpnBlobTCP("443")}, ",")
	high := strings.Join([]string{"b", "203.0.113.4", "90", "-", "1", "C", "JP", "0", "0", "0", "0", "", "", "", ovpnBlobTCP("443")}, ",")
	tie := strings.Join([]string{"c", "203.0.113.5", "90", "-", "1", "C", "JP", "0", "0", "0", "0", "", "", "", ovpnBlobTCP("443")}, ",")

	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: csvBody(low, high, tie)}}}
	c := New(doer, "http://directory.example/api", time.Millisecond, nil)

	relays, err := c.FetchAndRank(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("FetchAndRank error: %v", err)
	}
	if len(relays) != 3 || relays[0].HostName != "b" || relays[1].HostName != "c" || relays[2].HostName != "a" {
		t.Fatalf("unexpected order: %+v", relays)
	}
}

func TestFetchAndRankRetriesOnTransportFailure(t *testing.T) {
	row := strings.Join([]string{"a", "203.0.113.3", "10", "-", "1", "C", "JP", "0", "0", "0", "0", "", "", "", ovpnBlobTCP("443")}, ",")
	doer := &fakeDoer{responses: []fakeResponse{
		{err: errors.New("network down")},
		{err: errors.New("network down")},
		{status: 200, body: csvBody(row)},
	}}
	c := New(doer, "http://directory.example/api", time.Millisecond, nil)
	var slept int
	c.sleep = func(time.Duration) { slept++ }

	relays, err := c.FetchAndRank(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("FetchAndRank error: %v", err)
	}
	if len(relays) != 1 {
		t.Fatalf("expected eventual success, got %+v", relays)
	}
	if slept != 2 {
		t.Fatalf("expected 2 retry sleeps, got %d", slept)
	}
}
