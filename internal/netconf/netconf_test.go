package netconf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vpnsentry/gateway/internal/executil"
)

func newConfigurator(t *testing.T, fake *executil.Fake) *Configurator {
	t.Helper()
	dir := t.TempDir()
	return New(fake, nil, Config{
		LANCIDR:       "192.168.19.0/24",
		UpstreamIface: "eth0",
		TunIface:      "vpn_vpngate",
		LeaseFile:     filepath.Join(dir, "lease.txt"),
	})
}

func TestNATInstallMarksInstalledAndIssuesExactArgv(t *testing.T) {
	fake := &executil.Fake{}
	c := newConfigurator(t, fake)

	if err := c.NATInstall(context.Background()); err != nil {
		t.Fatalf("NATInstall error: %v", err)
	}
	if !c.HasInstalledNAT() {
		t.Fatalf("expected HasInstalledNAT true")
	}
	want := []string{"iptables", "-t", "nat", "-A", "POSTROUTING", "-s", "192.168.19.0/24", "-o", "vpn_vpngate", "-j", "MASQUERADE"}
	assertArgv(t, fake.Calls[0], want)
}

func TestNATInstallFatalOnNonZeroExit(t *testing.T) {
	fake := &executil.Fake{Responses: []executil.Result{{ExitCode: 1, Stderr: "permission denied"}}}
	c := newConfigurator(t, fake)
	if err := c.NATInstall(context.Background()); err == nil {
		t.Fatalf("expected error on non-zero iptables exit")
	}
	if c.HasInstalledNAT() {
		t.Fatalf("NAT should not be marked installed on failure")
	}
}

func TestGetDefaultGWExtractsAddress(t *testing.T) {
	fake := &executil.Fake{Responses: []executil.Result{{ExitCode: 0, Stdout: "default via 192.168.0.1 dev eth0 \n"}}}
	c := newConfigurator(t, fake)
	gw, err := c.GetDefaultGW(context.Background())
	if err != nil {
		t.Fatalf("GetDefaultGW error: %v", err)
	}
	if gw != "192.168.0.1" {
		t.Fatalf("gw = %q", gw)
	}
}

func TestGetDefaultGWMissingIsFatal(t *testing.T) {
	fake := &executil.Fake{Responses: []executil.Result{{ExitCode: 0, Stdout: "no default route\n"}}}
	c := newConfigurator(t, fake)
	if _, err := c.GetDefaultGW(context.Background()); err == nil {
		t.Fatalf("expected error when no default route present")
	}
}

func TestBringUpHappyPathOrderAndArgv(t *testing.T) {
	dir := t.TempDir()
	leasePath := filepath.Join(dir, "lease.txt")

	fake := &executil.Fake{Responses: []executil.Result{
		{ExitCode: 0}, // dhclient
		{ExitCode: 0, Stdout: "default via 192.168.0.1 dev eth0\n"}, // get default gw
		{ExitCode: 0}, // add host route
		{ExitCode: 0}, // add tun addr
		{ExitCode: 0}, // add default via tun
	}}
	c := New(fake, nil, Config{
		LANCIDR: "192.168.19.0/24", UpstreamIface: "eth0", TunIface: "vpn_vpngate", LeaseFile: leasePath,
	})

	writeLeaseFile(t, leasePath, "fixed-address 10.1.2.3;\noption routers 10.1.2.1;\n")
	// dhclient runs after the lease file is truncated by DHCPAcquire; rewrite
	// it right before BringUp calls dhclient by faking through a fresh fake
	// whose Run writes the lease file as a side effect.
	writerFake := &writeLeaseOnRun{inner: fake, leasePath: leasePath, content: "fixed-address 10.1.2.3;\noption routers 10.1.2.1;\n"}
	c.Run = writerFake

	lease, err := c.BringUp(context.Background(), "203.0.113.9")
	if err != nil {
		t.Fatalf("BringUp error: %v", err)
	}
	if lease.FixedAddress != "10.1.2.3" || lease.Router != "10.1.2.1" {
		t.Fatalf("unexpected lease: %+v", lease)
	}

	assertArgv(t, fake.Calls[1], []string{"ip", "route", "show", "default", "dev", "eth0"})
	assertArgv(t, fake.Calls[2], []string{"ip", "route", "add", "203.0.113.9", "via", "192.168.0.1", "dev", "eth0"})
	assertArgv(t, fake.Calls[3], []string{"ip", "addr", "add", "10.1.2.3/16", "dev", "vpn_vpngate"})
	assertArgv(t, fake.Calls[4], []string{"ip", "route", "add", "default", "via", "10.1.2.1", "dev", "vpn_vpngate"})
}

func TestTearDownRevertsOnlyInstalledSteps(t *testing.T) {
	fake := &executil.Fake{}
	c := newConfigurator(t, fake)
	c.ledger.mark(stepHostRoute)
	c.ledger.mark(stepTunAddr)

	warnings := c.TearDown(context.Background(), "203.0.113.9")
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(fake.Calls) != 2 {
		t.Fatalf("expected 2 teardown calls, got %d: %v", len(fake.Calls), fake.Calls)
	}
	assertArgv(t, fake.Calls[0], []string{"ip", "route", "del", "203.0.113.9"})
	assertArgv(t, fake.Calls[1], []string{"ip", "addr", "flush", "dev", "vpn_vpngate"})
}

func TestTearDownIsNoOpWhenNothingInstalled(t *testing.T) {
	fake := &executil.Fake{}
	c := newConfigurator(t, fake)
	warnings := c.TearDown(context.Background(), "203.0.113.9")
	if len(warnings) != 0 || len(fake.Calls) != 0 {
		t.Fatalf("expected no-op teardown, got warnings=%v calls=%v", warnings, fake.Calls)
	}
}

func TestParseLeaseFileTakesLastOccurrence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lease.txt")
	writeLeaseFile(t, path, "lease {\nfixed-address 10.0.0.1;\noption routers 10.0.0.254;\n}\nlease {\nfixed-address 10.1.2.3;\noption routers 10.1.2.1;\n}\n")

	lease, err := parseLeaseFile(path)
	if err != nil {
		t.Fatalf("parseLeaseFile error: %v", err)
	}
	if lease.FixedAddress != "10.1.2.3" || lease.Router != "10.1.2.1" {
		t.Fatalf("expected last occurrence, got %+v", lease)
	}
}

func TestParseLeaseFileRejectsPartialLease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lease.txt")
	writeLeaseFile(t, path, "fixed-address 10.1.2.3;\n")

	lease, err := parseLeaseFile(path)
	if !errors.Is(err, errLeaseIncomplete) {
		t.Fatalf("parseLeaseFile error = %v, want errLeaseIncomplete", err)
	}
	if lease.complete() {
		t.Fatalf("expected incomplete lease to be rejected, got %+v", lease)
	}
}

func TestDHCPAcquireNonLoopingReturnsErrorOnIncompleteLease(t *testing.T) {
	dir := t.TempDir()
	leasePath := filepath.Join(dir, "lease.txt")
	writeLeaseFile(t, leasePath, "fixed-address 10.1.2.3;\n") // no routers line

	fake := &executil.Fake{Responses: []executil.Result{{ExitCode: 0}}}
	c := New(fake, nil, Config{
		LANCIDR: "192.168.19.0/24", UpstreamIface: "eth0", TunIface: "vpn_vpngate", LeaseFile: leasePath,
	})
	writerFake := &writeLeaseOnRun{inner: fake, leasePath: leasePath, content: "fixed-address 10.1.2.3;\n"}
	c.Run = writerFake

	_, err := c.DHCPAcquire(context.Background(), false)
	if err == nil {
		t.Fatalf("expected non-nil error for incomplete lease on non-looping acquire")
	}
}

func TestDHCPAcquireNonLoopingReturnsErrorOnDhclientFailure(t *testing.T) {
	dir := t.TempDir()
	leasePath := filepath.Join(dir, "lease.txt")

	fake := &executil.Fake{Responses: []executil.Result{{ExitCode: 1, Stderr: "no dhcp offer"}}}
	c := newConfigurator(t, fake)
	c.cfg.LeaseFile = leasePath

	_, err := c.DHCPAcquire(context.Background(), false)
	if err == nil {
		t.Fatalf("expected non-nil error when dhclient exits non-zero")
	}
}

func writeLeaseFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write lease file: %v", err)
	}
}

func assertArgv(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("argv = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

// writeLeaseOnRun wraps a Runner and rewrites the lease file as a side
// effect of the dhclient call, simulating what the real dhclient would do.
type writeLeaseOnRun struct {
	inner     executil.Runner
	leasePath string
	content   string
	n         int
}

func (w *writeLeaseOnRun) Run(ctx context.Context, argv ...string) (executil.Result, error) {
	if w.n == 0 && len(argv) > 0 && argv[0] == "dhclient" {
		os.WriteFile(w.leasePath, []byte(w.content), 0o644)
	}
	w.n++
	return w.inner.Run(ctx, argv...)
}
