// Package netconf applies and reverts the host network mutations that give
// a downstream LAN egress through the VPN tunnel interface: NAT masquerade,
// a static host route to the relay, the tunnel interface address, the
// default route through the tunnel, and DHCP lease acquisition on the
// tunnel interface.
//
// Every bring-up step is recorded in an in-memory ledger as it succeeds, so
// TearDown reverts exactly what BringUp installed and no more (I1), even
// when BringUp fails partway through.
package netconf

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vpnsentry/gateway/internal/executil"
)

// Lease is a parsed DHCP lease: both fields must be present or the lease is
// rejected by the caller.
type Lease struct {
	FixedAddress string
	Router       string
}

func (l Lease) complete() bool { return l.FixedAddress != "" && l.Router != "" }

// Config names the interfaces and addressing the Configurator mutates.
type Config struct {
	LANCIDR       string
	UpstreamIface string
	TunIface      string
	LeaseFile     string
	TunMask       string // fixed design choice, see spec Design Notes: defaults to "/16"
}

// Configurator applies/reverts the host mutations for one attempt cycle.
type Configurator struct {
	Run executil.Runner
	Log *zap.Logger
	cfg Config

	ledger       ledger
	natInstalled bool
}

// New returns a Configurator for the given config.
func New(run executil.Runner, log *zap.Logger, cfg Config) *Configurator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TunMask == "" {
		cfg.TunMask = "/16"
	}
	return &Configurator{Run: run, Log: log, cfg: cfg}
}

// NATInstall inserts the MASQUERADE rule for the downstream LAN egressing
// through the tunnel. A non-zero exit is fatal to the caller.
func (c *Configurator) NATInstall(ctx context.Context) error {
	res, err := c.Run.Run(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING",
		"-s", c.cfg.LANCIDR, "-o", c.cfg.TunIface, "-j", "MASQUERADE")
	if err != nil {
		return fmt.Errorf("netconf: nat install exec: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("netconf: nat install failed: %s", strings.TrimSpace(res.Stderr))
	}
	c.natInstalled = true
	return nil
}

// NATRemove removes the MASQUERADE rule. Failures are non-fatal warnings.
func (c *Configurator) NATRemove(ctx context.Context) error {
	res, err := c.Run.Run(ctx, "iptables", "-t", "nat", "-D", "POSTROUTING",
		"-s", c.cfg.LANCIDR, "-o", c.cfg.TunIface, "-j", "MASQUERADE")
	c.natInstalled = false
	if err != nil {
		return fmt.Errorf("netconf: nat remove exec: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("netconf: nat remove reported non-zero exit: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

var fixedAddressRE = regexp.MustCompile(`fixed-address\s+([0-9.]+)\s*;`)
var routersRE = regexp.MustCompile(`option\s+routers\s+([0-9.]+)\s*;`)

// errLeaseIncomplete distinguishes a parsed-but-incomplete lease from a
// clean success, so a non-looping caller (the DHCP refresher) can log the
// failure instead of silently treating it as success (§7).
var errLeaseIncomplete = errors.New("netconf: lease incomplete")

// DHCPAcquire runs the system DHCP client against the tunnel interface and
// parses the resulting lease file. When loop is true it retries until both
// lease fields are present or ctx is canceled; otherwise it makes a single
// attempt and returns an empty Lease with a non-nil error when that attempt
// fails or yields an incomplete lease.
func (c *Configurator) DHCPAcquire(ctx context.Context, loop bool) (Lease, error) {
	for {
		lease, err := c.dhcpAcquireOnce(ctx)
		if err == nil && lease.complete() {
			return lease, nil
		}
		if !loop {
			if err == nil {
				err = errLeaseIncomplete
			}
			return Lease{}, err
		}
		select {
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *Configurator) dhcpAcquireOnce(ctx context.Context) (Lease, error) {
	f, err := os.Create(c.cfg.LeaseFile)
	if err != nil {
		return Lease{}, fmt.Errorf("netconf: create lease file: %w", err)
	}
	f.Close()

	res, err := c.Run.Run(ctx, "dhclient", "-v", "-sf", "/bin/true", "-lf", c.cfg.LeaseFile, c.cfg.TunIface)
	if err != nil {
		return Lease{}, fmt.Errorf("netconf: dhclient exec: %w", err)
	}
	if !res.Ok() {
		return Lease{}, fmt.Errorf("netconf: dhclient exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	return parseLeaseFile(c.cfg.LeaseFile)
}

// parseLeaseFile takes the last occurrence of each field, per I5: a lease
// file can contain multiple stanzas and the most recent one wins.
func parseLeaseFile(path string) (Lease, error) {
	f, err := os.Open(path)
	if err != nil {
		return Lease{}, fmt.Errorf("netconf: open lease file: %w", err)
	}
	defer f.Close()

	var lease Lease
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if m := fixedAddressRE.FindStringSubmatch(line); m != nil {
			lease.FixedAddress = m[1]
		}
		if m := routersRE.FindStringSubmatch(line); m != nil {
			lease.Router = m[1]
		}
	}
	if err := scanner.Err(); err != nil {
		return Lease{}, fmt.Errorf("netconf: scan lease file: %w", err)
	}
	if !lease.complete() {
		return Lease{}, errLeaseIncomplete
	}
	return lease, nil
}

// GetDefaultGW extracts the upstream interface's default gateway. Missing
// is fatal to the caller.
func (c *Configurator) GetDefaultGW(ctx context.Context) (string, error) {
	res, err := c.Run.Run(ctx, "ip", "route", "show", "default", "dev", c.cfg.UpstreamIface)
	if err != nil {
		return "", fmt.Errorf("netconf: get default gw exec: %w", err)
	}
	m := regexp.MustCompile(`default via ([0-9.]+)`).FindStringSubmatch(res.Stdout)
	if m == nil {
		return "", fmt.Errorf("netconf: no default route found on %s", c.cfg.UpstreamIface)
	}
	return m[1], nil
}

// AddHostRoute installs a static route to the relay via the upstream
// gateway, so relay traffic itself never loops through the tunnel. A
// non-zero exit is fatal.
func (c *Configurator) AddHostRoute(ctx context.Context, relayIP, viaGW string) error {
	res, err := c.Run.Run(ctx, "ip", "route", "add", relayIP, "via", viaGW, "dev", c.cfg.UpstreamIface)
	if err != nil {
		return fmt.Errorf("netconf: add host route exec: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("netconf: add host route failed: %s", strings.TrimSpace(res.Stderr))
	}
	c.ledger.mark(stepHostRoute)
	return nil
}

// AddTunAddr assigns the DHCP-acquired address to the tunnel interface with
// the fixed mask. A non-zero exit is fatal.
func (c *Configurator) AddTunAddr(ctx context.Context, ip string) error {
	res, err := c.Run.Run(ctx, "ip", "addr", "add", ip+c.cfg.TunMask, "dev", c.cfg.TunIface)
	if err != nil {
		return fmt.Errorf("netconf: add tun addr exec: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("netconf: add tun addr failed: %s", strings.TrimSpace(res.Stderr))
	}
	c.ledger.mark(stepTunAddr)
	return nil
}

// AddDefaultViaTun installs the default route through the tunnel. A
// non-zero exit is fatal.
func (c *Configurator) AddDefaultViaTun(ctx context.Context, gw string) error {
	res, err := c.Run.Run(ctx, "ip", "route", "add", "default", "via", gw, "dev", c.cfg.TunIface)
	if err != nil {
		return fmt.Errorf("netconf: add default via tun exec: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("netconf: add default via tun failed: %s", strings.TrimSpace(res.Stderr))
	}
	c.ledger.mark(stepDefaultRoute)
	return nil
}

// WANSanityCheck performs the optional post-bring-up reachability probe.
// Its failure is never fatal; it exists only to surface an early warning to
// the operator.
func (c *Configurator) WANSanityCheck(ctx context.Context) (string, error) {
	res, err := c.Run.Run(ctx, "curl", "-s", "--max-time", "5", "inet-ip.info")
	if err != nil {
		return "", fmt.Errorf("netconf: wan sanity check exec: %w", err)
	}
	if !res.Ok() {
		return "", fmt.Errorf("netconf: wan sanity check returned exit %d", res.ExitCode)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// BringUp runs the ordered bring-up sequence: DHCP acquire, default gateway
// lookup, host route, tunnel address, default route through tunnel. It
// stops at the first fatal failure, leaving the ledger reflecting exactly
// what succeeded so TearDown can revert it precisely.
func (c *Configurator) BringUp(ctx context.Context, relayIP string) (Lease, error) {
	lease, err := c.DHCPAcquire(ctx, true)
	if err != nil {
		return Lease{}, fmt.Errorf("netconf: dhcp acquire: %w", err)
	}

	gw, err := c.GetDefaultGW(ctx)
	if err != nil {
		return Lease{}, err
	}

	if err := c.AddHostRoute(ctx, relayIP, gw); err != nil {
		return Lease{}, err
	}
	if err := c.AddTunAddr(ctx, lease.FixedAddress); err != nil {
		return Lease{}, err
	}
	if err := c.AddDefaultViaTun(ctx, lease.Router); err != nil {
		return Lease{}, err
	}

	return lease, nil
}

// TearDown reverts the per-attempt routing steps BringUp actually
// installed: "ip route del <relay_ip>" and "ip addr flush dev <tun>", each
// invoked at most once regardless of which routing steps succeeded. NAT is
// not touched here — it is installed once at process start and removed
// only by NATRemove on the Fatal/shutdown path (§4.G). Every step here is
// best-effort: a failure is a logged warning, never fatal (I1).
func (c *Configurator) TearDown(ctx context.Context, relayIP string) []error {
	var warnings []error
	if c.ledger.has(stepHostRoute) || c.ledger.has(stepDefaultRoute) {
		if err := c.routeDel(ctx, relayIP); err != nil {
			warnings = append(warnings, err)
		}
	}
	if c.ledger.has(stepTunAddr) {
		if err := c.addrFlush(ctx); err != nil {
			warnings = append(warnings, err)
		}
	}
	c.ledger.reset()
	return warnings
}

func (c *Configurator) routeDel(ctx context.Context, relayIP string) error {
	res, err := c.Run.Run(ctx, "ip", "route", "del", relayIP)
	if err != nil {
		return fmt.Errorf("netconf: route del exec: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("netconf: route del reported non-zero exit: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (c *Configurator) addrFlush(ctx context.Context) error {
	res, err := c.Run.Run(ctx, "ip", "addr", "flush", "dev", c.cfg.TunIface)
	if err != nil {
		return fmt.Errorf("netconf: addr flush exec: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("netconf: addr flush reported non-zero exit: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// HasInstalledRouting reports whether any of the routing-affecting steps
// (host route, tunnel address, default route) succeeded in the current
// ledger. The supervisor uses this to decide cleanup scope on a fatal error
// raised before BringUp completes.
func (c *Configurator) HasInstalledRouting() bool {
	return c.ledger.has(stepHostRoute) || c.ledger.has(stepTunAddr) || c.ledger.has(stepDefaultRoute)
}

// HasInstalledNAT reports whether NATInstall succeeded and has not yet been
// reverted.
func (c *Configurator) HasInstalledNAT() bool {
	return c.natInstalled
}
