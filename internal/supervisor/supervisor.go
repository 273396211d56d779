// Package supervisor implements the top-level gateway state machine:
// select a relay, connect through the VPN control adapter, bring up host
// routing, monitor liveness, refresh the DHCP lease, and tear down and
// reselect on failure — all under a single fatal-error catch point and a
// cooperative-shutdown concurrency model (§4.G, §5).
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vpnsentry/gateway/internal/directory"
	"github.com/vpnsentry/gateway/internal/monitor"
	"github.com/vpnsentry/gateway/internal/netconf"
	"github.com/vpnsentry/gateway/internal/vpnctl"
)

// DirectoryClient is the subset of directory.Client the supervisor drives.
type DirectoryClient interface {
	FetchAndRank(ctx context.Context, countryFilter string, portFilter int) ([]directory.Relay, error)
}

// VPNAdapter is the subset of vpnctl.Adapter the supervisor drives.
type VPNAdapter interface {
	Set(ctx context.Context, host string) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status(ctx context.Context, key string) (vpnctl.StatusResult, error)
	PollSessionEstablished(ctx context.Context, maxTries int, interval time.Duration) (vpnctl.StatusResult, bool)
}

// NetworkConfigurator is the subset of netconf.Configurator the supervisor
// drives.
type NetworkConfigurator interface {
	NATInstall(ctx context.Context) error
	NATRemove(ctx context.Context) error
	BringUp(ctx context.Context, relayIP string) (netconf.Lease, error)
	TearDown(ctx context.Context, relayIP string) []error
	DHCPAcquire(ctx context.Context, loop bool) (netconf.Lease, error)
	HasInstalledNAT() bool
	HasInstalledRouting() bool
}

// Console is the narrow logging surface the supervisor writes user-visible
// messages to.
type Console interface {
	Log(format string, args ...any)
	Status(format string, args ...any)
	Error(format string, args ...any)
}

// Config is the supervisor's runtime policy, independent of host addressing
// (which belongs to netconf.Config).
type Config struct {
	CountryFilter       string
	PortFilter          int
	ConnectRetries      int
	ConnectPollInterval time.Duration
	LivenessInterval    time.Duration
	DHCPRefreshInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 5
	}
	if c.ConnectPollInterval <= 0 {
		c.ConnectPollInterval = time.Second
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = time.Second
	}
	if c.DHCPRefreshInterval <= 0 {
		c.DHCPRefreshInterval = 300 * time.Second
	}
}

// Supervisor is the top-level state machine.
type Supervisor struct {
	Directory DirectoryClient
	VPN       VPNAdapter
	Net       NetworkConfigurator
	Console   Console
	Log       *zap.Logger
	Cfg       Config

	blacklist *blacklist
}

// New returns a Supervisor wired to its collaborators.
func New(dir DirectoryClient, vpn VPNAdapter, net NetworkConfigurator, console Console, log *zap.Logger, cfg Config) *Supervisor {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		Directory: dir,
		VPN:       vpn,
		Net:       net,
		Console:   console,
		Log:       log,
		Cfg:       cfg,
		blacklist: newBlacklist(),
	}
}

// Run drives the state machine until ctx is canceled (operator interrupt,
// reported as a clean shutdown: nil error) or a fatal condition is reached
// (reported as a *FatalError so the caller can exit non-zero).
func (s *Supervisor) Run(ctx context.Context) error {
	state := Idle
	var relayIP string
	var sc *monitor.SessionContext
	var fatalErr error

	for {
		switch state {
		case Idle:
			if err := s.Net.NATInstall(ctx); err != nil {
				fatalErr = newFatal("nat_install", err)
				state = Fatal
				continue
			}
			state = Selecting

		case Selecting:
			relays, err := s.Directory.FetchAndRank(ctx, s.Cfg.CountryFilter, s.Cfg.PortFilter)
			if err != nil {
				// FetchAndRank only returns an error when ctx was canceled
				// mid-retry (directory transport failures retry forever).
				return s.shutdown(relayIP)
			}
			candidate, ok := s.firstUnblacklisted(relays)
			if !ok {
				fatalErr = newFatal("selecting", errors.New("no relays remain after blacklist filter"))
				state = Fatal
				continue
			}
			relayIP = candidate.IP
			s.blacklist.add(relayIP)
			s.Console.Log("selected relay %s (%s, score %d)", candidate.HostName, relayIP, candidate.Score)
			state = Connecting

		case Connecting:
			if established := s.tryConnect(ctx, relayIP); established {
				state = EstablishingRoutes
				continue
			}
			state = Selecting

		case EstablishingRoutes:
			lease, err := s.Net.BringUp(ctx, relayIP)
			if err != nil {
				if ctx.Err() != nil {
					// Interrupted mid bring-up (e.g. while looping on DHCP).
					return s.shutdown(relayIP)
				}
				fatalErr = newFatal("bring_up", err)
				state = Fatal
				continue
			}
			s.blacklist.resetTo(relayIP)
			sc = monitor.NewSessionContext()
			sessionID := uuid.NewString()
			go monitor.Liveness(ctx, sc, s.VPN, s.Console, s.Log, s.Cfg.LivenessInterval)
			acquire := func(ctx context.Context, loop bool) error {
				_, err := s.Net.DHCPAcquire(ctx, loop)
				return err
			}
			go monitor.DHCPRefresher(ctx, sc, acquire, s.Log, s.Cfg.DHCPRefreshInterval)
			s.Log.Info("session established", zap.String("session_id", sessionID), zap.String("relay", relayIP))
			s.Console.Log("session established: relay=%s assigned=%s gw=%s", relayIP, lease.FixedAddress, lease.Router)
			state = Established

		case Established:
			next, done, err := s.waitEstablished(ctx, relayIP, sc)
			if done {
				return err
			}
			state = next

		case TearingDown:
			for _, w := range s.Net.TearDown(ctx, relayIP) {
				s.Log.Warn("teardown warning", zap.Error(w))
			}
			if err := s.VPN.Disconnect(ctx); err != nil {
				s.Log.Warn("disconnect warning during teardown", zap.Error(err))
			}
			state = Selecting

		case Fatal:
			s.cleanup(context.Background(), relayIP, sc)
			return fatalErr
		}
	}
}

// tryConnect binds and connects the given relay, polling up to
// ConnectRetries times. Every non-established outcome disconnects (best
// effort) before reporting false, so Selecting never leaves a half-bound
// vpncmd account behind when it moves to the next relay.
func (s *Supervisor) tryConnect(ctx context.Context, relayIP string) bool {
	if err := s.VPN.Set(ctx, relayIP); err != nil {
		s.Log.Warn("accountset failed", zap.String("relay", relayIP), zap.Error(err))
		s.disconnectBestEffort(ctx, "disconnect after failed accountset")
		return false
	}
	if err := s.VPN.Connect(ctx); err != nil {
		s.Log.Warn("accountconnect failed", zap.String("relay", relayIP), zap.Error(err))
		s.disconnectBestEffort(ctx, "disconnect after failed accountconnect")
		return false
	}
	_, established := s.VPN.PollSessionEstablished(ctx, s.Cfg.ConnectRetries, s.Cfg.ConnectPollInterval)
	if !established {
		s.Console.Log("relay %s did not establish within %d polls", relayIP, s.Cfg.ConnectRetries)
		s.disconnectBestEffort(ctx, "disconnect after failed connect attempt")
		return false
	}
	return true
}

func (s *Supervisor) disconnectBestEffort(ctx context.Context, warnMsg string) {
	if err := s.VPN.Disconnect(ctx); err != nil {
		s.Log.Warn(warnMsg, zap.Error(err))
	}
}

// waitEstablished blocks with a 1s timeout (no busy loop) until the
// session-error signal fires or ctx is canceled. A timeout tick just loops
// back into Established. It returns the next state, or done=true with a
// terminal error (possibly nil) when Run should return.
func (s *Supervisor) waitEstablished(ctx context.Context, relayIP string, sc *monitor.SessionContext) (State, bool, error) {
	select {
	case <-ctx.Done():
		sc.Cancel()
		s.cleanup(context.Background(), relayIP, sc)
		return 0, true, nil
	case err := <-sc.ErrCh():
		s.Console.Error("session lost: %v", err)
		sc.Cancel()
		return TearingDown, false, nil
	case <-time.After(time.Second):
		return Established, false, nil
	}
}

func (s *Supervisor) firstUnblacklisted(relays []directory.Relay) (directory.Relay, bool) {
	for _, r := range relays {
		if !s.blacklist.contains(r.IP) {
			return r, true
		}
	}
	return directory.Relay{}, false
}

// shutdown performs the full cleanup for a clean operator-requested exit
// (SIGINT observed outside of Established, e.g. while blocked in directory
// fetch or in the bring-up DHCP loop) and returns nil so the caller exits 0.
func (s *Supervisor) shutdown(relayIP string) error {
	s.cleanup(context.Background(), relayIP, nil)
	return nil
}

// cleanup is the single full-clean sequence used by every exit path:
// revert routing if any was installed, disconnect the VPN session, remove
// NAT if it was installed. Every step is best-effort (I1: revert exactly
// what was installed, never more; errors are logged, never escalated here
// since we are already on an exit path).
func (s *Supervisor) cleanup(ctx context.Context, relayIP string, sc *monitor.SessionContext) {
	if sc != nil {
		sc.Cancel()
	}
	if s.Net.HasInstalledRouting() {
		for _, w := range s.Net.TearDown(ctx, relayIP) {
			s.Log.Warn("cleanup teardown warning", zap.Error(w))
		}
	}
	if err := s.VPN.Disconnect(ctx); err != nil {
		s.Log.Warn("cleanup disconnect warning", zap.Error(err))
	}
	if s.Net.HasInstalledNAT() {
		if err := s.Net.NATRemove(ctx); err != nil {
			s.Log.Warn("cleanup nat remove warning", zap.Error(err))
		}
	}
}
