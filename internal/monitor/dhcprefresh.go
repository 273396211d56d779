package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// dhcpAcquirer avoids an import of netconf's concrete Lease type so this
// package stays a pure consumer of the session context contract; the
// supervisor wires *netconf.Configurator.DHCPAcquire in, discarding the
// lease value the refresher itself has no use for.
type dhcpAcquirer func(ctx context.Context, loop bool) error

// DHCPRefresher re-acquires the tunnel's DHCP lease every refreshEvery while
// the session is Established. It ticks once per second, or once per
// refreshEvery when that is shorter (so teardown is prompt, per §5), but only
// acts every refreshEvery; failures are logged and never escalated to the
// supervisor — the refresher is advisory (§4.F).
func DHCPRefresher(ctx context.Context, sc *SessionContext, acquire dhcpAcquirer, log *zap.Logger, refreshEvery time.Duration) {
	if refreshEvery <= 0 {
		refreshEvery = 300 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	tick := time.Second
	if refreshEvery < tick {
		tick = refreshEvery
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var sinceLast time.Duration
	for {
		select {
		case <-sc.Done():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sinceLast += tick
		if sinceLast < refreshEvery {
			continue
		}
		sinceLast = 0

		if err := acquire(ctx, false); err != nil {
			log.Warn("dhcp lease refresh failed, will retry on next interval", zap.Error(err))
		}
	}
}
