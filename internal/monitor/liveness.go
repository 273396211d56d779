package monitor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vpnsentry/gateway/internal/vpnctl"
)

// Throughput is the parsed session counters published on each successful
// poll, grounded on the reference supervisor's show_status/conv_datasize
// byte-count display.
type Throughput struct {
	OutgoingBytes int64
	IncomingBytes int64
}

// StatusReporter receives a human-readable throughput update. Implemented
// by consolelog.Console in production.
type StatusReporter interface {
	Status(format string, args ...any)
}

// StatusPoller is the subset of vpnctl.Adapter the liveness monitor needs.
// Accepting an interface (rather than *vpnctl.Adapter directly) lets the
// supervisor pass its own VPNAdapter dependency straight through without a
// concrete-type downcast.
type StatusPoller interface {
	Status(ctx context.Context, key string) (vpnctl.StatusResult, error)
}

var commaGroupedInt = regexp.MustCompile(`[0-9,]+`)

func parseCommaGroupedInt(s string) (int64, bool) {
	m := commaGroupedInt.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(m, ",", ""), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ConvDataSize renders a byte count in the style of the reference
// supervisor's conv_datasize, but with binary (1024) steps rather than
// 1000: scaled to the largest unit under which the value is at least 1,
// two decimal places, B/KB/MB/GB/TB.
func ConvDataSize(n int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	f := float64(n)
	i := 0
	for f >= 1024 && i < len(units)-1 {
		f /= 1024
		i++
	}
	return fmt.Sprintf("%.2f%s", f, units[i])
}

// Liveness polls session status once per second while Established. On the
// first non-established outcome it raises sc's session-error signal exactly
// once and returns (I6) — it never polls again after that.
func Liveness(ctx context.Context, sc *SessionContext, adapter StatusPoller, status StatusReporter, log *zap.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.Done():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := adapter.Status(ctx, "Session Status")
		if err != nil {
			sc.RaiseError(fmt.Errorf("monitor: status poll failed: %w", err))
			return
		}
		if !res.Valid || res.Value != vpnctl.SessionEstablishedValue {
			sc.RaiseError(fmt.Errorf("monitor: session no longer established: valid=%v value=%q", res.Valid, res.Value))
			return
		}

		if status != nil {
			publishThroughput(ctx, adapter, status, log)
		}
	}
}

func publishThroughput(ctx context.Context, adapter StatusPoller, status StatusReporter, log *zap.Logger) {
	out, err := adapter.Status(ctx, "Outgoing Data Size")
	if err != nil || !out.Valid {
		return
	}
	in, err := adapter.Status(ctx, "Incoming Data Size")
	if err != nil || !in.Valid {
		return
	}
	outN, ok1 := parseCommaGroupedInt(out.Value)
	inN, ok2 := parseCommaGroupedInt(in.Value)
	if !ok1 || !ok2 {
		log.Debug("throughput values not parseable", zap.String("out", out.Value), zap.String("in", in.Value))
		return
	}
	t := Throughput{OutgoingBytes: outN, IncomingBytes: inN}
	status.Status("tx %s / rx %s", ConvDataSize(t.OutgoingBytes), ConvDataSize(t.IncomingBytes))
}
