// Package vpnctl wraps the vpncmd control CLI exposed by the VPN tunneling
// daemon: account bind/connect/disconnect and key/value status queries.
package vpnctl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vpnsentry/gateway/internal/executil"
)

// StatusResult is the outcome of one accountstatusget query.
type StatusResult struct {
	Valid bool
	Value string
	Raw   string
}

// Adapter drives vpncmd for a single account/hub pair.
type Adapter struct {
	Run     executil.Runner
	Log     *zap.Logger
	Account string
	Hub     string
}

// New returns an Adapter bound to the given account/hub.
func New(run executil.Runner, log *zap.Logger, account, hub string) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{Run: run, Log: log, Account: account, Hub: hub}
}

func (a *Adapter) cmd(ctx context.Context, args ...string) (executil.Result, error) {
	argv := append([]string{"vpncmd", "localhost", "/client", "/cmd"}, args...)
	return a.Run.Run(ctx, argv...)
}

// Set binds the account to the given relay host via its management hub.
func (a *Adapter) Set(ctx context.Context, host string) error {
	res, err := a.cmd(ctx, "accountset",
		a.Account, fmt.Sprintf("/server:%s", host), fmt.Sprintf("/hub:%s", a.Hub))
	if err != nil {
		return fmt.Errorf("vpnctl: accountset exec: %w", err)
	}
	if !isSuccess(res.Stdout) {
		return fmt.Errorf("vpnctl: accountset did not report success for %s", host)
	}
	return nil
}

// Connect initiates the tunnel for the bound account.
func (a *Adapter) Connect(ctx context.Context) error {
	res, err := a.cmd(ctx, "accountconnect", a.Account)
	if err != nil {
		return fmt.Errorf("vpnctl: accountconnect exec: %w", err)
	}
	if !isSuccess(res.Stdout) {
		return fmt.Errorf("vpnctl: accountconnect did not report success")
	}
	return nil
}

// Disconnect tears down the tunnel for the bound account. Failure here is
// never fatal to the caller; it is reported so the caller can log a warning.
func (a *Adapter) Disconnect(ctx context.Context) error {
	res, err := a.cmd(ctx, "accountdisconnect", a.Account)
	if err != nil {
		return fmt.Errorf("vpnctl: accountdisconnect exec: %w", err)
	}
	if !isSuccess(res.Stdout) {
		return fmt.Errorf("vpnctl: accountdisconnect did not report success")
	}
	return nil
}

// Status runs accountstatusget and extracts the requested key.
func (a *Adapter) Status(ctx context.Context, key string) (StatusResult, error) {
	res, err := a.cmd(ctx, "accountstatusget", a.Account)
	if err != nil {
		return StatusResult{}, fmt.Errorf("vpnctl: accountstatusget exec: %w", err)
	}
	if !isSuccess(res.Stdout) {
		return StatusResult{Raw: res.Stdout}, nil
	}
	value, ok := extractField(res.Stdout, key)
	if !ok {
		return StatusResult{Raw: res.Stdout}, nil
	}
	return StatusResult{Valid: true, Value: value, Raw: res.Stdout}, nil
}

// SessionEstablishedValue is the "Session Status" value that marks a
// successfully established tunnel.
const SessionEstablishedValue = "Connection Completed (Session Established)"

// WaitUntil polls Status("Session Status") at interval until predicate
// returns true, ctx is canceled, or timeout elapses (timeout<=0 means no
// deadline beyond ctx). It returns the last StatusResult observed.
func (a *Adapter) WaitUntil(ctx context.Context, predicate func(StatusResult) bool, timeout time.Duration, interval time.Duration) (StatusResult, bool) {
	if interval <= 0 {
		interval = time.Second
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var last StatusResult
	for {
		last, _ = a.Status(ctx, "Session Status")
		if predicate(last) {
			return last, true
		}
		select {
		case <-ctx.Done():
			return last, false
		case <-deadline:
			return last, false
		case <-time.After(interval):
		}
	}
}

// PollSessionEstablished polls Status("Session Status") up to maxTries times
// at interval, returning true as soon as it reports the established value.
// Used by the supervisor's Connecting state, which counts attempts rather
// than bounding on wall-clock time.
func (a *Adapter) PollSessionEstablished(ctx context.Context, maxTries int, interval time.Duration) (StatusResult, bool) {
	var last StatusResult
	for i := 0; i < maxTries; i++ {
		last, _ = a.Status(ctx, "Session Status")
		if last.Valid && last.Value == SessionEstablishedValue {
			return last, true
		}
		if i < maxTries-1 {
			select {
			case <-ctx.Done():
				return last, false
			case <-time.After(interval):
			}
		}
	}
	return last, false
}
