// Command vpnsentryd is the VPN gateway supervisor daemon: it selects a
// relay from the VPNGate-style directory, connects through the local
// vpncmd control CLI, brings up host routing/NAT, and monitors the session
// until interrupted or the connection fails, reselecting and repeating.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vpnsentry/gateway/internal/config"
	"github.com/vpnsentry/gateway/internal/consolelog"
	"github.com/vpnsentry/gateway/internal/directory"
	"github.com/vpnsentry/gateway/internal/executil"
	"github.com/vpnsentry/gateway/internal/netconf"
	"github.com/vpnsentry/gateway/internal/supervisor"
	"github.com/vpnsentry/gateway/internal/vpnctl"
)

var (
	configPath       string
	debug            bool
	printDefaultConf bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vpnsentryd",
		Short: "VPN gateway supervisor",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the supervisor in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor()
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.PersistentFlags().BoolVar(&printDefaultConf, "print-default-config", false, "print the default configuration as YAML and exit")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSupervisor() error {
	if printDefaultConf {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if os.Geteuid() != 0 {
		return fmt.Errorf("vpnsentryd must run as root")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Debug = true
	}

	zapLog, err := consolelog.NewZap(cfg.Logging.Debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zapLog.Sync()

	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		loc = time.FixedZone("JST", 9*60*60)
	}
	console, err := consolelog.New(cfg.Logging.LogDir, loc, zapLog)
	if err != nil {
		return err
	}

	runner := executil.New(zapLog)
	vpn := vpnctl.New(runner, zapLog, cfg.VPN.AccountName, cfg.VPN.HubName)
	dirClient := directory.New(&httpDoer{}, cfg.Directory.URL, cfg.Directory.RetryBackoff, zapLog)
	net := netconf.New(runner, zapLog, netconf.Config{
		LANCIDR:       cfg.Network.LANCIDR,
		UpstreamIface: cfg.Network.UpstreamIface,
		TunIface:      cfg.Network.TunIface,
		LeaseFile:     cfg.Network.LeaseFile,
	})

	sup := supervisor.New(dirClient, vpn, net, console, zapLog, supervisor.Config{
		CountryFilter:       cfg.Directory.CountryFilter,
		PortFilter:          cfg.Directory.PortFilter,
		ConnectRetries:      cfg.VPN.ConnectRetries,
		ConnectPollInterval: cfg.VPN.PollInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	console.Log("vpnsentryd starting (tun=%s upstream=%s)", cfg.Network.TunIface, cfg.Network.UpstreamIface)
	err = sup.Run(ctx)
	if err != nil {
		console.Error("fatal: %v", err)
		return err
	}
	console.Log("vpnsentryd shut down cleanly")
	return nil
}

// httpDoer adapts the standard library's default client to directory.HTTPDoer.
type httpDoer struct{}

func (httpDoer) Do(req *http.Request) (*http.Response, error) {
	return http.DefaultClient.Do(req)
}
