// Command connprobe runs the independent connectivity probe: two goroutines
// poll a WAN trace endpoint and a fixed DNS lookup on a shared interval and
// append dated records under its log directory, regardless of whether the
// gateway supervisor itself believes the tunnel is up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vpnsentry/gateway/internal/config"
	"github.com/vpnsentry/gateway/internal/consolelog"
	"github.com/vpnsentry/gateway/internal/probe"
)

var (
	configPath string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "connprobe",
		Short: "independent WAN connectivity probe",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the probe in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe()
		},
	}
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runProbe() error {
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

	p := probe.New(probe.Config{
		CheckURL:       cfg.Probe.CheckURL,
		DNSDomain:      cfg.Probe.DNSDomain,
		DNSNameservers: cfg.Probe.DNSNameservers,
		Interval:       cfg.Probe.Interval,
		LogDir:         cfg.Probe.LogDir,
	}, nil, zapLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p.Run(ctx)
	return nil
}
