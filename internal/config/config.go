// Package config handles configuration loading and validation for the gateway
// supervisor and the connectivity probe.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the vpnsentryd supervisor.
type Config struct {
	Network   NetworkConfig   `mapstructure:"network"`
	Directory DirectoryConfig `mapstructure:"directory"`
	VPN       VPNConfig       `mapstructure:"vpn"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Probe     ProbeConfig     `mapstructure:"probe"`
}

// NetworkConfig names the host interfaces and addressing the supervisor
// mutates.
type NetworkConfig struct {
	LANCIDR       string `mapstructure:"lan_cidr"`
	UpstreamIface string `mapstructure:"upstream_iface"`
	TunIface      string `mapstructure:"tun_iface"`
	LeaseFile     string `mapstructure:"lease_file"`
}

// DirectoryConfig controls how relays are fetched and filtered.
type DirectoryConfig struct {
	URL           string        `mapstructure:"url"`
	CountryFilter string        `mapstructure:"country_filter"`
	PortFilter    int           `mapstructure:"port_filter"` // 0 means unset
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// VPNConfig controls the vpncmd adapter and connection retry policy.
type VPNConfig struct {
	AccountName    string        `mapstructure:"account_name"`
	HubName        string        `mapstructure:"hub_name"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig controls the console/log-file split.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Debug  bool   `mapstructure:"debug"`
	LogDir string `mapstructure:"log_dir"`
}

// ProbeConfig controls the independent connectivity probe binary.
type ProbeConfig struct {
	CheckURL       string        `mapstructure:"check_url"`
	DNSDomain      string        `mapstructure:"dns_domain"`
	DNSNameservers []string      `mapstructure:"dns_nameservers"`
	Interval       time.Duration `mapstructure:"interval"`
	LogDir         string        `mapstructure:"log_dir"`
}

// Load reads configuration from the specified file and environment
// variables, applying defaults matching the reference VPNGate supervisor.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("VPNSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envVar := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
			v.Set(key, os.Getenv(envVar))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.lan_cidr", "192.168.19.0/24")
	v.SetDefault("network.upstream_iface", "eth0")
	v.SetDefault("network.tun_iface", "vpn_vpngate")
	v.SetDefault("network.lease_file", "vpngate.leases")

	v.SetDefault("directory.url", "https://www.vpngate.net/api/iphone/")
	v.SetDefault("directory.country_filter", "JP")
	v.SetDefault("directory.port_filter", 0)
	v.SetDefault("directory.retry_backoff", "3s")

	v.SetDefault("vpn.account_name", "vpngate")
	v.SetDefault("vpn.hub_name", "vpngate")
	v.SetDefault("vpn.connect_retries", 5)
	v.SetDefault("vpn.poll_interval", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.debug", false)
	v.SetDefault("logging.log_dir", "log")

	v.SetDefault("probe.check_url", "http://104.16.132.229/cdn-cgi/trace")
	v.SetDefault("probe.dns_domain", "www.google.com")
	v.SetDefault("probe.dns_nameservers", []string{"1.1.1.1"})
	v.SetDefault("probe.interval", "5s")
	v.SetDefault("probe.log_dir", "check_log")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Network.LANCIDR == "" {
		return fmt.Errorf("network.lan_cidr is required")
	}
	if c.Network.UpstreamIface == "" {
		return fmt.Errorf("network.upstream_iface is required")
	}
	if c.Network.TunIface == "" {
		return fmt.Errorf("network.tun_iface is required")
	}
	if c.Directory.URL == "" {
		return fmt.Errorf("directory.url is required")
	}
	if c.VPN.ConnectRetries <= 0 {
		return fmt.Errorf("vpn.connect_retries must be positive")
	}
	if c.Probe.Interval <= 0 {
		return fmt.Errorf("probe.interval must be positive")
	}
	return nil
}
