package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/longg-net/longg/pkg/errdefs"
	"github.com/longg-net/longg/pkg/radio"
	"github.com/longg-net/longg/pkg/tun"
)

var (
	ConfigFile      string
	Verbose         bool
	AlsoLogToStderr bool
)

// Role is the part a node plays in the link.
type Role int

const (
	// RoleBase is the node with the wired uplink; it masquerades for the Mobile.
	RoleBase Role = 0
	// RoleMobile reaches the network through the Base.
	RoleMobile Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleBase:
		return "base"
	case RoleMobile:
		return "mobile"
	}
	return "Role(" + strconv.Itoa(int(r)) + ")"
}

// ParseRole accepts "0", "1", "base" or "mobile".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "base":
		return RoleBase, nil
	case "1", "mobile":
		return RoleMobile, nil
	}
	return 0, fmt.Errorf("%w: unknown role %q, want 0 (base) or 1 (mobile)", errdefs.ErrConfig, s)
}

type TunConfig struct {
	// Name of the TUN interface.
	Name string `yaml:"name"`
	// Netmask of the tunnel network in dotted-quad form.
	Netmask string `yaml:"netmask"`
	// BaseIP and MobileIP are the tunnel addresses of each role.
	BaseIP   string `yaml:"base_ip"`
	MobileIP string `yaml:"mobile_ip"`
	MTU      int    `yaml:"mtu"`
	// Owner and Group receive ownership of the device.
	Owner int `yaml:"owner"`
	Group int `yaml:"group"`
}

type RadioConfig struct {
	// PALevel is the output power in dBm.
	PALevel         int           `yaml:"pa_level"`
	RetransmitDelay time.Duration `yaml:"retransmit_delay"`
	RetransmitCount int           `yaml:"retransmit_count"`
	DataRate        string        `yaml:"data_rate"`
	CRCLength       int           `yaml:"crc_length"`
	Channel         int           `yaml:"channel"`
	// Addresses is indexed by role: a node transmits on its own entry and
	// listens on the other.
	Addresses []string `yaml:"addresses"`
}

// PortConfig locates one radio on the host.
type PortConfig struct {
	SPIBus    int    `yaml:"spi_bus"`
	SPIDevice int    `yaml:"spi_device"`
	CEPin     string `yaml:"ce_pin"`
	SpeedHz   int64  `yaml:"speed_hz,omitempty"`
}

type RadiosConfig struct {
	RX PortConfig `yaml:"rx"`
	TX PortConfig `yaml:"tx"`
}

type PipelineConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// ReassemblyTimeout discards partial datagrams idle this long. Zero disables it.
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout,omitempty"`
}

type Config struct {
	// Role of this node. Prompted for when empty.
	Role string `yaml:"role,omitempty"`
	// Whether to enable verbose logging.
	Verbose bool `yaml:"verbose,omitempty"`
	// LogFormat is text (the default) or json.
	LogFormat string    `yaml:"log_format,omitempty"`
	Tun       TunConfig `yaml:"tun"`
	// Uplink is the Base's wired interface traffic is masqueraded out of.
	Uplink string `yaml:"uplink"`
	// NATBackend is iptables or nftables.
	NATBackend string `yaml:"nat_backend"`
	// Routes the Mobile sends through the Base.
	Routes []string `yaml:"routes"`
	// ControlServer, if set, is also routed through the Base by the Mobile.
	ControlServer string         `yaml:"control_server,omitempty"`
	Radio         RadioConfig    `yaml:"radio"`
	Radios        RadiosConfig   `yaml:"radios"`
	Pipeline      PipelineConfig `yaml:"pipeline"`
	// MetricsAddr, if set, serves Prometheus metrics.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// SentryDSN, if set, reports fatal errors to Sentry. The SENTRY_DSN
	// environment variable takes precedence.
	SentryDSN string `yaml:"sentry_dsn,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Tun: TunConfig{
			Name:     tun.DefaultName,
			Netmask:  "255.255.255.0",
			BaseIP:   "125.100.1.1",
			MobileIP: "125.100.1.2",
			MTU:      tun.DefaultMTU,
			Owner:    tun.DefaultOwner,
			Group:    tun.DefaultOwner,
		},
		Uplink:     "eth0",
		NATBackend: "iptables",
		Routes:     []string{"8.8.8.8/32"},
		Radio: RadioConfig{
			PALevel:         -12,
			RetransmitDelay: 500 * time.Microsecond,
			RetransmitCount: 10,
			DataRate:        "2Mbps",
			CRCLength:       2,
			Channel:         76,
			Addresses:       slices.Clone(radio.DefaultAddresses[:]),
		},
		Radios: RadiosConfig{
			RX: PortConfig{SPIBus: 0, SPIDevice: 0, CEPin: "GPIO22"},
			TX: PortConfig{SPIBus: 1, SPIDevice: 0, CEPin: "GPIO24"},
		},
		Pipeline: PipelineConfig{
			QueueSize:    128,
			QueueTimeout: 3 * time.Second,
			PollInterval: time.Millisecond,
		},
	}
}

// Dir returns the path to the configuration directory.
func Dir() string {
	return filepath.Join(os.Getenv("HOME"), ".longg")
}

func getDefaultConfigPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads ConfigFile over the defaults. A missing file yields the defaults.
func Load() (*Config, error) {
	if ConfigFile == "" {
		ConfigFile = getDefaultConfigPath()
	}
	cfg := Default()
	yamlFile, err := os.ReadFile(ConfigFile)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: error reading YAML file: %w", errdefs.ErrConfig, err)
	}
	if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal YAML: %w", errdefs.ErrConfig, err)
	}
	return cfg, nil
}

func ensureDirExists(filePath string) error {
	dir := filepath.Dir(filePath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return nil
}

// Store writes cfg to ConfigFile.
func Store(cfg *Config) error {
	yamlFile, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if ConfigFile == "" {
		ConfigFile = getDefaultConfigPath()
	}
	if err := ensureDirExists(ConfigFile); err != nil {
		return fmt.Errorf("failed to ensure directory exists: %w", err)
	}
	if err := os.WriteFile(ConfigFile, yamlFile, 0644); err != nil {
		return fmt.Errorf("failed to write YAML file: %w", err)
	}
	return nil
}
