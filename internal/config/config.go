// Package config loads and hot-reloads the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ZejiaJiang/voyage/internal/corelog"
)

// DeviceConfig describes the virtual device the host presents packets
// through.
type DeviceConfig struct {
	MTU         int `yaml:"mtu,omitempty"`
	RxQueueSize int `yaml:"rx_queue_size,omitempty"`
	TxQueueSize int `yaml:"tx_queue_size,omitempty"`
}

// StackConfig tunes the userspace TCP/IP stack.
type StackConfig struct {
	RecvBufferBytes int `yaml:"recv_buffer_bytes,omitempty"`
	SendBufferBytes int `yaml:"send_buffer_bytes,omitempty"`
	TimeWaitSeconds int `yaml:"time_wait_seconds,omitempty"`
	// IPv6Enabled gates whether the stack forwards parsed IPv6 flows at
	// all. Packets are always parsed; forwarding is best-effort and off
	// by default since the connection manager is v4-biased.
	IPv6Enabled bool `yaml:"ipv6_enabled,omitempty"`
}

// NatConfig tunes the NAT/flow table.
type NatConfig struct {
	MaxConnections   int `yaml:"max_connections,omitempty"`
	ShardCount       int `yaml:"shard_count,omitempty"`
	LingerSeconds    int `yaml:"linger_seconds,omitempty"`
	EphemeralPortLo  int `yaml:"ephemeral_port_lo,omitempty"`
	EphemeralPortHi  int `yaml:"ephemeral_port_hi,omitempty"`
	UDPIdleSeconds   int `yaml:"udp_idle_seconds,omitempty"`
}

// ProxyConfig holds the upstream SOCKS5 proxy endpoint and rule file.
type ProxyConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SocksAddress   string `yaml:"socks_address,omitempty"`
	SocksUsername  string `yaml:"socks_username,omitempty"`
	SocksPassword  string `yaml:"socks_password,omitempty"`
	RulesPath      string `yaml:"rules_path,omitempty"`
	HandshakeMS    int    `yaml:"handshake_timeout_ms,omitempty"`
	BypassMark     int    `yaml:"bypass_mark,omitempty"`
	GeoIPPath      string `yaml:"geoip_path,omitempty"`
	SniffEnabled   bool   `yaml:"sniff_enabled,omitempty"`
	SniffBudgetMax int    `yaml:"sniff_budget_bytes,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Log    corelog.Config `yaml:"log,omitempty"`
	Device DeviceConfig   `yaml:"device,omitempty"`
	Stack  StackConfig    `yaml:"stack,omitempty"`
	Nat    NatConfig      `yaml:"nat,omitempty"`
	Proxy  ProxyConfig    `yaml:"proxy,omitempty"`
}

// Default returns a valid configuration with every tunable at its
// default.
func Default() Config {
	return Config{
		Device: DeviceConfig{MTU: 1500, RxQueueSize: 256, TxQueueSize: 256},
		Stack: StackConfig{
			RecvBufferBytes: 64 * 1024,
			SendBufferBytes: 64 * 1024,
			TimeWaitSeconds: 60,
		},
		Nat: NatConfig{
			MaxConnections:  100,
			ShardCount:      64,
			LingerSeconds:   2,
			EphemeralPortLo: 10000,
			EphemeralPortHi: 65535,
			UDPIdleSeconds:  60,
		},
		Proxy: ProxyConfig{
			Enabled:        true,
			HandshakeMS:    10000,
			SniffEnabled:   true,
			SniffBudgetMax: 4096,
		},
	}
}

// Manager handles loading, saving, and hot-reloading configuration.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *corelog.EventBus
}

// NewManager creates a config manager that reads from the given file. A
// nil bus disables reload notifications.
func NewManager(filePath string, bus *corelog.EventBus) *Manager {
	return &Manager{filePath: filePath, bus: bus, config: Default()}
}

// Load reads and parses the configuration from disk. If the file does
// not exist, it writes one with default values and returns nil.
func (cm *Manager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			cm.mu.Lock()
			cm.config = Default()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("config: failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("config: failed to read %s: %w", cm.filePath, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("config: failed to parse: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(corelog.Event{Type: corelog.EventConfigReloaded})
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *Manager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: failed to marshal: %w", err)
	}
	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *Manager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Replace atomically swaps the in-memory configuration, without touching
// disk, and publishes a reload event.
func (cm *Manager) Replace(cfg Config) {
	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()
	if cm.bus != nil {
		cm.bus.Publish(corelog.Event{Type: corelog.EventConfigReloaded})
	}
}
