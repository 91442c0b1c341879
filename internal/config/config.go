// Package config handles loading and managing routine-host configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/routine/routine-host/internal/frame"
	"github.com/routine/routine-host/internal/router"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "ROUTINE_HOST_CONFIG"

// Topologies.
const (
	// TopologyClient connects out to one desktop application listener.
	TopologyClient = "client"
	// TopologyServer listens and accepts any number of application peers.
	TopologyServer = "server"
)

// Discovery sources for the client topology.
const (
	DiscoveryFile   = "file"
	DiscoveryStatic = "static"
	DiscoveryMDNS   = "mdns"
)

// Config holds all configuration for the relay.
type Config struct {
	// Topology is "client" or "server".
	Topology string `yaml:"topology" json:"topology"`
	// Policy is "point-to-point" or "broadcast". Empty picks the
	// topology's default.
	Policy string `yaml:"policy" json:"policy"`
	// Synchronous forwards each browser message as a request and waits
	// for exactly one reply before reading the next one.
	Synchronous bool `yaml:"synchronous" json:"synchronous"`
	// ExitOnRemoteLoss stops the server topology once its last peer
	// leaves. The client topology always stops on remote loss.
	ExitOnRemoteLoss bool `yaml:"exit_on_remote_loss" json:"exit_on_remote_loss"`

	Local   LocalConfig   `yaml:"local" json:"local"`
	Network NetworkConfig `yaml:"network" json:"network"`
	Queue   QueueConfig   `yaml:"queue" json:"queue"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// LocalConfig holds native messaging pipe settings.
type LocalConfig struct {
	ByteOrder       string `yaml:"byte_order" json:"byte_order"`
	MaxMessageBytes uint32 `yaml:"max_message_bytes" json:"max_message_bytes"`
}

// NetworkConfig holds TCP settings for both topologies.
type NetworkConfig struct {
	ByteOrder       string `yaml:"byte_order" json:"byte_order"`
	MaxMessageBytes uint32 `yaml:"max_message_bytes" json:"max_message_bytes"`

	// Client topology.
	Host         string `yaml:"host" json:"host"`
	Discovery    string `yaml:"discovery" json:"discovery"`
	Port         int    `yaml:"port" json:"port"`
	PortFile     string `yaml:"port_file" json:"port_file"`
	MDNSService  string `yaml:"mdns_service" json:"mdns_service"`
	MDNSTimeout  int    `yaml:"mdns_timeout_ms" json:"mdns_timeout_ms"`
	MaxAttempts  int    `yaml:"max_attempts" json:"max_attempts"`
	RetryDelayMs int    `yaml:"retry_delay_ms" json:"retry_delay_ms"`

	// Server topology.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// QueueConfig sizes the relay's queues.
type QueueConfig struct {
	InboxSize      int `yaml:"inbox_size" json:"inbox_size"`
	OutboxSize     int `yaml:"outbox_size" json:"outbox_size"`
	DrainTimeoutMs int `yaml:"drain_timeout_ms" json:"drain_timeout_ms"`
}

// LogConfig holds diagnostic log settings.
type LogConfig struct {
	File    string `yaml:"file" json:"file"`
	Level   string `yaml:"level" json:"level"`
	Verbose bool   `yaml:"verbose" json:"verbose"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Topology: TopologyClient,
		Policy:   "",
		Local: LocalConfig{
			ByteOrder:       "native",
			MaxMessageBytes: 0, // the 32-bit frame limit
		},
		Network: NetworkConfig{
			ByteOrder:    "big",
			Host:         "127.0.0.1",
			Discovery:    DiscoveryFile,
			Port:         54325,
			PortFile:     "/tmp/routine_port",
			MDNSService:  "_routine._tcp",
			MDNSTimeout:  1000,
			MaxAttempts:  10,
			RetryDelayMs: 500,
			ListenAddr:   "127.0.0.1:54325",
		},
		Queue: QueueConfig{
			InboxSize:      64,
			OutboxSize:     64,
			DrainTimeoutMs: 2000,
		},
		Log: LogConfig{
			File:  "/tmp/native_messaging.log",
			Level: "debug",
		},
	}
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".routine-host", "config.yaml")
}

// Load reads configuration from the default config file.
func Load() (*Config, error) {
	path := ConfigPath()
	if path == "" {
		return Default(), nil
	}
	return LoadFrom(path)
}

// LoadFrom reads configuration from a specific file path. Files ending in
// .json or .jsonc are parsed as JSON with comments; anything else as YAML.
// A missing file yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if file doesn't exist
		}
		return nil, err
	}

	if isJSONPath(path) {
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// SaveTo writes the configuration to a specific file path.
func (c *Config) SaveTo(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isJSONPath(path) {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func isJSONPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".json" || ext == ".jsonc"
}

// RoutingPolicy returns the effective policy: the configured one, or
// point-to-point for the client topology and broadcast for the server.
func (c *Config) RoutingPolicy() (router.Policy, error) {
	if c.Policy == "" {
		if c.Topology == TopologyServer {
			return router.Broadcast, nil
		}
		return router.PointToPoint, nil
	}
	return router.ParsePolicy(c.Policy)
}

// LocalCodec returns the codec for the native messaging pipe.
func (c *Config) LocalCodec() (frame.Codec, error) {
	order, err := frame.ParseByteOrder(c.Local.ByteOrder)
	if err != nil {
		return frame.Codec{}, fmt.Errorf("local.byte_order: %w", err)
	}
	return frame.NewCodec(order, c.Local.MaxMessageBytes), nil
}

// NetworkCodec returns the codec for TCP connections.
func (c *Config) NetworkCodec() (frame.Codec, error) {
	order, err := frame.ParseByteOrder(c.Network.ByteOrder)
	if err != nil {
		return frame.Codec{}, fmt.Errorf("network.byte_order: %w", err)
	}
	return frame.NewCodec(order, c.Network.MaxMessageBytes), nil
}

// RetryDelay returns the configured delay between connection attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Network.RetryDelayMs) * time.Millisecond
}

// DrainTimeout bounds how long shutdown waits for queued remote writes.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Queue.DrainTimeoutMs) * time.Millisecond
}

// MDNSTimeout bounds one mDNS browse.
func (c *Config) MDNSTimeout() time.Duration {
	return time.Duration(c.Network.MDNSTimeout) * time.Millisecond
}

// Validate reports the first inconsistency in the configuration.
func (c *Config) Validate() error {
	switch c.Topology {
	case TopologyClient, TopologyServer:
	default:
		return fmt.Errorf("topology: unknown value %q (want client or server)", c.Topology)
	}

	policy, err := c.RoutingPolicy()
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Topology == TopologyServer && policy == router.PointToPoint {
		return fmt.Errorf("policy: point-to-point needs the client topology; the server accepts many peers")
	}
	if c.Synchronous && (c.Topology != TopologyClient || policy != router.PointToPoint) {
		return fmt.Errorf("synchronous: only supported with the client topology and point-to-point policy")
	}

	if _, err := c.LocalCodec(); err != nil {
		return err
	}
	if _, err := c.NetworkCodec(); err != nil {
		return err
	}

	if c.Queue.InboxSize < 1 {
		return fmt.Errorf("queue.inbox_size: must be at least 1")
	}
	if c.Queue.OutboxSize < 1 {
		return fmt.Errorf("queue.outbox_size: must be at least 1")
	}

	if c.Topology == TopologyServer {
		if c.Network.ListenAddr == "" {
			return fmt.Errorf("network.listen_addr: required for the server topology")
		}
		return nil
	}

	if c.Network.MaxAttempts < 1 {
		return fmt.Errorf("network.max_attempts: must be at least 1")
	}
	if c.Network.RetryDelayMs < 0 {
		return fmt.Errorf("network.retry_delay_ms: must not be negative")
	}
	switch c.Network.Discovery {
	case DiscoveryFile:
		if c.Network.PortFile == "" {
			return fmt.Errorf("network.port_file: required for file discovery")
		}
	case DiscoveryStatic:
		if c.Network.Port < 1 || c.Network.Port > 65535 {
			return fmt.Errorf("network.port: %d out of range", c.Network.Port)
		}
	case DiscoveryMDNS:
		if c.Network.MDNSService == "" {
			return fmt.Errorf("network.mdns_service: required for mdns discovery")
		}
	default:
		return fmt.Errorf("network.discovery: unknown value %q (want file, static or mdns)", c.Network.Discovery)
	}
	return nil
}
