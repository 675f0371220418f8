package keepsake

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig configures the sync core.
type SyncConfig struct {
	// DeviceID uniquely identifies this device. Required.
	DeviceID string `yaml:"device_id" json:"device_id"`

	// DeviceName is the human-readable device name.
	DeviceName string `yaml:"device_name" json:"device_name"`

	// DeviceType is one of desktop, mobile, tablet.
	DeviceType DeviceType `yaml:"device_type" json:"device_type"`

	// SyncPort is the TCP port the sync transport listens on.
	SyncPort int `yaml:"sync_port" json:"sync_port"`

	// ConflictStrategy is applied to concurrent versions during sync.
	ConflictStrategy ConflictStrategy `yaml:"conflict_strategy" json:"conflict_strategy"`

	// DevicePriority ranks devices for the device_priority strategy;
	// lower index means higher priority.
	DevicePriority []string `yaml:"device_priority,omitempty" json:"device_priority,omitempty"`

	// BatchMaxItems is the maximum number of deltas per batch.
	BatchMaxItems int `yaml:"batch_max_items" json:"batch_max_items"`

	// BatchMaxBytes limits the cumulative serialized size of a batch.
	BatchMaxBytes int64 `yaml:"batch_max_bytes" json:"batch_max_bytes"`

	// DiscoveryAddr is the multicast group for device discovery.
	DiscoveryAddr string `yaml:"discovery_addr" json:"discovery_addr"`

	// DiscoveryInterval is the advertisement interval.
	DiscoveryInterval time.Duration `yaml:"discovery_interval" json:"discovery_interval"`

	// DiscoveryBudget bounds a discovery listen pass; whatever was
	// collected when the budget expires is returned.
	DiscoveryBudget time.Duration `yaml:"discovery_budget" json:"discovery_budget"`

	// ProbeTimeout is the connect timeout for the reachability probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`

	// PairingCodeLength is the length of the out-of-band pairing code.
	PairingCodeLength int `yaml:"pairing_code_length" json:"pairing_code_length"`

	// HistoryRetention bounds how long sync history rows are kept by
	// PruneHistory. Zero disables pruning.
	HistoryRetention time.Duration `yaml:"history_retention" json:"history_retention"`
}

// DefaultSyncConfig returns a configuration with sensible defaults.
// DeviceID must still be set by the caller.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		DeviceType:        DeviceTypeDesktop,
		SyncPort:          47800,
		ConflictStrategy:  StrategyLastWriteWins,
		BatchMaxItems:     500,
		BatchMaxBytes:     1 * 1024 * 1024,
		DiscoveryAddr:     "239.255.77.88:47801",
		DiscoveryInterval: 5 * time.Second,
		DiscoveryBudget:   15 * time.Second,
		ProbeTimeout:      3 * time.Second,
		PairingCodeLength: 6,
		HistoryRetention:  90 * 24 * time.Hour,
	}
}

// LoadSyncConfig reads a YAML configuration file, applying defaults for
// unset fields.
func LoadSyncConfig(path string) (SyncConfig, error) {
	cfg := DefaultSyncConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks required fields and limits.
func (c *SyncConfig) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("config: device_id is required")
	}
	if c.SyncPort <= 0 || c.SyncPort > 65535 {
		return fmt.Errorf("config: sync_port %d out of range", c.SyncPort)
	}
	if c.BatchMaxItems <= 0 {
		return fmt.Errorf("config: batch_max_items must be positive")
	}
	if c.BatchMaxBytes <= 0 {
		return fmt.Errorf("config: batch_max_bytes must be positive")
	}
	switch c.ConflictStrategy {
	case StrategyCausalOrdering, StrategyLastWriteWins, StrategyDevicePriority,
		StrategyMerge, StrategyManual:
	default:
		return fmt.Errorf("config: unknown conflict strategy %q", c.ConflictStrategy)
	}
	return nil
}

// LocalDevice builds the DeviceInfo advertised for this configuration.
func (c *SyncConfig) LocalDevice(publicKey []byte) DeviceInfo {
	return DeviceInfo{
		DeviceID:   c.DeviceID,
		DeviceName: c.DeviceName,
		DeviceType: c.DeviceType,
		Port:       c.SyncPort,
		PublicKey:  publicKey,
		OSVersion:  osVersion(),
		LastSeen:   time.Now(),
		IsActive:   true,
	}
}
