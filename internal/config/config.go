// Package config loads client settings from defaults, an optional YAML
// file, a .env file and PCALL_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

const (
	CapabilityMemory = "memory"
	CapabilityDisk   = "disk"
)

type Config struct {
	Signaling SignalingConfig `yaml:"signaling"`
	ICE       ICEConfig       `yaml:"ice"`
	Call      CallConfig      `yaml:"call"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

type SignalingConfig struct {
	URL    string `yaml:"url"`
	PeerID string `yaml:"peer_id"`
}

type ICEConfig struct {
	STUNServers []string `yaml:"stun_servers"`
}

type CallConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	GracePeriod          time.Duration `yaml:"grace_period"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type TransferConfig struct {
	ChunkSize          int           `yaml:"chunk_size"`
	HighWaterMark      ByteSize      `yaml:"high_water_mark"`
	LowWaterMark       ByteSize      `yaml:"low_water_mark"`
	CheckpointEvery    int           `yaml:"checkpoint_every"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	StallTimeout       time.Duration `yaml:"stall_timeout"`
	Capability         string        `yaml:"capability"`
	MemoryLimit        ByteSize      `yaml:"memory_limit"`
	DiskLimit          ByteSize      `yaml:"disk_limit"`
	DownloadDir        string        `yaml:"download_dir"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// ByteSize accepts either a plain integer or a human readable size such as
// "2 GiB".
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func Default() *Config {
	return &Config{
		Signaling: SignalingConfig{
			URL: "ws://localhost:8080/ws",
		},
		ICE: ICEConfig{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
		},
		Call: CallConfig{
			ConnectTimeout:       30 * time.Second,
			GracePeriod:          5 * time.Second,
			MaxReconnectAttempts: 3,
		},
		Transfer: TransferConfig{
			ChunkSize:          16 * 1024,
			HighWaterMark:      1 << 20,
			LowWaterMark:       256 << 10,
			CheckpointEvery:    64,
			CheckpointInterval: 10 * time.Second,
			StallTimeout:       30 * time.Second,
			Capability:         CapabilityDisk,
			MemoryLimit:        2 << 30,
			DiskLimit:          1 << 40,
			DownloadDir:        "downloads",
		},
		Storage: StorageConfig{
			DBPath: "pcall.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a Config. An empty path skips the YAML file; a missing .env
// file is ignored.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Signaling.URL, "PCALL_SIGNAL_URL")
	setString(&c.Signaling.PeerID, "PCALL_PEER_ID")
	if v, ok := os.LookupEnv("PCALL_STUN_SERVERS"); ok {
		c.ICE.STUNServers = splitList(v)
	}
	setString(&c.Transfer.Capability, "PCALL_CAPABILITY")
	setString(&c.Transfer.DownloadDir, "PCALL_DOWNLOAD_DIR")
	setString(&c.Storage.DBPath, "PCALL_DB_PATH")
	setString(&c.Log.Level, "PCALL_LOG_LEVEL")

	return errors.Join(
		setDuration(&c.Call.ConnectTimeout, "PCALL_CONNECT_TIMEOUT"),
		setDuration(&c.Call.GracePeriod, "PCALL_GRACE_PERIOD"),
		setInt(&c.Call.MaxReconnectAttempts, "PCALL_MAX_RECONNECT_ATTEMPTS"),
		setInt(&c.Transfer.ChunkSize, "PCALL_CHUNK_SIZE"),
		setBytes(&c.Transfer.HighWaterMark, "PCALL_HIGH_WATER_MARK"),
		setBytes(&c.Transfer.LowWaterMark, "PCALL_LOW_WATER_MARK"),
		setInt(&c.Transfer.CheckpointEvery, "PCALL_CHECKPOINT_EVERY"),
		setDuration(&c.Transfer.CheckpointInterval, "PCALL_CHECKPOINT_INTERVAL"),
		setDuration(&c.Transfer.StallTimeout, "PCALL_STALL_TIMEOUT"),
		setBytes(&c.Transfer.MemoryLimit, "PCALL_MEMORY_LIMIT"),
		setBytes(&c.Transfer.DiskLimit, "PCALL_DISK_LIMIT"),
	)
}

func (c *Config) Validate() error {
	t := c.Transfer
	switch {
	case c.Call.ConnectTimeout <= 0 || c.Call.GracePeriod <= 0:
		return errors.New("call timeouts must be positive")
	case c.Call.MaxReconnectAttempts < 0:
		return errors.New("max_reconnect_attempts must not be negative")
	case t.ChunkSize <= 0 || t.ChunkSize > protocol.MaxChunkSize:
		return fmt.Errorf("chunk_size must be in (0, %d]", protocol.MaxChunkSize)
	case t.LowWaterMark >= t.HighWaterMark:
		return fmt.Errorf("low_water_mark %s must be below high_water_mark %s", t.LowWaterMark, t.HighWaterMark)
	case uint64(t.ChunkSize+protocol.FrameOverhead) > uint64(t.HighWaterMark):
		return fmt.Errorf("high_water_mark %s cannot hold a single chunk frame", t.HighWaterMark)
	case t.CheckpointEvery <= 0:
		return errors.New("checkpoint_every must be positive")
	case t.CheckpointInterval <= 0 || t.StallTimeout <= 0:
		return errors.New("transfer intervals must be positive")
	case t.Capability != CapabilityMemory && t.Capability != CapabilityDisk:
		return fmt.Errorf("unknown capability %q", t.Capability)
	}
	return nil
}

// CapabilityLimit is the maximum receivable file size for the configured
// capability class.
func (t TransferConfig) CapabilityLimit() int64 {
	if t.Capability == CapabilityMemory {
		return int64(t.MemoryLimit)
	}
	return int64(t.DiskLimit)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBytes(dst *ByteSize, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = ByteSize(n)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
