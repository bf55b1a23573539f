package server

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/chunkview/chunk"
	"github.com/janelia-flyem/chunkview/cview"
)

const (
	// DefaultHTTPAddress is the default listen address for the daemon API.
	DefaultHTTPAddress = "localhost:8000"

	defaultSystemMB  = 1024
	defaultGPUMB     = 256
	defaultDownloads = 8
)

// Config is the daemon's TOML configuration.
type Config struct {
	Server  ServerConfig
	Memory  MemoryConfig
	Log     cview.LogConfig
	Volumes map[string]VolumeConfig
}

type ServerConfig struct {
	HTTPAddress string   `toml:"httpAddress"`
	CORSOrigins []string `toml:"corsOrigins"`
	Verbose     bool     `toml:"verbose"`
}

// MemoryConfig sets the three scheduler budgets and the retained-payload
// cache size.
type MemoryConfig struct {
	SystemMB     int `toml:"system_mb"`
	GPUMB        int `toml:"gpu_mb"`
	Downloads    int `toml:"downloads"`
	RetainedMB   int `toml:"retained_mb"`
	RecentChunks int `toml:"recent_chunks"`
}

// VolumeConfig names one precomputed volume to serve.  Bucket is any
// gocloud.dev blob URL, e.g. "file:///data/vol" or "gs://bucket/vol".
type VolumeConfig struct {
	Bucket string `toml:"bucket"`
	Scale  string `toml:"scale"`
}

// CapacitySpec converts the configured budgets to scheduler units.
func (c MemoryConfig) CapacitySpec() chunk.CapacitySpec {
	return chunk.CapacitySpec{
		SystemBytes:  uint64(c.SystemMB) << 20,
		GPUBytes:     uint64(c.GPUMB) << 20,
		Downloads:    c.Downloads,
		RecentChunks: c.RecentChunks,
	}
}

// LoadConfig reads the TOML configuration at path and applies defaults.
func LoadConfig(path string) (*Config, error) {
	var config Config
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("could not decode TOML config %q: %v", path, err)
	}
	config.SetDefaults()
	return &config, nil
}

// SetDefaults fills unset fields with usable values.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = DefaultHTTPAddress
	}
	if c.Memory.SystemMB <= 0 {
		c.Memory.SystemMB = defaultSystemMB
	}
	if c.Memory.GPUMB <= 0 {
		c.Memory.GPUMB = defaultGPUMB
	}
	if c.Memory.Downloads <= 0 {
		c.Memory.Downloads = defaultDownloads
	}
}
