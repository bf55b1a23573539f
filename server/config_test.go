package server

import (
	"os"
	"path/filepath"
	"testing"
)

const testConfig = `
[server]
httpAddress = "localhost:9999"
corsOrigins = ["http://viewer.example.com"]

[memory]
system_mb = 2048
gpu_mb = 512
downloads = 16
retained_mb = 128
recent_chunks = 500

[log]
logfile = "/tmp/chunkview.log"
max_log_size = 100
max_log_age = 7

[volumes.grayscale]
bucket = "file:///data/grayscale"
scale = "8_8_8"

[volumes.segmentation]
bucket = "mem://"
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0644); err != nil {
		t.Fatalf("writing config: %v\n", err)
	}
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("loading config: %v\n", err)
	}
	if config.Server.HTTPAddress != "localhost:9999" {
		t.Errorf("http address = %q\n", config.Server.HTTPAddress)
	}
	if len(config.Server.CORSOrigins) != 1 {
		t.Errorf("got %d CORS origins, expected 1\n", len(config.Server.CORSOrigins))
	}
	if config.Memory.SystemMB != 2048 || config.Memory.GPUMB != 512 {
		t.Errorf("memory budgets = %+v\n", config.Memory)
	}
	if config.Log.Logfile != "/tmp/chunkview.log" {
		t.Errorf("logfile = %q\n", config.Log.Logfile)
	}
	if len(config.Volumes) != 2 {
		t.Fatalf("got %d volumes, expected 2\n", len(config.Volumes))
	}
	if v := config.Volumes["grayscale"]; v.Bucket != "file:///data/grayscale" || v.Scale != "8_8_8" {
		t.Errorf("grayscale volume = %+v\n", v)
	}

	spec := config.Memory.CapacitySpec()
	if spec.SystemBytes != 2048<<20 || spec.GPUBytes != 512<<20 {
		t.Errorf("capacity spec = %+v\n", spec)
	}
	if spec.Downloads != 16 || spec.RecentChunks != 500 {
		t.Errorf("capacity spec = %+v\n", spec)
	}
}

func TestConfigDefaults(t *testing.T) {
	var config Config
	config.SetDefaults()
	if config.Server.HTTPAddress != DefaultHTTPAddress {
		t.Errorf("default http address = %q\n", config.Server.HTTPAddress)
	}
	if config.Memory.SystemMB <= 0 || config.Memory.GPUMB <= 0 || config.Memory.Downloads <= 0 {
		t.Errorf("defaults left a budget unset: %+v\n", config.Memory)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/no/such/config.toml"); err == nil {
		t.Errorf("expected error for missing config file\n")
	}
}
