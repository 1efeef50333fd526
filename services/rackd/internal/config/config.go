package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults returns the configuration used when neither a file nor the
// environment sets a value.
func Defaults() Config {
	return Config{
		Workers: 4,
		RPC: RPCConfig{
			URLs:          []string{"nats://127.0.0.1:4222"},
			SubjectPrefix: "rpc.region",
			Timeout:       30 * time.Second,
		},
		TFTP: TFTPConfig{
			Enabled:    true,
			Port:       69,
			RootDir:    "/var/lib/rackd/boot-resources/current",
			TimeoutSec: 5,
			Refresh:    45 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Port:    5248,
		},
		DHCP: DHCPConfig{
			Enabled:     true,
			ConfigDir:   "/var/lib/rackd/dhcp",
			OmshellPath: "omshell",
		},
		Boot: BootConfig{
			LogPort: 5247,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and finally RACKD_* environment variables. An empty path falls back
// to RACKD_CONFIG.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("RACKD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.SystemID = getEnv("RACKD_SYSTEM_ID", cfg.SystemID)
	cfg.Workers = getEnvInt("RACKD_WORKERS", cfg.Workers)

	if urls := os.Getenv("RACKD_NATS_URLS"); urls != "" {
		parsed, err := parseURLList(urls)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RACKD_NATS_URLS: %w", err)
		}
		cfg.RPC.URLs = parsed
	}
	cfg.RPC.SubjectPrefix = getEnv("RACKD_RPC_SUBJECT_PREFIX", cfg.RPC.SubjectPrefix)
	timeout, err := getEnvDuration("RACKD_RPC_TIMEOUT", cfg.RPC.Timeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RPC.Timeout = timeout

	cfg.TFTP.Enabled = getEnvBool("RACKD_ENABLE_TFTP", cfg.TFTP.Enabled)
	cfg.TFTP.RootDir = getEnv("RACKD_TFTP_ROOT", cfg.TFTP.RootDir)
	cfg.TFTP.Port = getEnvInt("RACKD_TFTP_PORT", cfg.TFTP.Port)
	cfg.TFTP.TimeoutSec = getEnvInt("RACKD_TFTP_TIMEOUT", cfg.TFTP.TimeoutSec)
	refresh, err := getEnvDuration("RACKD_TFTP_REFRESH", cfg.TFTP.Refresh)
	if err != nil {
		return Config{}, err
	}
	cfg.TFTP.Refresh = refresh
	cfg.TFTP.ImagesManifest = getEnv("RACKD_IMAGES_MANIFEST", cfg.TFTP.ImagesManifest)
	if cfg.TFTP.ImagesManifest == "" {
		cfg.TFTP.ImagesManifest = filepath.Join(cfg.TFTP.RootDir, "images.yaml")
	}

	cfg.HTTP.Enabled = getEnvBool("RACKD_ENABLE_HTTP", cfg.HTTP.Enabled)
	cfg.HTTP.Port = getEnvInt("RACKD_HTTP_PORT", cfg.HTTP.Port)

	cfg.DHCP.Enabled = getEnvBool("RACKD_ENABLE_DHCP", cfg.DHCP.Enabled)
	cfg.DHCP.ConfigDir = getEnv("RACKD_DHCP_CONFIG_DIR", cfg.DHCP.ConfigDir)
	cfg.DHCP.OmshellPath = getEnv("RACKD_OMSHELL_PATH", cfg.DHCP.OmshellPath)

	cfg.Boot.FSHost = getEnv("RACKD_FS_HOST", cfg.Boot.FSHost)
	cfg.Boot.LogHost = getEnv("RACKD_LOG_HOST", cfg.Boot.LogHost)
	cfg.Boot.LogPort = getEnvInt("RACKD_LOG_PORT", cfg.Boot.LogPort)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting, naming the variable that
// controls it.
func (c Config) Validate() error {
	if len(c.RPC.URLs) == 0 {
		return errors.New("RACKD_NATS_URLS must list at least one server")
	}
	if c.RPC.SubjectPrefix == "" {
		return errors.New("RACKD_RPC_SUBJECT_PREFIX is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RACKD_RPC_TIMEOUT must be positive, got %s", c.RPC.Timeout)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("RACKD_WORKERS must be positive, got %d", c.Workers)
	}
	if c.TFTP.Enabled {
		if err := checkPort("RACKD_TFTP_PORT", c.TFTP.Port); err != nil {
			return err
		}
		if c.TFTP.RootDir == "" {
			return errors.New("RACKD_TFTP_ROOT is required when TFTP is enabled")
		}
		if c.TFTP.Refresh <= 0 {
			return fmt.Errorf("RACKD_TFTP_REFRESH must be positive, got %s", c.TFTP.Refresh)
		}
		if c.TFTP.TimeoutSec <= 0 {
			return fmt.Errorf("RACKD_TFTP_TIMEOUT must be positive, got %d", c.TFTP.TimeoutSec)
		}
	}
	if err := checkPort("RACKD_HTTP_PORT", c.HTTP.Port); err != nil {
		return err
	}
	if c.DHCP.Enabled && c.DHCP.ConfigDir == "" {
		return errors.New("RACKD_DHCP_CONFIG_DIR is required when DHCP is enabled")
	}
	if c.Boot.LogPort != 0 {
		if err := checkPort("RACKD_LOG_PORT", c.Boot.LogPort); err != nil {
			return err
		}
	}
	return nil
}

func checkPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s %d is outside the valid range 1-65535", name, port)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func parseURLList(value string) ([]string, error) {
	parts := strings.Split(value, ",")
	urls := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		u, err := url.Parse(trimmed)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%q is not a valid server url", trimmed)
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		urls = append(urls, trimmed)
	}
	if len(urls) == 0 {
		return nil, nil
	}
	return urls, nil
}
