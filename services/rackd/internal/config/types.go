package config

import "time"

type Config struct {
	SystemID string     `yaml:"system_id"`
	Workers  int        `yaml:"workers"`
	RPC      RPCConfig  `yaml:"rpc"`
	TFTP     TFTPConfig `yaml:"tftp"`
	HTTP     HTTPConfig `yaml:"http"`
	DHCP     DHCPConfig `yaml:"dhcp"`
	Boot     BootConfig `yaml:"boot"`
}

type RPCConfig struct {
	URLs          []string      `yaml:"urls"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

type TFTPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Port           int           `yaml:"port"`
	RootDir        string        `yaml:"root_dir"`
	TimeoutSec     int           `yaml:"timeout_sec"`
	Refresh        time.Duration `yaml:"refresh"`
	ImagesManifest string        `yaml:"images_manifest"`
}

type HTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type DHCPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ConfigDir   string `yaml:"config_dir"`
	OmshellPath string `yaml:"omshell_path"`
}

// BootConfig holds the endpoints written into rendered kernel command lines.
type BootConfig struct {
	FSHost  string `yaml:"fs_host"`
	LogHost string `yaml:"log_host"`
	LogPort int    `yaml:"log_port"`
}
