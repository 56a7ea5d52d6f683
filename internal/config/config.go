// Package config loads and validates patchctl configuration.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	InstallRoot string `mapstructure:"install_root"`

	// PolicyMode selects the default content verification policy:
	// "strict", "override-all", or "preserve-all".
	PolicyMode string `mapstructure:"policy_mode"`

	PatchMinDiskSpaceGB float64 `mapstructure:"patch_min_disk_space_gb"`

	ArchiveEnabled   bool   `mapstructure:"archive_enabled"`
	ArchiveDir       string `mapstructure:"archive_dir"`
	ArchiveRetention int    `mapstructure:"archive_retention"`

	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	DataDir string `mapstructure:"data_dir"`
}

func Default() *Config {
	return &Config{
		PolicyMode:       "strict",
		ArchiveRetention: 10,
		AuditEnabled:     true,
		AuditMaxSizeMB:   50,
		AuditMaxBackups:  3,
		LogLevel:         "info",
		LogFormat:        "text",
		LogMaxSizeMB:     50,
		LogMaxBackups:    3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("patchctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PATCHCTL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GetDataDir returns the directory for patchctl state that does not belong
// inside any particular installation (the audit log).
func GetDataDir() string {
	if dir := os.Getenv("PATCHCTL_DATA_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "patchctl")
	case "darwin":
		return "/Library/Application Support/patchctl"
	default:
		return "/var/lib/patchctl"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "patchctl")
	case "darwin":
		return "/Library/Application Support/patchctl"
	default:
		return "/etc/patchctl"
	}
}
