package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validPolicyModes = map[string]bool{
	"strict":       true,
	"override-all": true,
	"preserve-all": true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values are clamped to safe defaults. Validation errors are
// logged as warnings but do not prevent startup, except where noted by the
// caller.
func (c *Config) Validate() []error {
	var errs []error

	if c.InstallRoot != "" && !filepath.IsAbs(c.InstallRoot) {
		errs = append(errs, fmt.Errorf("install_root %q must be an absolute path", c.InstallRoot))
	}

	if c.PolicyMode != "" && !validPolicyModes[strings.ToLower(c.PolicyMode)] {
		errs = append(errs, fmt.Errorf("policy_mode %q is not valid (use strict, override-all, preserve-all)", c.PolicyMode))
	}

	if c.PatchMinDiskSpaceGB < 0 {
		errs = append(errs, fmt.Errorf("patch_min_disk_space_gb %.2f is negative, clamping to 0", c.PatchMinDiskSpaceGB))
		c.PatchMinDiskSpaceGB = 0
	}

	if c.ArchiveEnabled && c.ArchiveDir == "" {
		errs = append(errs, fmt.Errorf("archive_enabled requires archive_dir"))
	}
	if c.ArchiveRetention < 0 {
		errs = append(errs, fmt.Errorf("archive_retention %d is negative, clamping to 0", c.ArchiveRetention))
		c.ArchiveRetention = 0
	}

	// Clamp rotation settings to a safe range
	if c.AuditMaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("audit_max_size_mb %d is below minimum 1, clamping", c.AuditMaxSizeMB))
		c.AuditMaxSizeMB = 1
	}
	if c.AuditMaxBackups < 1 {
		errs = append(errs, fmt.Errorf("audit_max_backups %d is below minimum 1, clamping", c.AuditMaxBackups))
		c.AuditMaxBackups = 1
	}
	if c.LogMaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("log_max_size_mb %d is below minimum 1, clamping", c.LogMaxSizeMB))
		c.LogMaxSizeMB = 1
	}
	if c.LogMaxBackups < 1 {
		errs = append(errs, fmt.Errorf("log_max_backups %d is below minimum 1, clamping", c.LogMaxBackups))
		c.LogMaxBackups = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
