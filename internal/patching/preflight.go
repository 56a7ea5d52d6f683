package patching

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/quarryops/patchctl/internal/layout"
	"github.com/quarryops/patchctl/internal/metadata"
)

// PreflightOptions configures which pre-flight checks run before patching.
type PreflightOptions struct {
	MinDiskSpaceGB float64
}

// PreflightResult captures the outcome of all pre-flight checks.
type PreflightResult struct {
	OK       bool
	Checks   []PreflightCheck
	Warnings []string
}

// PreflightCheck is one individual check result.
type PreflightCheck struct {
	Name    string
	Passed  bool
	Message string
}

// FirstError returns the first failed check as an error, or nil.
func (r PreflightResult) FirstError() error {
	for _, check := range r.Checks {
		if !check.Passed {
			return &ErrPreflightFailed{Check: check.Name, Message: check.Message}
		}
	}
	return nil
}

// ErrPreflightFailed indicates a pre-flight check failed before patching
// could proceed.
type ErrPreflightFailed struct {
	Check   string // e.g. "install_root", "staged_content", "disk_space"
	Message string
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}

// RunPreflight checks that the installation and the staged patch content are
// in a state worth starting a transaction over.
func RunPreflight(structure *layout.DirectoryStructure, workDir string, opts PreflightOptions) PreflightResult {
	result := PreflightResult{OK: true}
	add := func(name string, passed bool, message string) {
		result.Checks = append(result.Checks, PreflightCheck{Name: name, Passed: passed, Message: message})
		if !passed {
			result.OK = false
		}
	}

	home := structure.InstalledImage().Home()
	if info, err := os.Stat(home); err != nil || !info.IsDir() {
		add("install_root", false, fmt.Sprintf("installation root %s is not a directory", home))
	} else {
		add("install_root", true, "")
	}

	if workDir != "" {
		descriptor := filepath.Join(workDir, metadata.DescriptorName)
		if _, err := os.Stat(descriptor); err != nil {
			add("staged_content", false, fmt.Sprintf("no patch descriptor at %s", descriptor))
		} else {
			add("staged_content", true, "")
		}
	}

	if opts.MinDiskSpaceGB > 0 {
		usage, err := disk.Usage(home)
		if err != nil {
			// Not fatal: the apply may still succeed, the operator just
			// loses the early warning.
			result.Warnings = append(result.Warnings, fmt.Sprintf("disk space check skipped: %v", err))
		} else {
			freeGB := float64(usage.Free) / (1024 * 1024 * 1024)
			if freeGB < opts.MinDiskSpaceGB {
				add("disk_space", false,
					fmt.Sprintf("%.2f GB free, %.2f GB required", freeGB, opts.MinDiskSpaceGB))
			} else {
				add("disk_space", true, fmt.Sprintf("%.2f GB free", freeGB))
			}
		}
	}

	return result
}
