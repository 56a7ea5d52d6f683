package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarryops/patchctl/internal/archive"
	"github.com/quarryops/patchctl/internal/audit"
	"github.com/quarryops/patchctl/internal/config"
	"github.com/quarryops/patchctl/internal/layout"
	"github.com/quarryops/patchctl/internal/logging"
	"github.com/quarryops/patchctl/internal/patching"
)

var (
	version     = "0.1.0"
	cfgFile     string
	installRoot string
	policyMode  string
	overrideAll bool
)

var rootCmd = &cobra.Command{
	Use:   "patchctl",
	Short: "Patch transaction tool",
	Long:  `patchctl applies and reverses content patches against a versioned installation`,
}

var applyCmd = &cobra.Command{
	Use:   "apply [staged-patch-dir]",
	Short: "Apply a staged patch to the installation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		applyPatch(args[0])
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [patch-id]",
	Short: "Reverse a previously applied patch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rollbackPatch(args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installation's patch state",
	Run: func(cmd *cobra.Command, args []string) {
		showStatus()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [patch-id]",
	Short: "Show the recorded history of an applied patch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		showHistory(args[0])
	},
}

var initCmd = &cobra.Command{
	Use:   "init [version]",
	Short: "Initialize patching metadata for an unpatched installation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		initInstallation(args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchctl v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/patchctl/patchctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&installRoot, "root", "", "installation root directory")

	applyCmd.Flags().StringVar(&policyMode, "policy", "", "content verification policy: strict, override-all, or preserve-all")
	rollbackCmd.Flags().BoolVar(&overrideAll, "override-all", false, "skip content verification when replaying the rollback")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration, initializes logging, and resolves the
// installation root. It exits on a fatally misconfigured environment.
func setup() (*config.Config, *layout.DirectoryStructure) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.LogFile != "" {
		w, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		logging.Init(cfg.LogFormat, cfg.LogLevel, w)
	} else {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	}
	cfg.Validate()

	root := installRoot
	if root == "" {
		root = cfg.InstallRoot
	}
	if root == "" {
		fmt.Fprintln(os.Stderr, "Installation root required. Use --root flag or set install_root in config.")
		os.Exit(1)
	}

	return cfg, layout.New(root)
}

func newRunner(cfg *config.Config, structure *layout.DirectoryStructure) (*patching.Runner, *audit.Logger) {
	var auditLog *audit.Logger
	if cfg.AuditEnabled {
		var err error
		auditLog, err = audit.NewLogger(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: audit logging unavailable: %v\n", err)
		}
	}

	mode := policyMode
	if mode == "" {
		mode = cfg.PolicyMode
	}

	runner := patching.NewRunner(structure, patching.RunnerOptions{
		Policy:    patching.PolicyNamed(mode),
		Preflight: patching.PreflightOptions{MinDiskSpaceGB: cfg.PatchMinDiskSpaceGB},
		Audit:     auditLog,
	})
	return runner, auditLog
}

func applyPatch(stagedDir string) {
	cfg, structure := setup()
	runner, auditLog := newRunner(cfg, structure)
	defer auditLog.Close()

	result, err := runner.Apply(stagedDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Patch application failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Applied patch %s\n", result.PatchID)
	fmt.Printf("Version: %s\n", result.Info.Version)
	fmt.Printf("Cumulative: %s\n", result.Info.CumulativeID)
	if len(result.Info.OneOffIDs) > 0 {
		fmt.Printf("One-offs: %s\n", strings.Join(result.Info.OneOffIDs, ", "))
	}

	if cfg.ArchiveEnabled && cfg.ArchiveDir != "" {
		archiveHistory(cfg, structure, auditLog, result.PatchID)
	}
}

// archiveHistory copies the committed history directory into the archive
// store. Failures are advisory: the patch is already committed and the
// primary history copy stays in the installation tree.
func archiveHistory(cfg *config.Config, structure *layout.DirectoryStructure, auditLog *audit.Logger, patchID string) {
	provider := archive.NewLocalProvider(cfg.ArchiveDir)
	if _, err := archive.ArchiveHistory(provider, patchID, structure.HistoryDir(patchID)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: history archiving failed: %v\n", err)
		return
	}
	pruned, err := archive.Prune(provider, cfg.ArchiveRetention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: archive retention failed: %v\n", err)
	}
	for _, snapshot := range pruned {
		auditLog.Log(audit.EventHistoryPruned, snapshot.PatchID, map[string]any{
			"snapshot":  snapshot.ID,
			"retention": cfg.ArchiveRetention,
		})
	}
}

func rollbackPatch(patchID string) {
	cfg, structure := setup()
	runner, auditLog := newRunner(cfg, structure)
	defer auditLog.Close()

	// If the local history directory was pruned, try the archive store.
	historyDir := structure.HistoryDir(patchID)
	if _, err := os.Stat(historyDir); err != nil && cfg.ArchiveEnabled && cfg.ArchiveDir != "" {
		provider := archive.NewLocalProvider(cfg.ArchiveDir)
		if snapshot, findErr := archive.FindSnapshot(provider, patchID); findErr == nil {
			if restoreErr := archive.RestoreHistory(provider, snapshot, historyDir); restoreErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: history restore from archive failed: %v\n", restoreErr)
			} else {
				fmt.Printf("Restored history for %s from archive snapshot %s\n", patchID, snapshot.ID)
			}
		}
	}

	info, err := runner.Rollback(patchID, overrideAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Rollback failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Rolled back patch %s\n", patchID)
	fmt.Printf("Version: %s\n", info.Version)
	fmt.Printf("Cumulative: %s\n", info.CumulativeID)
	if len(info.OneOffIDs) > 0 {
		fmt.Printf("One-offs: %s\n", strings.Join(info.OneOffIDs, ", "))
	}
}

func showStatus() {
	_, structure := setup()

	info, err := patching.LoadPatchInfo(structure)
	if err != nil {
		fmt.Println("Status: Not initialized")
		fmt.Printf("(%v)\n", err)
		return
	}

	fmt.Printf("Installation: %s\n", structure.InstalledImage().Home())
	fmt.Printf("Version: %s\n", info.Version)
	fmt.Printf("Cumulative: %s\n", info.CumulativeID)
	if len(info.OneOffIDs) == 0 {
		fmt.Println("One-offs: none")
	} else {
		fmt.Printf("One-offs: %s\n", strings.Join(info.OneOffIDs, ", "))
	}
}

func showHistory(patchID string) {
	_, structure := setup()

	historyDir := structure.HistoryDir(patchID)
	if _, err := os.Stat(historyDir); err != nil {
		fmt.Fprintf(os.Stderr, "No history for patch %s: %v\n", patchID, err)
		os.Exit(1)
	}

	fmt.Printf("History for patch %s:\n", patchID)
	err := filepath.WalkDir(historyDir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(historyDir, path)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		fmt.Printf("  %s (%d bytes)\n", filepath.ToSlash(rel), info.Size())
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
		os.Exit(1)
	}
}

func initInstallation(imageVersion string) {
	_, structure := setup()

	if _, err := os.Stat(structure.InstallationVersion()); err == nil {
		fmt.Fprintln(os.Stderr, "Installation is already initialized.")
		os.Exit(1)
	}

	info := &patching.PatchInfo{
		Version:      imageVersion,
		CumulativeID: patching.BaseCumulativeID,
		Env:          structure,
	}
	if err := patching.Persist(info); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize installation: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Initialized %s at version %s\n", structure.InstalledImage().Home(), imageVersion)
}
