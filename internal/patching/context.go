// Package patching implements the patch transaction engine: one context per
// patch application or rollback attempt, coordinating per-item backup and
// verification, accumulating inverse modifications, and committing or
// best-effort-undoing the whole set.
package patching

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/quarryops/patchctl/internal/layout"
	"github.com/quarryops/patchctl/internal/logging"
	"github.com/quarryops/patchctl/internal/metadata"
)

// Names of the chain-state snapshots and the synthetic rollback descriptor
// written into a patch's history directory at commit time.
const (
	cumulativeRefName      = "cumulative"
	referencesRefName      = "references"
	RollbackDescriptorName = "rollback.yaml"
)

// PatchingContext owns a single patch application or rollback attempt. It is
// created per attempt and discarded after Finish or Undo returns; it is never
// reused across patches.
type PatchingContext struct {
	patch     *metadata.Patch
	info      *PatchInfo
	structure *layout.DirectoryStructure
	loader    *ContentLoader
	policy    ContentVerificationPolicy

	// overlayID names the per-patch module/bundle overlay directories this
	// context edits: the patch's own id during apply, the rolled-back
	// patch's id during rollback.
	overlayID string

	target       string // installed image home
	backup       string // history directory; empty when backups are skipped
	miscBackup   string
	configBackup string

	inverse      []metadata.ContentModification
	rollbackOnly bool

	log *slog.Logger
}

// NewContext creates a patching context for applying a patch. The patch's
// history directory becomes the backup root; it must not already exist.
func NewContext(patch *metadata.Patch, info *PatchInfo, structure *layout.DirectoryStructure,
	policy ContentVerificationPolicy, workDir string) (*PatchingContext, error) {

	backup := structure.HistoryDir(patch.ID)
	if fileExists(backup) {
		return nil, &ConfigurationError{Path: backup, Err: errors.New("history directory already exists")}
	}
	if err := os.MkdirAll(backup, 0o755); err != nil {
		return nil, &ConfigurationError{Path: backup, Err: err}
	}
	return newContext(patch, patch.ID, info, structure, backup, policy, NewContentLoader(workDir)), nil
}

// NewRollbackContext creates a context for reversing a previously committed
// patch. The loader is rooted at the historical backup subtrees of the
// rolled-back patch's history directory, and the backup root is a throwaway
// work directory: the content needed for recovery already exists in the
// history. The policy is OverrideAll unless strict checking is requested.
func NewRollbackContext(patch *metadata.Patch, rolledBackID string, current *PatchInfo,
	structure *layout.DirectoryStructure, overrideAll bool, workDir string) *PatchingContext {

	historyDir := structure.HistoryDir(rolledBackID)
	loader := NewRootedLoader(
		filepath.Join(historyDir, miscDir),
		filepath.Join(historyDir, bundlesDir),
		filepath.Join(historyDir, modulesDir),
	)
	policy := ContentVerificationPolicy(Strict)
	if overrideAll {
		policy = OverrideAll
	}
	return newContext(patch, rolledBackID, current, structure, workDir, policy, loader)
}

func newContext(patch *metadata.Patch, overlayID string, info *PatchInfo,
	structure *layout.DirectoryStructure, backup string,
	policy ContentVerificationPolicy, loader *ContentLoader) *PatchingContext {

	ctx := &PatchingContext{
		patch:     patch,
		info:      info,
		structure: structure,
		loader:    loader,
		policy:    policy,
		overlayID: overlayID,
		target:    structure.InstalledImage().Home(),
		backup:    backup,
		log:       logging.L("patching"),
	}
	if backup != "" {
		ctx.miscBackup = filepath.Join(backup, miscDir)
		ctx.configBackup = filepath.Join(backup, layout.ConfigurationDir)
	}
	return ctx
}

// PatchInfo returns the pre-transaction patch chain.
func (c *PatchingContext) PatchInfo() *PatchInfo { return c.info }

// Loader returns the content loader for staged (or historical) content.
func (c *PatchingContext) Loader() *ContentLoader { return c.loader }

// TargetFile resolves a misc item inside the live installation.
func (c *PatchingContext) TargetFile(item *metadata.MiscContentItem) string {
	return MiscPath(c.target, item)
}

// BackupFile resolves a misc item's backup location, preserving its relative
// path. Only meaningful while the context has a backup root.
func (c *PatchingContext) BackupFile(item *metadata.MiscContentItem) string {
	return MiscPath(c.miscBackup, item)
}

// ModulePatchDirectory resolves a module or bundle item inside the overlay
// directory this context edits.
func (c *PatchingContext) ModulePatchDirectory(item *metadata.ModuleItem) string {
	var root string
	if item.ContentType() == metadata.ContentTypeBundle {
		root = c.structure.BundlesPatchDirectory(c.overlayID)
	} else {
		root = c.structure.ModulePatchDirectory(c.overlayID)
	}
	return ModulePath(root, item)
}

// ModuleBackupDirectory resolves a module or bundle item's backup location
// under the history directory.
func (c *PatchingContext) ModuleBackupDirectory(item *metadata.ModuleItem) string {
	sub := modulesDir
	if item.ContentType() == metadata.ContentTypeBundle {
		sub = bundlesDir
	}
	return ModulePath(filepath.Join(c.backup, sub), item)
}

// IsIgnored reports whether content verification may be skipped for the item.
func (c *PatchingContext) IsIgnored(item metadata.ContentItem) bool {
	return c.policy.IgnoreContentValidation(item)
}

// IsExcluded reports whether the item's existing content must be preserved,
// skipping its task entirely.
func (c *PatchingContext) IsExcluded(item metadata.ContentItem) bool {
	return c.policy.PreserveExisting(item)
}

// RecordInverse appends a modification to the rollback log.
func (c *PatchingContext) RecordInverse(mod metadata.ContentModification) {
	c.inverse = append(c.inverse, mod)
}

func (c *PatchingContext) hasBackup() bool { return c.backup != "" }

// Apply executes every modification in the patch's declared order, recording
// each task's inverse. The first failure aborts the remaining modifications;
// backups already written stay on disk for manual recovery.
func (c *PatchingContext) Apply() error {
	for _, mod := range c.patch.Modifications {
		task, err := NewTask(mod)
		if err != nil {
			return err
		}
		inverse, err := task.Execute(c)
		if err != nil {
			return err
		}
		if inverse != nil {
			c.RecordInverse(*inverse)
		}
	}
	return nil
}

// BackupConfiguration copies every *.xml file from the app-client, domain,
// and standalone configuration roots into the history directory. Roots that
// do not exist are skipped.
func (c *PatchingContext) BackupConfiguration() error {
	image := c.structure.InstalledImage()
	roots := []struct {
		src  string
		name string
	}{
		{filepath.Join(image.AppClientDir(), layout.ConfigurationDir), layout.AppClient},
		{filepath.Join(image.DomainDir(), layout.ConfigurationDir), layout.Domain},
		{filepath.Join(image.StandaloneDir(), layout.ConfigurationDir), layout.Standalone},
	}
	for _, root := range roots {
		if !fileExists(root.src) {
			continue
		}
		if err := backupConfigDirectory(root.src, filepath.Join(c.configBackup, root.name)); err != nil {
			return err
		}
	}
	return nil
}

func backupConfigDirectory(source, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return &ConfigurationError{Path: target, Err: err}
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return fmt.Errorf("read configuration directory %s: %w", source, err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), ".xml") {
			continue
		}
		src := filepath.Join(source, entry.Name())
		if err := copyFile(src, filepath.Join(target, entry.Name())); err != nil {
			return fmt.Errorf("backup configuration file %s: %w", src, err)
		}
	}
	return nil
}

// Finish commits the transaction: it snapshots the pre-transaction chain and
// the synthetic rollback patch into the history directory, persists the new
// chain, and returns the result. If persisting the new chain fails, the old
// chain is re-persisted best effort and the failure surfaces as a
// PersistenceError.
func (c *PatchingContext) Finish() (*PatchingResult, error) {
	if c.rollbackOnly {
		return nil, fmt.Errorf("patching context for %s is rollback-only, commit is no longer allowed", c.patch.ID)
	}

	newInfo := c.newPatchInfo()

	// Chain-state snapshot: makes the history directory self-describing for
	// manual recovery.
	if err := writeRef(filepath.Join(c.backup, cumulativeRefName), c.info.CumulativeID); err != nil {
		return nil, &PersistenceError{Err: err}
	}
	if err := writeRefs(filepath.Join(c.backup, referencesRefName), c.info.OneOffIDs); err != nil {
		return nil, &PersistenceError{Err: err}
	}
	if err := metadata.WritePatch(filepath.Join(c.backup, RollbackDescriptorName), c.rollbackPatch()); err != nil {
		return nil, &PersistenceError{Err: err}
	}

	if err := Persist(newInfo); err != nil {
		if restoreErr := Persist(c.info); restoreErr != nil {
			c.log.Warn("failed to restore previous patch info",
				"cumulative", c.info.CumulativeID, "error", restoreErr)
		}
		return nil, &PersistenceError{Err: err}
	}
	c.rollbackOnly = true

	prior := *c.info
	return &PatchingResult{
		PatchID: c.patch.ID,
		Info:    newInfo,
		rollback: func() error {
			// Reverts the version pointer only; content files are untouched.
			restored := prior
			return Persist(&restored)
		},
	}, nil
}

// newPatchInfo computes the post-commit chain: a one-off prepends its id to
// the chain, a cumulative replaces the baseline and clears it.
func (c *PatchingContext) newPatchInfo() *PatchInfo {
	if c.patch.Type == metadata.PatchTypeOneOff {
		ids := make([]string, 0, len(c.info.OneOffIDs)+1)
		ids = append(ids, c.patch.ID)
		ids = append(ids, c.info.OneOffIDs...)
		return &PatchInfo{
			Version:      c.info.Version,
			CumulativeID: c.info.CumulativeID,
			OneOffIDs:    ids,
			Env:          c.info.Env,
		}
	}
	return &PatchInfo{
		Version:      c.patch.ResultingVersion,
		CumulativeID: c.patch.ID,
		Env:          c.info.Env,
	}
}

// rollbackPatch snapshots the synthetic patch whose modifications are exactly
// the recorded inverses; replaying it restores the pre-transaction state.
func (c *PatchingContext) rollbackPatch() *metadata.Patch {
	appliesTo := c.info.Version
	if c.patch.Type == metadata.PatchTypeCumulative {
		appliesTo = c.patch.ResultingVersion
	}
	mods := make([]metadata.ContentModification, len(c.inverse))
	copy(mods, c.inverse)
	return &metadata.Patch{
		ID:               c.info.CumulativeID,
		Type:             c.patch.Type,
		Description:      c.patch.Description,
		ResultingVersion: c.info.Version,
		AppliesTo:        []string{appliesTo},
		Modifications:    mods,
	}
}

// Undo replays the recorded inverse modifications directly against the live
// installation using the misc backups, in recorded order. Per-item failures
// are logged and skipped; the pre-transaction chain is re-persisted
// unconditionally at the end. Undo never fails.
//
// Module and bundle backup roots are deliberately not wired here: module
// content rollback goes through a dedicated rollback context instead.
func (c *PatchingContext) Undo() {
	c.rollbackOnly = true

	undoCtx := &PatchingContext{
		patch:     c.patch,
		info:      c.info,
		structure: c.structure,
		loader:    NewRootedLoader(c.miscBackup, "", ""),
		policy:    OverrideAll,
		overlayID: c.overlayID,
		target:    c.target,
		log:       c.log,
	}

	for _, mod := range c.inverse {
		task, err := NewTask(mod)
		if err != nil {
			c.log.Warn("failed to undo change", "modification", mod.String(), "error", err)
			continue
		}
		if _, err := task.Execute(undoCtx); err != nil {
			c.log.Warn("failed to undo change", "modification", mod.String(), "error", err)
		}
	}

	if err := Persist(c.info); err != nil {
		c.log.Warn("failed to persist patch info",
			"cumulative", c.info.CumulativeID, "error", err)
	}
}
