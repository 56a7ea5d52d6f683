package patching

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/quarryops/patchctl/internal/audit"
	"github.com/quarryops/patchctl/internal/layout"
	"github.com/quarryops/patchctl/internal/logging"
	"github.com/quarryops/patchctl/internal/metadata"
)

// Runner drives complete patch applications and rollbacks against one
// installation.
//
// The installation tree is a single-writer resource: the runner takes no
// locks and implements no cross-process coordination. Concurrent patch
// attempts against the same installation must be serialized by the caller,
// for example with an external lock file.
type Runner struct {
	structure *layout.DirectoryStructure
	policy    ContentVerificationPolicy
	preflight PreflightOptions
	audit     *audit.Logger
	log       *slog.Logger
}

// RunnerOptions configures a Runner. A nil Policy means Strict; a nil Audit
// logger disables audit events.
type RunnerOptions struct {
	Policy    ContentVerificationPolicy
	Preflight PreflightOptions
	Audit     *audit.Logger
}

// NewRunner creates a Runner for the given installation.
func NewRunner(structure *layout.DirectoryStructure, opts RunnerOptions) *Runner {
	policy := opts.Policy
	if policy == nil {
		policy = Strict
	}
	return &Runner{
		structure: structure,
		policy:    policy,
		preflight: opts.Preflight,
		audit:     opts.Audit,
		log:       logging.L("patching"),
	}
}

// Apply applies the patch staged in workDir (descriptor plus misc/, modules/,
// bundles/ content subtrees). On a content failure mid-apply it best-effort
// undoes the already-executed modifications before surfacing the error; the
// partial backups stay on disk for manual recovery either way.
func (r *Runner) Apply(workDir string) (*PatchingResult, error) {
	patch, err := metadata.LoadPatch(filepath.Join(workDir, metadata.DescriptorName))
	if err != nil {
		return nil, err
	}
	info, err := LoadPatchInfo(r.structure)
	if err != nil {
		return nil, err
	}

	if !patch.AppliesToVersion(info.Version) {
		return nil, fmt.Errorf("patch %s does not apply to version %s (applies to %v)",
			patch.ID, info.Version, patch.AppliesTo)
	}
	if info.Contains(patch.ID) {
		return nil, fmt.Errorf("patch %s is already applied", patch.ID)
	}

	if pf := RunPreflight(r.structure, workDir, r.preflight); !pf.OK {
		return nil, pf.FirstError()
	}

	txID := uuid.NewString()
	log := logging.WithPatch(r.log, patch.ID)
	start := time.Now()
	log.Info("applying patch", "type", string(patch.Type),
		"baseVersion", info.Version, "transaction", txID)
	r.audit.Log(audit.EventApplyStarted, patch.ID, map[string]any{
		"transaction": txID,
		"type":        string(patch.Type),
		"baseVersion": info.Version,
	})

	ctx, err := NewContext(patch, info, r.structure, r.policy, workDir)
	if err != nil {
		r.auditFailure(patch.ID, txID, err)
		return nil, err
	}
	if err := ctx.BackupConfiguration(); err != nil {
		r.auditFailure(patch.ID, txID, err)
		return nil, err
	}
	if err := ctx.Apply(); err != nil {
		log.Error("patch application failed, undoing executed modifications",
			logging.KeyError, err)
		ctx.Undo()
		r.auditFailure(patch.ID, txID, err)
		return nil, err
	}

	result, err := ctx.Finish()
	if err != nil {
		r.auditFailure(patch.ID, txID, err)
		return nil, err
	}

	log.Info("patch applied", "version", result.Info.Version,
		"cumulative", result.Info.CumulativeID,
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	r.audit.Log(audit.EventApplyCommitted, patch.ID, map[string]any{
		"transaction": txID,
		"version":     result.Info.Version,
		"cumulative":  result.Info.CumulativeID,
	})
	return result, nil
}

// Rollback reverses a previously committed patch by replaying the synthetic
// rollback patch stored in its history directory, then restoring the chain
// recorded there. Rolling back a patch that later patches superseded is best
// effort and logged as such.
func (r *Runner) Rollback(patchID string, overrideAll bool) (*PatchInfo, error) {
	info, err := LoadPatchInfo(r.structure)
	if err != nil {
		return nil, err
	}
	if !info.Contains(patchID) {
		return nil, fmt.Errorf("patch %s is not applied", patchID)
	}

	log := logging.WithPatch(r.log, patchID)
	head := info.CumulativeID
	if len(info.OneOffIDs) > 0 {
		head = info.OneOffIDs[0]
	}
	if patchID != head {
		log.Warn("rolling back a superseded patch; later patches may be partially reverted",
			"head", head)
	}

	historyDir := r.structure.HistoryDir(patchID)
	rollbackPatch, err := metadata.LoadPatch(filepath.Join(historyDir, RollbackDescriptorName))
	if err != nil {
		return nil, fmt.Errorf("load rollback descriptor for %s: %w", patchID, err)
	}

	workDir, err := os.MkdirTemp("", "patchctl-rollback-*")
	if err != nil {
		return nil, fmt.Errorf("create rollback work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	log.Info("rolling back patch", "overrideAll", overrideAll)
	ctx := NewRollbackContext(rollbackPatch, patchID, info, r.structure, overrideAll, workDir)
	if err := ctx.Apply(); err != nil {
		r.audit.Log(audit.EventRollbackFailed, patchID, map[string]any{"error": err.Error()})
		return nil, err
	}

	// Restore the chain recorded when the patch was applied.
	cumulativeID, err := readRef(filepath.Join(historyDir, cumulativeRefName))
	if err != nil {
		return nil, fmt.Errorf("read pre-patch cumulative reference: %w", err)
	}
	oneOffs, err := readRefs(filepath.Join(historyDir, referencesRefName))
	if err != nil {
		return nil, fmt.Errorf("read pre-patch one-off references: %w", err)
	}
	prior := &PatchInfo{
		Version:      rollbackPatch.ResultingVersion,
		CumulativeID: cumulativeID,
		OneOffIDs:    oneOffs,
		Env:          r.structure,
	}
	if err := Persist(prior); err != nil {
		return nil, err
	}

	log.Info("patch rolled back", "version", prior.Version,
		"cumulative", prior.CumulativeID)
	r.audit.Log(audit.EventRolledBack, patchID, map[string]any{
		"version":    prior.Version,
		"cumulative": prior.CumulativeID,
	})
	return prior, nil
}

func (r *Runner) auditFailure(patchID, txID string, err error) {
	r.audit.Log(audit.EventApplyFailed, patchID, map[string]any{
		"transaction": txID,
		"error":       err.Error(),
	})
}
