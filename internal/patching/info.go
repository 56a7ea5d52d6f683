package patching

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quarryops/patchctl/internal/layout"
)

// BaseCumulativeID is the cumulative id an installation reports before any
// cumulative patch has been applied.
const BaseCumulativeID = "base"

// PatchInfo is the persisted record of which cumulative patch and which
// one-off patches are currently applied to an installation.
type PatchInfo struct {
	// Version is the version the installation currently reports.
	Version string
	// CumulativeID is the active cumulative patch id, BaseCumulativeID when
	// none has been applied.
	CumulativeID string
	// OneOffIDs lists the applied one-off patch ids, most recent first.
	OneOffIDs []string
	// Env resolves the installation paths the chain is persisted under.
	Env *layout.DirectoryStructure
}

// Contains reports whether the given patch id is the active cumulative or one
// of the applied one-offs.
func (i *PatchInfo) Contains(patchID string) bool {
	if patchID == i.CumulativeID {
		return true
	}
	for _, id := range i.OneOffIDs {
		if id == patchID {
			return true
		}
	}
	return false
}

// LoadPatchInfo reads the persisted patch chain for an installation. A
// missing cumulative link means the unpatched base; a missing references file
// means no one-offs.
func LoadPatchInfo(structure *layout.DirectoryStructure) (*PatchInfo, error) {
	version, err := readRef(structure.InstallationVersion())
	if err != nil {
		return nil, fmt.Errorf("read installation version: %w", err)
	}

	cumulativeID, err := readRef(structure.CumulativeLink())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read cumulative link: %w", err)
		}
		cumulativeID = BaseCumulativeID
	}
	if cumulativeID == "" {
		cumulativeID = BaseCumulativeID
	}

	oneOffs, err := readRefs(structure.CumulativeRefs(cumulativeID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read cumulative references: %w", err)
	}

	return &PatchInfo{
		Version:      version,
		CumulativeID: cumulativeID,
		OneOffIDs:    oneOffs,
		Env:          structure,
	}, nil
}

// Persist writes the patch chain as the active installation state: the
// cumulative link and the ordered one-off list for that cumulative id.
// Parent directories are created on demand; the operation is idempotent and
// fully overwrites both reference files.
func Persist(info *PatchInfo) error {
	env := info.Env
	cumulative := env.CumulativeLink()
	refs := env.CumulativeRefs(info.CumulativeID)

	if !fileExists(cumulative) {
		metadata := env.PatchesMetadata()
		if err := os.MkdirAll(metadata, 0o755); err != nil {
			return &ConfigurationError{Path: metadata, Err: err}
		}
	}
	if refsDir := filepath.Dir(refs); !fileExists(refsDir) {
		if err := os.MkdirAll(refsDir, 0o755); err != nil {
			return &ConfigurationError{Path: refsDir, Err: err}
		}
	}

	if err := writeRef(cumulative, info.CumulativeID); err != nil {
		return err
	}
	if err := writeRefs(refs, info.OneOffIDs); err != nil {
		return err
	}
	if err := writeRef(env.InstallationVersion(), info.Version); err != nil {
		return err
	}
	return nil
}
