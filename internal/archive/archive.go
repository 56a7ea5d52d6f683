// Package archive copies committed patch history into a secondary store so
// rollback material survives cleanup of the installation tree.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quarryops/patchctl/internal/logging"
)

var log = logging.L("archive")

const (
	snapshotRootDir     = "snapshots"
	snapshotFilesDir    = "files"
	snapshotManifestKey = "manifest.json"
)

// Snapshot records one archived copy of a patch's history directory.
type Snapshot struct {
	ID        string         `json:"id"`
	PatchID   string         `json:"patchId"`
	Timestamp time.Time      `json:"timestamp"`
	Files     []SnapshotFile `json:"files"`
	Size      int64          `json:"size"`
}

// SnapshotFile captures metadata for one archived file.
type SnapshotFile struct {
	RelativePath string    `json:"relativePath"`
	ArchivePath  string    `json:"archivePath"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"modTime"`
}

// ArchiveHistory uploads the contents of a patch history directory as a new
// snapshot. Per-file upload failures are collected rather than aborting the
// run; the snapshot is still usable for the files that made it.
func ArchiveHistory(provider Provider, patchID, historyDir string) (*Snapshot, error) {
	if provider == nil {
		return nil, errors.New("archive provider is required")
	}
	if patchID == "" {
		return nil, errors.New("patch id is required")
	}

	snapshot := &Snapshot{
		ID:        uuid.NewString(),
		PatchID:   patchID,
		Timestamp: time.Now().UTC(),
	}
	prefix := path.Join(snapshotRootDir, snapshot.ID)

	var errs []error
	walkErr := filepath.WalkDir(historyDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read info for %s: %w", p, err))
			return nil
		}
		relPath, err := filepath.Rel(historyDir, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to resolve relative path for %s: %w", p, err))
			return nil
		}
		relPath = filepath.ToSlash(relPath)
		archivePath := path.Join(prefix, snapshotFilesDir, relPath) + ".gz"

		if err := provider.Upload(p, archivePath); err != nil {
			errs = append(errs, fmt.Errorf("failed to archive %s: %w", relPath, err))
			log.Warn("archive upload failed", "patch", patchID, "file", relPath, "error", err)
			return nil
		}

		snapshot.Files = append(snapshot.Files, SnapshotFile{
			RelativePath: relPath,
			ArchivePath:  archivePath,
			Size:         info.Size(),
			ModTime:      info.ModTime(),
		})
		snapshot.Size += info.Size()
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to walk history directory: %w", walkErr)
	}
	if len(snapshot.Files) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, fmt.Errorf("history directory %s contains no files", historyDir)
	}

	if err := uploadManifest(provider, prefix, snapshot); err != nil {
		return snapshot, err
	}

	log.Info("archived patch history",
		"patch", patchID, "snapshot", snapshot.ID,
		"files", len(snapshot.Files), "bytes", snapshot.Size)
	return snapshot, errors.Join(errs...)
}

// ListSnapshots returns all snapshots in the store, oldest first.
func ListSnapshots(provider Provider) ([]Snapshot, error) {
	if provider == nil {
		return nil, errors.New("archive provider is required")
	}

	items, err := provider.List(snapshotRootDir)
	if err != nil {
		return nil, err
	}

	var snapshots []Snapshot
	var errs []error
	for _, item := range items {
		if path.Base(path.Clean(item)) != snapshotManifestKey {
			continue
		}
		snapshot, err := fetchManifest(provider, item)
		if err != nil {
			errs = append(errs, err)
			log.Warn("snapshot manifest unreadable", "path", item, "error", err)
			continue
		}
		snapshots = append(snapshots, snapshot)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})

	if len(snapshots) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return snapshots, errors.Join(errs...)
}

// FindSnapshot returns the most recent snapshot for the given patch id.
func FindSnapshot(provider Provider, patchID string) (*Snapshot, error) {
	snapshots, err := ListSnapshots(provider)
	if err != nil && len(snapshots) == 0 {
		return nil, err
	}
	for i := len(snapshots) - 1; i >= 0; i-- {
		if snapshots[i].PatchID == patchID {
			return &snapshots[i], nil
		}
	}
	return nil, fmt.Errorf("no archived snapshot for patch %s", patchID)
}

// RestoreHistory downloads a snapshot's files into destDir, recreating the
// patch history directory layout.
func RestoreHistory(provider Provider, snapshot *Snapshot, destDir string) error {
	if provider == nil {
		return errors.New("archive provider is required")
	}
	if snapshot == nil {
		return errors.New("snapshot is required")
	}

	var errs []error
	for _, file := range snapshot.Files {
		localPath := filepath.Join(destDir, filepath.FromSlash(file.RelativePath))
		if err := provider.Download(file.ArchivePath, localPath); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %s: %w", file.RelativePath, err))
		}
	}
	return errors.Join(errs...)
}

// Prune deletes the oldest snapshots beyond the retention count and returns
// the snapshots it removed.
func Prune(provider Provider, retention int) ([]Snapshot, error) {
	if retention <= 0 {
		return nil, nil
	}
	snapshots, err := ListSnapshots(provider)
	if err != nil && len(snapshots) == 0 {
		return nil, err
	}
	if len(snapshots) <= retention {
		return nil, err
	}

	var pruned []Snapshot
	var errs []error
	for _, snapshot := range snapshots[:len(snapshots)-retention] {
		prefix := path.Join(snapshotRootDir, snapshot.ID)
		items, listErr := provider.List(prefix)
		if listErr != nil {
			errs = append(errs, fmt.Errorf("failed to list snapshot %s: %w", snapshot.ID, listErr))
			continue
		}
		for _, item := range items {
			if delErr := provider.Delete(item); delErr != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", item, delErr))
			}
		}
		log.Info("pruned snapshot", "snapshot", snapshot.ID, "patch", snapshot.PatchID)
		pruned = append(pruned, snapshot)
	}

	return pruned, errors.Join(err, errors.Join(errs...))
}

func uploadManifest(provider Provider, prefix string, snapshot *Snapshot) error {
	tempFile, err := os.CreateTemp("", "patch-manifest-*.json")
	if err != nil {
		return fmt.Errorf("failed to create snapshot manifest: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	encoder := json.NewEncoder(tempFile)
	if err := encoder.Encode(snapshot); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to encode snapshot manifest: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot manifest: %w", err)
	}

	if err := provider.Upload(tempPath, path.Join(prefix, snapshotManifestKey)); err != nil {
		return fmt.Errorf("failed to upload snapshot manifest: %w", err)
	}
	return nil
}

func fetchManifest(provider Provider, item string) (Snapshot, error) {
	tempFile, err := os.CreateTemp("", "patch-manifest-*.json")
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tempPath := tempFile.Name()
	_ = tempFile.Close()
	defer os.Remove(tempPath)

	if err := provider.Download(item, tempPath); err != nil {
		return Snapshot{}, fmt.Errorf("failed to download manifest %s: %w", item, err)
	}

	data, err := os.ReadFile(tempPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read manifest %s: %w", item, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode manifest %s: %w", item, err)
	}
	return snapshot, nil
}
