package patching

import (
	"fmt"
	"path/filepath"

	"github.com/quarryops/patchctl/internal/metadata"
)

// Content subtree names, shared by staged patch directories and history
// (backup) directories.
const (
	miscDir    = "misc"
	modulesDir = "modules"
	bundlesDir = "bundles"
)

// ContentLoader resolves the on-disk location of a content item below a set
// of content roots: the staged patch content during apply, or the historical
// backup subtrees during rollback. A root left empty means that kind of
// content is not reachable through this loader.
type ContentLoader struct {
	miscRoot    string
	bundlesRoot string
	modulesRoot string
}

// NewContentLoader creates a loader rooted at a staged patch work directory,
// which holds misc/, modules/, and bundles/ subtrees.
func NewContentLoader(workDir string) *ContentLoader {
	return &ContentLoader{
		miscRoot:    filepath.Join(workDir, miscDir),
		bundlesRoot: filepath.Join(workDir, bundlesDir),
		modulesRoot: filepath.Join(workDir, modulesDir),
	}
}

// NewRootedLoader creates a loader with explicit content roots. Empty roots
// disable the corresponding content kind.
func NewRootedLoader(miscRoot, bundlesRoot, modulesRoot string) *ContentLoader {
	return &ContentLoader{
		miscRoot:    miscRoot,
		bundlesRoot: bundlesRoot,
		modulesRoot: modulesRoot,
	}
}

// MiscFile resolves a misc item below the loader's misc root.
func (l *ContentLoader) MiscFile(item *metadata.MiscContentItem) (string, error) {
	if l.miscRoot == "" {
		return "", fmt.Errorf("misc content root not configured")
	}
	return MiscPath(l.miscRoot, item), nil
}

// ModuleDir resolves a module or bundle item below the matching content root.
func (l *ContentLoader) ModuleDir(item *metadata.ModuleItem) (string, error) {
	root := l.modulesRoot
	if item.ContentType() == metadata.ContentTypeBundle {
		root = l.bundlesRoot
	}
	if root == "" {
		return "", fmt.Errorf("%s content root not configured", item.ContentType())
	}
	return ModulePath(root, item), nil
}

// MiscPath joins a misc item's path segments below the given root.
func MiscPath(root string, item *metadata.MiscContentItem) string {
	return filepath.Join(root, filepath.FromSlash(item.RelativePath()))
}

// ModulePath resolves a module item's directory below the given root, dotted
// name expanded to directories plus the slot.
func ModulePath(root string, item *metadata.ModuleItem) string {
	return filepath.Join(root, filepath.FromSlash(item.RelativePath()))
}
