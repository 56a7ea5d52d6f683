// Package layout resolves the well-known paths of an installed image:
// configuration roots, per-patch module and bundle overlays, the patching
// metadata directory, and per-patch history directories.
package layout

import "path/filepath"

const (
	// ConfigurationDir is the name of the configuration subdirectory under
	// each of the app-client, domain, and standalone roots.
	ConfigurationDir = "configuration"

	// AppClient, Domain, and Standalone name the configuration roots of the
	// installed image.
	AppClient  = "appclient"
	Domain     = "domain"
	Standalone = "standalone"

	metadataDir   = ".installation"
	historyDir    = "history"
	referencesDir = "references"
	cumulativeRef = "cumulative"
	versionRef    = "version"
	modulesDir    = "modules"
	bundlesDir    = "bundles"
	patchesDir    = "patches"
)

// DirectoryStructure resolves installation paths for one installed image.
type DirectoryStructure struct {
	root string
}

// New creates a DirectoryStructure rooted at the installation home directory.
func New(root string) *DirectoryStructure {
	return &DirectoryStructure{root: filepath.Clean(root)}
}

// InstalledImage exposes the content roots of the installation.
func (s *DirectoryStructure) InstalledImage() InstalledImage {
	return InstalledImage{home: s.root}
}

// PatchesMetadata is the directory holding all persisted patching state.
func (s *DirectoryStructure) PatchesMetadata() string {
	return filepath.Join(s.root, metadataDir)
}

// InstallationVersion is the file recording the installation's current
// reported version, one line.
func (s *DirectoryStructure) InstallationVersion() string {
	return filepath.Join(s.PatchesMetadata(), versionRef)
}

// CumulativeLink is the file recording the active cumulative patch id.
func (s *DirectoryStructure) CumulativeLink() string {
	return filepath.Join(s.PatchesMetadata(), cumulativeRef)
}

// CumulativeRefs is the file recording the ordered one-off patch ids applied
// on top of the given cumulative patch, most recent first.
func (s *DirectoryStructure) CumulativeRefs(cumulativeID string) string {
	return filepath.Join(s.PatchesMetadata(), referencesDir, cumulativeID)
}

// HistoryDir is the per-patch backup and rollback-state directory.
func (s *DirectoryStructure) HistoryDir(patchID string) string {
	return filepath.Join(s.PatchesMetadata(), historyDir, patchID)
}

// ModulePatchDirectory is the module overlay directory owned by a patch.
func (s *DirectoryStructure) ModulePatchDirectory(patchID string) string {
	return filepath.Join(s.root, modulesDir, patchesDir, patchID)
}

// BundlesPatchDirectory is the bundle overlay directory owned by a patch.
func (s *DirectoryStructure) BundlesPatchDirectory(patchID string) string {
	return filepath.Join(s.root, bundlesDir, patchesDir, patchID)
}

// InstalledImage exposes the root paths of an installation.
type InstalledImage struct {
	home string
}

// Home is the installation root directory.
func (i InstalledImage) Home() string { return i.home }

// AppClientDir is the app-client root.
func (i InstalledImage) AppClientDir() string { return filepath.Join(i.home, AppClient) }

// DomainDir is the domain root.
func (i InstalledImage) DomainDir() string { return filepath.Join(i.home, Domain) }

// StandaloneDir is the standalone server root.
func (i InstalledImage) StandaloneDir() string { return filepath.Join(i.home, Standalone) }
