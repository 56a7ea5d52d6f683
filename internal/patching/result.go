package patching

import "github.com/quarryops/patchctl/internal/metadata"

// PatchingResult reports a committed patch application to the caller.
type PatchingResult struct {
	// PatchID is the id of the patch that was applied.
	PatchID string
	// Info is the new persisted patch chain.
	Info *PatchInfo

	problems []metadata.ContentItem
	rollback func() error
}

// HasFailures reports whether any content item could not be resolved. The
// commit path only returns once all modifications succeeded, so this is false
// for results produced by Finish.
func (r *PatchingResult) HasFailures() bool { return len(r.problems) > 0 }

// Problems lists the content items that could not be resolved.
func (r *PatchingResult) Problems() []metadata.ContentItem {
	return append([]metadata.ContentItem(nil), r.problems...)
}

// Rollback re-persists the pre-transaction patch chain. This is a manual undo
// of the version pointer only; content files are not touched.
func (r *PatchingResult) Rollback() error { return r.rollback() }
