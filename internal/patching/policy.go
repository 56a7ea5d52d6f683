package patching

import "github.com/quarryops/patchctl/internal/metadata"

// ContentVerificationPolicy decides, per content item, whether a mismatch
// between expected and on-disk content may be ignored and whether an existing
// file should be preserved instead of overwritten.
type ContentVerificationPolicy interface {
	// IgnoreContentValidation reports whether pre-modification hash
	// verification may be skipped for the item. The write still happens.
	IgnoreContentValidation(item metadata.ContentItem) bool
	// PreserveExisting reports whether the item's existing content must be
	// kept, skipping the modification entirely.
	PreserveExisting(item metadata.ContentItem) bool
}

type staticPolicy struct {
	ignore   bool
	preserve bool
}

func (p staticPolicy) IgnoreContentValidation(metadata.ContentItem) bool { return p.ignore }
func (p staticPolicy) PreserveExisting(metadata.ContentItem) bool        { return p.preserve }

var (
	// Strict verifies every item and overwrites nothing silently: any
	// content mismatch fails the transaction.
	Strict ContentVerificationPolicy = staticPolicy{}

	// OverrideAll skips content verification and overwrites conflicting
	// files. Used by the undo path and by forced rollbacks.
	OverrideAll ContentVerificationPolicy = staticPolicy{ignore: true}

	// PreserveAll keeps every existing file untouched and records no-op
	// inverses for the skipped modifications.
	PreserveAll ContentVerificationPolicy = staticPolicy{preserve: true}
)

// PolicyNamed maps a configured policy mode to a built-in policy. Unknown
// modes fall back to Strict.
func PolicyNamed(mode string) ContentVerificationPolicy {
	switch mode {
	case "override-all":
		return OverrideAll
	case "preserve-all":
		return PreserveAll
	default:
		return Strict
	}
}
