package metadata

// PatchType distinguishes cumulative baselines from stacked one-off patches.
type PatchType string

const (
	// PatchTypeOneOff stacks on top of the current cumulative baseline.
	PatchTypeOneOff PatchType = "one-off"
	// PatchTypeCumulative establishes a new full baseline version and
	// discards the prior one-off chain.
	PatchTypeCumulative PatchType = "cumulative"
)

// Patch is a named, ordered bundle of content modifications applied against a
// known base version.
type Patch struct {
	ID               string
	Type             PatchType
	Description      string
	ResultingVersion string
	AppliesTo        []string
	Modifications    []ContentModification
}

// AppliesToVersion reports whether the patch declares the given installation
// version as a valid base.
func (p *Patch) AppliesToVersion(version string) bool {
	for _, v := range p.AppliesTo {
		if v == version {
			return true
		}
	}
	return false
}
