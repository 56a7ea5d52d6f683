package patching

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quarryops/patchctl/internal/logging"
	"github.com/quarryops/patchctl/internal/metadata"
)

func TestRunnerApplyOneOff(t *testing.T) {
	structure := newTestStructure(t, "1.0.0")
	live := filepath.Join(structure.InstalledImage().Home(), "bin", "run.sh")
	writeFileAt(t, live, "A")

	patch := &metadata.Patch{
		ID:        "p1",
		Type:      metadata.PatchTypeOneOff,
		AppliesTo: []string{"1.0.0"},
		Modifications: []metadata.ContentModification{
			miscModify("bin/run.sh", metadata.HashBytes([]byte("A"))),
		},
	}
	workDir := stagePatch(t, patch, map[string]string{"misc/bin/run.sh": "B"})

	runner := NewRunner(structure, RunnerOptions{})
	result, err := runner.Apply(workDir)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if result.PatchID != "p1" {
		t.Fatalf("result patch id = %q", result.PatchID)
	}
	if got := readFileAt(t, live); got != "B" {
		t.Fatalf("live content = %q, want B", got)
	}
	info, err := LoadPatchInfo(structure)
	if err != nil {
		t.Fatalf("LoadPatchInfo: %v", err)
	}
	if !info.Contains("p1") {
		t.Fatal("chain should record p1")
	}
}

func TestRunnerApplyStacksOneOffs(t *testing.T) {
	structure := newTestStructure(t, "1.0.0")
	runner := NewRunner(structure, RunnerOptions{})

	p1 := &metadata.Patch{
		ID:        "p1",
		Type:      metadata.PatchTypeOneOff,
		AppliesTo: []string{"1.0.0"},
		Modifications: []metadata.ContentModification{
			miscAdd("bin/one.sh"),
		},
	}
	if _, err := runner.Apply(stagePatch(t, p1, map[string]string{"misc/bin/one.sh": "1"})); err != nil {
		t.Fatalf("Apply p1: %v", err)
	}

	p2 := &metadata.Patch{
		ID:        "p2",
		Type:      metadata.PatchTypeOneOff,
		AppliesTo: []string{"1.0.0"},
		Modifications: []metadata.ContentModification{
			miscAdd("bin/two.sh"),
		},
	}
	if _, err := runner.Apply(stagePatch(t, p2, map[string]string{"misc/bin/two.sh": "2"})); err != nil {
		t.Fatalf("Apply p2: %v", err)
	}

	// The newest one-off prepends; the earlier entries keep their order.
	info, err := LoadPatchInfo(structure)
	if err != nil {
		t.Fatalf("LoadPatchInfo: %v", err)
	}
	if len(info.OneOffIDs) != 2 || info.OneOffIDs[0] != "p2" || info.OneOffIDs[1] != "p1" {
		t.Fatalf("one-offs = %v, want [p2 p1]", info.OneOffIDs)
	}
	if info.Version != "1.0.0" || info.CumulativeID != BaseCumulativeID {
		t.Fatalf("chain = %s/%s, want 1.0.0/base", info.Version, info.CumulativeID)
	}
}

func TestRunnerApplyRejectsWrongBaseVersion(t *testing.T) {
	structure := newTestStructure(t, "2.0.0")

	patch := &metadata.Patch{ID: "p1", Type: metadata.PatchTypeOneOff, AppliesTo: []string{"1.0.0"}}
	workDir := stagePatch(t, patch, nil)

	runner := NewRunner(structure, RunnerOptions{})
	if _, err := runner.Apply(workDir); err == nil {
		t.Fatal("apply against a version the patch does not declare should fail")
	}
}

func TestRunnerApplyRejectsDuplicate(t *testing.T) {
	structure := newTestStructure(t, "1.0.0")

	patch := &metadata.Patch{
		ID:        "p1",
		Type:      metadata.PatchTypeOneOff,
		AppliesTo: []string{"1.0.0"},
		Modifications: []metadata.ContentModification{
			miscAdd("bin/new.sh"),
		},
	}
	workDir := stagePatch(t, patch, map[string]string{"misc/bin/new.sh": "N"})

	runner := NewRunner(structure, RunnerOptions{})
	if _, err := runner.Apply(workDir); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if _, err := runner.Apply(workDir); err == nil {
		t.Fatal("applying the same patch twice should fail")
	}
}

func TestRunnerApplyUndoesOnMidPatchFailure(t *testing.T) {
	structure := newTestStructure(t, "1.0.0")
	live := filepath.Join(structure.InstalledImage().Home(), "bin", "run.sh")
	writeFileAt(t, live, "A")

	// The second modification targets a file that does not exist, so the
	// apply fails after the first one already ran.
	patch := &metadata.Patch{
		ID:        "p1",
		Type:      metadata.PatchTypeOneOff,
		AppliesTo: []string{"1.0.0"},
		Modifications: []metadata.ContentModification{
			miscModify("bin/run.sh", ""),
			miscModify("bin/absent.sh", ""),
		},
	}
	workDir := stagePatch(t, patch, map[string]string{
		"misc/bin/run.sh":    "B",
		"misc/bin/absent.sh": "X",
	})

	runner := NewRunner(structure, RunnerOptions{})
	if _, err := runner.Apply(workDir); err == nil {
		t.Fatal("apply with a failing modification should surface the error")
	}

	if got := readFileAt(t, live); got != "A" {
		t.Fatalf("live content = %q, executed modifications must be undone", got)
	}
	info, err := LoadPatchInfo(structure)
	if err != nil {
		t.Fatalf("LoadPatchInfo: %v", err)
	}
	if info.Contains("p1") {
		t.Fatal("failed patch must not enter the chain")
	}
}

func TestRunnerRollbackRestoresContentAndChain(t *testing.T) {
	structure := newTestStructure(t, "1.0.0")
	live := filepath.Join(structure.InstalledImage().Home(), "bin", "run.sh")
	writeFileAt(t, live, "A")

	patch := &metadata.Patch{
		ID:        "p1",
		Type:      metadata.PatchTypeOneOff,
		AppliesTo: []string{"1.0.0"},
		Modifications: []metadata.ContentModification{
			miscModify("bin/run.sh", metadata.HashBytes([]byte("A"))),
			miscAdd("bin/extra.sh"),
		},
	}
	workDir := stagePatch(t, patch, map[string]string{
		"misc/bin/run.sh":   "B",
		"misc/bin/extra.sh": "X",
	})

	runner := NewRunner(structure, RunnerOptions{})
	if _, err := runner.Apply(workDir); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	info, err := runner.Rollback("p1", false)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if got := readFileAt(t, live); got != "A" {
		t.Fatalf("live content = %q, want A restored", got)
	}
	if fileExists(filepath.Join(structure.InstalledImage().Home(), "bin", "extra.sh")) {
		t.Fatal("added file should be removed by rollback")
	}
	if info.Version != "1.0.0" || info.CumulativeID != BaseCumulativeID {
		t.Fatalf("chain = %s/%s, want 1.0.0/base", info.Version, info.CumulativeID)
	}
	if len(info.OneOffIDs) != 0 {
		t.Fatalf("one-offs = %v, want empty", info.OneOffIDs)
	}
}

func TestRunnerRollbackCumulativeRestoresVersion(t *testing.T) {
	structure := newTestStructure(t, "1.0.0")

	patch := &metadata.Patch{
		ID:               "cp1",
		Type:             metadata.PatchTypeCumulative,
		ResultingVersion: "1.1.0",
		AppliesTo:        []string{"1.0.0"},
		Modifications: []metadata.ContentModification{
			miscAdd("bin/new.sh"),
		},
	}
	workDir := stagePatch(t, patch, map[string]string{"misc/bin/new.sh": "N"})

	runner := NewRunner(structure, RunnerOptions{})
	if _, err := runner.Apply(workDir); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	info, err := runner.Rollback("cp1", false)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if info.Version != "1.0.0" {
		t.Fatalf("version = %q, want 1.0.0 restored", info.Version)
	}
	if info.CumulativeID != BaseCumulativeID {
		t.Fatalf("cumulative = %q, want base restored", info.CumulativeID)
	}
	if fileExists(filepath.Join(structure.InstalledImage().Home(), "bin", "new.sh")) {
		t.Fatal("cumulative content should be removed by rollback")
	}
}

func TestRunnerRollbackRejectsUnknownPatch(t *testing.T) {
	structure := newTestStructure(t, "1.0.0")
	runner := NewRunner(structure, RunnerOptions{})

	if _, err := runner.Rollback("p9", false); err == nil {
		t.Fatal("rolling back a patch that was never applied should fail")
	}
}

func TestRunnerApplyLogsPatchScopedFields(t *testing.T) {
	var buf bytes.Buffer
	logging.Init("text", "info", &buf)
	defer logging.Init("text", "info", nil)

	structure := newTestStructure(t, "1.0.0")
	patch := &metadata.Patch{
		ID:        "p1",
		Type:      metadata.PatchTypeOneOff,
		AppliesTo: []string{"1.0.0"},
		Modifications: []metadata.ContentModification{
			miscAdd("bin/new.sh"),
		},
	}
	workDir := stagePatch(t, patch, map[string]string{"misc/bin/new.sh": "N"})

	runner := NewRunner(structure, RunnerOptions{})
	if _, err := runner.Apply(workDir); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "patch=p1") {
		t.Fatalf("expected patch field on apply logs, got: %s", out)
	}
	if !strings.Contains(out, "durationMs=") {
		t.Fatalf("expected duration on the applied log line, got: %s", out)
	}
}

func TestRunnerApplyRequiresDescriptor(t *testing.T) {
	structure := newTestStructure(t, "1.0.0")
	runner := NewRunner(structure, RunnerOptions{})

	if _, err := runner.Apply(t.TempDir()); err == nil {
		t.Fatal("apply from a directory without a descriptor should fail")
	}
}
