package patching

import (
	"path/filepath"
	"testing"

	"github.com/quarryops/patchctl/internal/metadata"
)

// newTaskContext builds an apply context over a fresh installation with the
// given live files and staged content, for exercising tasks directly.
func newTaskContext(t *testing.T, policy ContentVerificationPolicy,
	live, staged map[string]string) *PatchingContext {
	t.Helper()

	structure := newTestStructure(t, "1.0.0")
	home := structure.InstalledImage().Home()
	for rel, content := range live {
		writeFileAt(t, filepath.Join(home, filepath.FromSlash(rel)), content)
	}

	patch := &metadata.Patch{ID: "p1", Type: metadata.PatchTypeOneOff, AppliesTo: []string{"1.0.0"}}
	workDir := stagePatch(t, patch, staged)

	info := &PatchInfo{Version: "1.0.0", CumulativeID: BaseCumulativeID, Env: structure}
	ctx, err := NewContext(patch, info, structure, policy, workDir)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

func executeTask(t *testing.T, ctx *PatchingContext, mod metadata.ContentModification) *metadata.ContentModification {
	t.Helper()
	task, err := NewTask(mod)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	inverse, err := task.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return inverse
}

func TestMiscAddWritesFileAndInvertsToRemove(t *testing.T) {
	ctx := newTaskContext(t, Strict, nil, map[string]string{"misc/bin/new.sh": "N"})

	inverse := executeTask(t, ctx, miscAdd("bin/new.sh"))

	target := filepath.Join(ctx.target, "bin", "new.sh")
	if got := readFileAt(t, target); got != "N" {
		t.Fatalf("target content = %q, want N", got)
	}
	if inverse == nil || inverse.Type != metadata.ModificationRemove {
		t.Fatalf("inverse = %v, want remove", inverse)
	}
	if item := inverse.Item.(*metadata.MiscContentItem); item.Hash != metadata.HashBytes([]byte("N")) {
		t.Fatalf("inverse hash = %q, want hash of the added content", item.Hash)
	}
}

func TestMiscAddFailsWhenTargetExists(t *testing.T) {
	ctx := newTaskContext(t, Strict,
		map[string]string{"bin/new.sh": "old"},
		map[string]string{"misc/bin/new.sh": "N"})

	task, err := NewTask(miscAdd("bin/new.sh"))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if _, err := task.Execute(ctx); err == nil {
		t.Fatal("add over an existing file should fail under the strict policy")
	}
}

func TestMiscModifyVerifiesHash(t *testing.T) {
	ctx := newTaskContext(t, Strict,
		map[string]string{"bin/run.sh": "tampered"},
		map[string]string{"misc/bin/run.sh": "B"})

	task, err := NewTask(miscModify("bin/run.sh", metadata.HashBytes([]byte("A"))))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if _, err := task.Execute(ctx); err == nil {
		t.Fatal("modify with a stale hash should fail under the strict policy")
	}
	// Nothing was written.
	if got := readFileAt(t, filepath.Join(ctx.target, "bin", "run.sh")); got != "tampered" {
		t.Fatalf("target content = %q, verify failure must not write", got)
	}
}

func TestMiscModifyIgnoredPolicyOverwrites(t *testing.T) {
	ctx := newTaskContext(t, OverrideAll,
		map[string]string{"bin/run.sh": "tampered"},
		map[string]string{"misc/bin/run.sh": "B"})

	inverse := executeTask(t, ctx, miscModify("bin/run.sh", metadata.HashBytes([]byte("A"))))

	if got := readFileAt(t, filepath.Join(ctx.target, "bin", "run.sh")); got != "B" {
		t.Fatalf("target content = %q, want B", got)
	}
	if inverse == nil || inverse.Type != metadata.ModificationModify {
		t.Fatalf("inverse = %v, want modify", inverse)
	}
	// The tampered content still got backed up for recovery.
	backup := filepath.Join(ctx.backup, "misc", "bin", "run.sh")
	if got := readFileAt(t, backup); got != "tampered" {
		t.Fatalf("backup content = %q, want tampered", got)
	}
}

func TestMiscRemoveInvertsToAddWithPriorHash(t *testing.T) {
	ctx := newTaskContext(t, Strict,
		map[string]string{"bin/old.sh": "O"}, nil)

	inverse := executeTask(t, ctx, miscRemove("bin/old.sh", metadata.HashBytes([]byte("O"))))

	if fileExists(filepath.Join(ctx.target, "bin", "old.sh")) {
		t.Fatal("target should be removed")
	}
	if inverse == nil || inverse.Type != metadata.ModificationAdd {
		t.Fatalf("inverse = %v, want add", inverse)
	}
	if item := inverse.Item.(*metadata.MiscContentItem); item.Hash != metadata.HashBytes([]byte("O")) {
		t.Fatalf("inverse hash = %q, want hash of the removed content", item.Hash)
	}
	// Backup holds the removed content.
	if got := readFileAt(t, filepath.Join(ctx.backup, "misc", "bin", "old.sh")); got != "O" {
		t.Fatalf("backup content = %q, want O", got)
	}
}

func TestPreservePolicySkipsTask(t *testing.T) {
	ctx := newTaskContext(t, PreserveAll,
		map[string]string{"bin/run.sh": "A"},
		map[string]string{"misc/bin/run.sh": "B"})

	inverse := executeTask(t, ctx, miscModify("bin/run.sh", ""))

	if inverse != nil {
		t.Fatalf("inverse = %v, want nil for a preserved item", inverse)
	}
	if got := readFileAt(t, filepath.Join(ctx.target, "bin", "run.sh")); got != "A" {
		t.Fatalf("target content = %q, preserved item must stay", got)
	}
}

func TestUnmetConditionSkipsTask(t *testing.T) {
	ctx := newTaskContext(t, Strict, nil, map[string]string{"misc/bin/new.sh": "N"})

	mod := miscAdd("bin/new.sh")
	mod.Condition = &metadata.MiscContentItem{Path: []string{"bin", "feature.flag"}}

	inverse := executeTask(t, ctx, mod)
	if inverse != nil {
		t.Fatalf("inverse = %v, want nil for an unmet condition", inverse)
	}
	if fileExists(filepath.Join(ctx.target, "bin", "new.sh")) {
		t.Fatal("conditional modification should not have run")
	}
}

func TestMetConditionRunsTask(t *testing.T) {
	ctx := newTaskContext(t, Strict,
		map[string]string{"bin/feature.flag": ""},
		map[string]string{"misc/bin/new.sh": "N"})

	mod := miscAdd("bin/new.sh")
	mod.Condition = &metadata.MiscContentItem{Path: []string{"bin", "feature.flag"}}

	if inverse := executeTask(t, ctx, mod); inverse == nil {
		t.Fatal("modification with met condition should run and produce an inverse")
	}
}

func TestModuleAddPopulatesOverlay(t *testing.T) {
	ctx := newTaskContext(t, Strict, nil, map[string]string{
		"modules/org/acme/widget/main/module.xml": "<module/>",
		"modules/org/acme/widget/main/widget.jar": "bytes",
	})

	mod := metadata.ContentModification{
		Type: metadata.ModificationAdd,
		Item: &metadata.ModuleItem{Name: "org.acme.widget", Slot: "main"},
	}
	inverse := executeTask(t, ctx, mod)

	overlay := filepath.Join(ctx.structure.ModulePatchDirectory("p1"), "org", "acme", "widget", "main")
	if got := readFileAt(t, filepath.Join(overlay, "module.xml")); got != "<module/>" {
		t.Fatalf("overlay module.xml = %q", got)
	}
	if inverse == nil || inverse.Type != metadata.ModificationRemove {
		t.Fatalf("inverse = %v, want remove", inverse)
	}
}

func TestModuleModifyBacksUpAndReplaces(t *testing.T) {
	ctx := newTaskContext(t, Strict, nil, map[string]string{
		"modules/org/acme/widget/main/module.xml": "<module v2/>",
	})
	// Seed the existing overlay content the modify replaces.
	existing := filepath.Join(ctx.structure.ModulePatchDirectory("p1"), "org", "acme", "widget", "main")
	writeFileAt(t, filepath.Join(existing, "module.xml"), "<module v1/>")
	writeFileAt(t, filepath.Join(existing, "stale.jar"), "old")

	mod := metadata.ContentModification{
		Type: metadata.ModificationModify,
		Item: &metadata.ModuleItem{Name: "org.acme.widget", Slot: "main"},
	}
	inverse := executeTask(t, ctx, mod)

	if got := readFileAt(t, filepath.Join(existing, "module.xml")); got != "<module v2/>" {
		t.Fatalf("overlay module.xml = %q, want replaced content", got)
	}
	if fileExists(filepath.Join(existing, "stale.jar")) {
		t.Fatal("modify should replace the module tree, not merge into it")
	}
	backup := filepath.Join(ctx.backup, "modules", "org", "acme", "widget", "main")
	if got := readFileAt(t, filepath.Join(backup, "module.xml")); got != "<module v1/>" {
		t.Fatalf("backup module.xml = %q, want prior content", got)
	}
	if inverse == nil || inverse.Type != metadata.ModificationModify {
		t.Fatalf("inverse = %v, want modify", inverse)
	}
}

func TestBundleItemUsesBundleOverlay(t *testing.T) {
	ctx := newTaskContext(t, Strict, nil, map[string]string{
		"bundles/org/acme/feature/main/feature.jar": "bytes",
	})

	mod := metadata.ContentModification{
		Type: metadata.ModificationAdd,
		Item: &metadata.ModuleItem{Name: "org.acme.feature", Slot: "main", Kind: metadata.ContentTypeBundle},
	}
	executeTask(t, ctx, mod)

	overlay := filepath.Join(ctx.structure.BundlesPatchDirectory("p1"), "org", "acme", "feature", "main")
	if !fileExists(filepath.Join(overlay, "feature.jar")) {
		t.Fatal("bundle content should land in the bundle overlay")
	}
}

func TestNewTaskRejectsUnknownItem(t *testing.T) {
	if _, err := NewTask(metadata.ContentModification{Type: metadata.ModificationAdd}); err == nil {
		t.Fatal("NewTask with a nil item should fail")
	}
}
