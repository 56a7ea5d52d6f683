package patching

import (
	"fmt"
	"os"

	"github.com/quarryops/patchctl/internal/metadata"
)

// PatchingTask performs the file operation for a single content modification
// and returns the modification that reverses it. A nil inverse with a nil
// error means the task was skipped (preserved item or unmet condition) and
// there is nothing to undo.
type PatchingTask interface {
	Execute(ctx *PatchingContext) (*metadata.ContentModification, error)
}

// NewTask selects the task behavior matching the modification's item kind.
func NewTask(mod metadata.ContentModification) (PatchingTask, error) {
	switch item := mod.Item.(type) {
	case *metadata.ModuleItem:
		return &moduleTask{mod: mod, item: item}, nil
	case *metadata.MiscContentItem:
		return &miscTask{mod: mod, item: item}, nil
	default:
		return nil, fmt.Errorf("no task for content item type %T", mod.Item)
	}
}

// miscTask applies a modification to a single file or directory inside the
// installed image, backing the existing content up first.
type miscTask struct {
	mod  metadata.ContentModification
	item *metadata.MiscContentItem
}

func (t *miscTask) Execute(ctx *PatchingContext) (*metadata.ContentModification, error) {
	item := t.item
	if ctx.IsExcluded(item) {
		return nil, nil
	}
	if skip, err := conditionUnmet(ctx, t.mod.Condition); err != nil {
		return nil, err
	} else if skip {
		return nil, nil
	}

	target := ctx.TargetFile(item)
	existed := fileExists(target)

	if !ctx.IsIgnored(item) {
		if err := t.verify(target, existed); err != nil {
			return nil, err
		}
	}

	// Hash of the content being replaced, for the inverse of a removal.
	var prevHash string
	if existed && !item.Directory {
		hash, err := metadata.HashFile(target)
		if err != nil {
			return nil, &ContentIOError{Item: item, Op: "verify", Err: err}
		}
		prevHash = hash
	}

	if ctx.hasBackup() && existed {
		backup := ctx.BackupFile(item)
		var err error
		if item.Directory {
			err = copyDir(target, backup)
		} else {
			err = copyFile(target, backup)
		}
		if err != nil {
			return nil, &ContentIOError{Item: item, Op: "backup", Err: err}
		}
	}

	var newHash string
	switch t.mod.Type {
	case metadata.ModificationAdd, metadata.ModificationModify:
		if item.Directory {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, &ContentIOError{Item: item, Op: "write", Err: err}
			}
		} else {
			staged, err := ctx.Loader().MiscFile(item)
			if err != nil {
				return nil, &ContentIOError{Item: item, Op: "write", Err: err}
			}
			if err := copyFile(staged, target); err != nil {
				return nil, &ContentIOError{Item: item, Op: "write", Err: err}
			}
			hash, err := metadata.HashFile(target)
			if err != nil {
				return nil, &ContentIOError{Item: item, Op: "write", Err: err}
			}
			newHash = hash
		}
	case metadata.ModificationRemove:
		if err := os.RemoveAll(target); err != nil {
			return nil, &ContentIOError{Item: item, Op: "remove", Err: err}
		}
	default:
		return nil, fmt.Errorf("unknown modification type %q", t.mod.Type)
	}

	return t.invert(prevHash, newHash), nil
}

// verify checks the live content against the modification's expectations
// before anything destructive happens.
func (t *miscTask) verify(target string, existed bool) error {
	item := t.item
	switch t.mod.Type {
	case metadata.ModificationAdd:
		if existed {
			return &ContentIOError{Item: item, Op: "verify",
				Err: fmt.Errorf("%s already exists", target)}
		}
	case metadata.ModificationModify, metadata.ModificationRemove:
		if !existed {
			return &ContentIOError{Item: item, Op: "verify",
				Err: fmt.Errorf("%s does not exist", target)}
		}
		if item.Hash != "" && !item.Directory {
			live, err := metadata.HashFile(target)
			if err != nil {
				return &ContentIOError{Item: item, Op: "verify", Err: err}
			}
			if live != item.Hash {
				return &ContentIOError{Item: item, Op: "verify",
					Err: fmt.Errorf("content of %s does not match the expected hash", target)}
			}
		}
	}
	return nil
}

// invert builds the modification that restores the pre-task state. The
// inverse item's hash names the content the inverse expects to find live,
// or, for a restored addition, the content being put back.
func (t *miscTask) invert(prevHash, newHash string) *metadata.ContentModification {
	item := &metadata.MiscContentItem{
		Path:      append([]string(nil), t.item.Path...),
		Directory: t.item.Directory,
	}
	var invType metadata.ModificationType
	switch t.mod.Type {
	case metadata.ModificationAdd:
		invType = metadata.ModificationRemove
		item.Hash = newHash
	case metadata.ModificationModify:
		invType = metadata.ModificationModify
		item.Hash = newHash
	default:
		invType = metadata.ModificationAdd
		item.Hash = prevHash
	}
	return &metadata.ContentModification{Type: invType, Item: item}
}

// moduleTask applies a modification to a module or bundle tree inside the
// overlay directory the context is editing.
type moduleTask struct {
	mod  metadata.ContentModification
	item *metadata.ModuleItem
}

func (t *moduleTask) Execute(ctx *PatchingContext) (*metadata.ContentModification, error) {
	item := t.item
	if ctx.IsExcluded(item) {
		return nil, nil
	}
	if skip, err := conditionUnmet(ctx, t.mod.Condition); err != nil {
		return nil, err
	} else if skip {
		return nil, nil
	}

	target := ctx.ModulePatchDirectory(item)
	existed := fileExists(target)

	if !ctx.IsIgnored(item) {
		switch t.mod.Type {
		case metadata.ModificationAdd:
			if existed {
				return nil, &ContentIOError{Item: item, Op: "verify",
					Err: fmt.Errorf("%s already exists", target)}
			}
		case metadata.ModificationModify, metadata.ModificationRemove:
			if !existed {
				return nil, &ContentIOError{Item: item, Op: "verify",
					Err: fmt.Errorf("%s does not exist", target)}
			}
		}
	}

	if ctx.hasBackup() && existed {
		if err := copyDir(target, ctx.ModuleBackupDirectory(item)); err != nil {
			return nil, &ContentIOError{Item: item, Op: "backup", Err: err}
		}
	}

	switch t.mod.Type {
	case metadata.ModificationAdd, metadata.ModificationModify:
		staged, err := ctx.Loader().ModuleDir(item)
		if err != nil {
			return nil, &ContentIOError{Item: item, Op: "write", Err: err}
		}
		if existed {
			if err := os.RemoveAll(target); err != nil {
				return nil, &ContentIOError{Item: item, Op: "write", Err: err}
			}
		}
		if err := copyDir(staged, target); err != nil {
			return nil, &ContentIOError{Item: item, Op: "write", Err: err}
		}
	case metadata.ModificationRemove:
		if err := os.RemoveAll(target); err != nil {
			return nil, &ContentIOError{Item: item, Op: "remove", Err: err}
		}
	default:
		return nil, fmt.Errorf("unknown modification type %q", t.mod.Type)
	}

	return t.invert(), nil
}

func (t *moduleTask) invert() *metadata.ContentModification {
	item := &metadata.ModuleItem{Name: t.item.Name, Slot: t.item.Slot, Kind: t.item.Kind}
	var invType metadata.ModificationType
	switch t.mod.Type {
	case metadata.ModificationAdd:
		invType = metadata.ModificationRemove
	case metadata.ModificationRemove:
		invType = metadata.ModificationAdd
	default:
		invType = metadata.ModificationModify
	}
	return &metadata.ContentModification{Type: invType, Item: item}
}

// conditionUnmet reports whether a modification's condition item is absent
// from the live installation, in which case the modification is skipped.
func conditionUnmet(ctx *PatchingContext, condition metadata.ContentItem) (bool, error) {
	if condition == nil {
		return false, nil
	}
	switch item := condition.(type) {
	case *metadata.MiscContentItem:
		return !fileExists(ctx.TargetFile(item)), nil
	case *metadata.ModuleItem:
		return !fileExists(ctx.ModulePatchDirectory(item)), nil
	default:
		return false, fmt.Errorf("unknown condition item type %T", condition)
	}
}
