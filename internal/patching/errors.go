package patching

import (
	"fmt"

	"github.com/quarryops/patchctl/internal/metadata"
)

// ConfigurationError indicates a required directory could not be created (or,
// for a fresh history directory, already existed). It is fatal: the
// transaction never starts.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot create directory %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("cannot create directory %s", e.Path)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ContentIOError indicates a copy, write, delete, or verification failure on
// one content item. It aborts the apply loop fail-fast.
type ContentIOError struct {
	Item metadata.ContentItem
	Op   string // "verify", "backup", "write", "remove"
	Err  error
}

func (e *ContentIOError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Item, e.Err)
}

func (e *ContentIOError) Unwrap() error { return e.Err }

// PersistenceError indicates writing the version-chain reference files
// failed. The context attempts to re-persist the pre-transaction chain before
// surfacing this error.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist patch info: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
