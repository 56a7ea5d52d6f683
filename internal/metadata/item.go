// Package metadata defines the patch descriptor model: what a patch is,
// which content items it touches, and how descriptors are serialized.
package metadata

import (
	"fmt"
	"path"
	"strings"
)

// ContentType identifies the kind of content an item addresses.
type ContentType string

const (
	ContentTypeModule ContentType = "module"
	ContentTypeBundle ContentType = "bundle"
	ContentTypeMisc   ContentType = "misc"
)

// ModificationType is the action a modification performs on its item.
type ModificationType string

const (
	ModificationAdd    ModificationType = "add"
	ModificationModify ModificationType = "modify"
	ModificationRemove ModificationType = "remove"
)

// ContentItem identifies a module, bundle, or misc file targeted by a patch,
// independent of where in a transaction its content currently lives.
type ContentItem interface {
	ContentType() ContentType
	// RelativePath is the item's slash-separated path below its content root.
	RelativePath() string
	String() string
}

// DefaultModuleSlot is used when a module item does not name a slot.
const DefaultModuleSlot = "main"

// ModuleItem addresses a module or bundle directory tree. The on-disk layout
// follows the dotted name: org.acme.widget in slot main lives at
// org/acme/widget/main below the content root.
type ModuleItem struct {
	Name string
	Slot string
	Kind ContentType // ContentTypeModule or ContentTypeBundle
}

func (m *ModuleItem) ContentType() ContentType {
	if m.Kind == ContentTypeBundle {
		return ContentTypeBundle
	}
	return ContentTypeModule
}

func (m *ModuleItem) RelativePath() string {
	slot := m.Slot
	if slot == "" {
		slot = DefaultModuleSlot
	}
	return path.Join(strings.ReplaceAll(m.Name, ".", "/"), slot)
}

func (m *ModuleItem) String() string {
	return fmt.Sprintf("%s %s:%s", m.ContentType(), m.Name, m.Slot)
}

// MiscContentItem addresses a single file or directory inside the installed
// image, by path segments relative to the installation root. Hash, when set,
// is the hex SHA-256 of the content this item refers to and is used for
// pre-modification verification.
type MiscContentItem struct {
	Path      []string
	Directory bool
	Hash      string
}

func (m *MiscContentItem) ContentType() ContentType { return ContentTypeMisc }

func (m *MiscContentItem) RelativePath() string { return path.Join(m.Path...) }

func (m *MiscContentItem) String() string {
	return fmt.Sprintf("misc %s", m.RelativePath())
}

// ContentModification is a single change a patch wants to make: one action
// against one content item. Condition, when set, names an item that must be
// present for the modification to apply.
type ContentModification struct {
	Type      ModificationType
	Item      ContentItem
	Condition ContentItem
}

func (m ContentModification) String() string {
	return fmt.Sprintf("%s %s", m.Type, m.Item)
}
