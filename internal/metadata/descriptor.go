package metadata

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// DescriptorName is the file name of a patch descriptor inside a staged patch
// directory. The synthetic rollback descriptor written into a patch's history
// directory uses the same schema.
const DescriptorName = "patch.yaml"

// patchDoc is the wire form of a Patch.
type patchDoc struct {
	ID               string            `yaml:"id"`
	Type             string            `yaml:"type"`
	Description      string            `yaml:"description,omitempty"`
	ResultingVersion string            `yaml:"resulting-version,omitempty"`
	AppliesTo        []string          `yaml:"applies-to"`
	Modifications    []modificationDoc `yaml:"modifications"`
}

// modificationDoc is the wire form of one ContentModification. Module and
// bundle items carry name/slot; misc items carry a slash-separated path.
type modificationDoc struct {
	Action    string   `yaml:"action"`
	Kind      string   `yaml:"kind"`
	Name      string   `yaml:"name,omitempty"`
	Slot      string   `yaml:"slot,omitempty"`
	Path      string   `yaml:"path,omitempty"`
	Directory bool     `yaml:"directory,omitempty"`
	Hash      string   `yaml:"hash,omitempty"`
	Condition *itemDoc `yaml:"condition,omitempty"`
}

type itemDoc struct {
	Kind      string `yaml:"kind"`
	Name      string `yaml:"name,omitempty"`
	Slot      string `yaml:"slot,omitempty"`
	Path      string `yaml:"path,omitempty"`
	Directory bool   `yaml:"directory,omitempty"`
	Hash      string `yaml:"hash,omitempty"`
}

// LoadPatch reads and validates a patch descriptor file.
func LoadPatch(path string) (*Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patch descriptor: %w", err)
	}
	return UnmarshalPatch(data)
}

// WritePatch serializes a patch descriptor to the given path.
func WritePatch(path string, patch *Patch) error {
	data, err := MarshalPatch(patch)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write patch descriptor: %w", err)
	}
	return nil
}

// UnmarshalPatch decodes a patch descriptor from YAML.
func UnmarshalPatch(data []byte) (*Patch, error) {
	var doc patchDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse patch descriptor: %w", err)
	}
	return doc.toPatch()
}

// MarshalPatch encodes a patch descriptor as YAML.
func MarshalPatch(patch *Patch) ([]byte, error) {
	doc, err := docFromPatch(patch)
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode patch descriptor: %w", err)
	}
	return data, nil
}

func (d *patchDoc) toPatch() (*Patch, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("patch descriptor has no id")
	}
	patchType := PatchType(d.Type)
	switch patchType {
	case PatchTypeOneOff, PatchTypeCumulative:
	default:
		return nil, fmt.Errorf("patch %s: unknown patch type %q", d.ID, d.Type)
	}
	if patchType == PatchTypeCumulative && d.ResultingVersion == "" {
		return nil, fmt.Errorf("patch %s: cumulative patch needs a resulting-version", d.ID)
	}

	patch := &Patch{
		ID:               d.ID,
		Type:             patchType,
		Description:      d.Description,
		ResultingVersion: d.ResultingVersion,
		AppliesTo:        d.AppliesTo,
	}
	for i, m := range d.Modifications {
		mod, err := m.toModification()
		if err != nil {
			return nil, fmt.Errorf("patch %s: modification %d: %w", d.ID, i, err)
		}
		patch.Modifications = append(patch.Modifications, mod)
	}
	return patch, nil
}

func (d *modificationDoc) toModification() (ContentModification, error) {
	action := ModificationType(d.Action)
	switch action {
	case ModificationAdd, ModificationModify, ModificationRemove:
	default:
		return ContentModification{}, fmt.Errorf("unknown action %q", d.Action)
	}

	item, err := (&itemDoc{
		Kind: d.Kind, Name: d.Name, Slot: d.Slot,
		Path: d.Path, Directory: d.Directory, Hash: d.Hash,
	}).toItem()
	if err != nil {
		return ContentModification{}, err
	}

	mod := ContentModification{Type: action, Item: item}
	if d.Condition != nil {
		cond, err := d.Condition.toItem()
		if err != nil {
			return ContentModification{}, fmt.Errorf("condition: %w", err)
		}
		mod.Condition = cond
	}
	return mod, nil
}

func (d *itemDoc) toItem() (ContentItem, error) {
	switch ContentType(d.Kind) {
	case ContentTypeModule, ContentTypeBundle:
		if d.Name == "" {
			return nil, fmt.Errorf("%s item has no name", d.Kind)
		}
		slot := d.Slot
		if slot == "" {
			slot = DefaultModuleSlot
		}
		return &ModuleItem{Name: d.Name, Slot: slot, Kind: ContentType(d.Kind)}, nil
	case ContentTypeMisc:
		if d.Path == "" {
			return nil, fmt.Errorf("misc item has no path")
		}
		return &MiscContentItem{
			Path:      strings.Split(path.Clean(d.Path), "/"),
			Directory: d.Directory,
			Hash:      d.Hash,
		}, nil
	default:
		return nil, fmt.Errorf("unknown content kind %q", d.Kind)
	}
}

func docFromPatch(patch *Patch) (*patchDoc, error) {
	doc := &patchDoc{
		ID:               patch.ID,
		Type:             string(patch.Type),
		Description:      patch.Description,
		ResultingVersion: patch.ResultingVersion,
		AppliesTo:        patch.AppliesTo,
	}
	for i, mod := range patch.Modifications {
		m, err := docFromModification(mod)
		if err != nil {
			return nil, fmt.Errorf("patch %s: modification %d: %w", patch.ID, i, err)
		}
		doc.Modifications = append(doc.Modifications, m)
	}
	return doc, nil
}

func docFromModification(mod ContentModification) (modificationDoc, error) {
	item, err := docFromItem(mod.Item)
	if err != nil {
		return modificationDoc{}, err
	}
	out := modificationDoc{
		Action:    string(mod.Type),
		Kind:      item.Kind,
		Name:      item.Name,
		Slot:      item.Slot,
		Path:      item.Path,
		Directory: item.Directory,
		Hash:      item.Hash,
	}
	if mod.Condition != nil {
		cond, err := docFromItem(mod.Condition)
		if err != nil {
			return modificationDoc{}, fmt.Errorf("condition: %w", err)
		}
		out.Condition = &cond
	}
	return out, nil
}

func docFromItem(item ContentItem) (itemDoc, error) {
	switch it := item.(type) {
	case *ModuleItem:
		return itemDoc{Kind: string(it.ContentType()), Name: it.Name, Slot: it.Slot}, nil
	case *MiscContentItem:
		return itemDoc{
			Kind:      string(ContentTypeMisc),
			Path:      path.Join(it.Path...),
			Directory: it.Directory,
			Hash:      it.Hash,
		}, nil
	default:
		return itemDoc{}, fmt.Errorf("unknown content item type %T", item)
	}
}
