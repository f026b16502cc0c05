package dtool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFrozen is returned when opening a dataset that was never frozen.
	ErrNotFrozen = errors.New("dtool: dataset is not frozen")
	// ErrNoAnnotation is returned when an annotation key is absent.
	ErrNoAnnotation = errors.New("dtool: no such annotation")
	// ErrNoOverlay is returned when an overlay is absent.
	ErrNoOverlay = errors.New("dtool: no such overlay")
	// ErrNoItem is returned for identifiers missing from the manifest.
	ErrNoItem = errors.New("dtool: no such item")
)

// DataSet is a frozen, read-only dataset.
type DataSet struct {
	root     string
	admin    AdminMetadata
	manifest Manifest
}

// Open reads the frozen dataset at uri.
func Open(uri string) (*DataSet, error) {
	root, err := PathFromURI(uri)
	if err != nil {
		return nil, err
	}
	ds := &DataSet{root: root}
	if err := readJSON(filepath.Join(root, adminFile), &ds.admin); err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", uri, err)
	}
	if ds.admin.Type != typeFrozen {
		return nil, fmt.Errorf("%w: %s", ErrNotFrozen, uri)
	}
	if err := readJSON(filepath.Join(root, manifestFile), &ds.manifest); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ds, nil
}

// UUID returns the dataset's unique identifier.
func (d *DataSet) UUID() string { return d.admin.UUID }

// Name returns the dataset name.
func (d *DataSet) Name() string { return d.admin.Name }

// URI returns the file:// URI of the dataset.
func (d *DataSet) URI() string { return URIFromPath(d.root) }

// AdminMetadata returns a copy of the dataset's admin metadata.
func (d *DataSet) AdminMetadata() AdminMetadata { return d.admin }

// Identifiers returns the item identifiers in sorted order.
func (d *DataSet) Identifiers() []string {
	ids := make([]string, 0, len(d.manifest.Items))
	for idn := range d.manifest.Items {
		ids = append(ids, idn)
	}
	sort.Strings(ids)
	return ids
}

// ItemProperties returns the manifest entry for idn.
func (d *DataSet) ItemProperties(idn string) (Item, error) {
	item, ok := d.manifest.Items[idn]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNoItem, idn)
	}
	return item, nil
}

// ItemContentAbspath returns the absolute path of the item's content.
func (d *DataSet) ItemContentAbspath(idn string) (string, error) {
	item, err := d.ItemProperties(idn)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, dataDir, filepath.FromSlash(item.Relpath)), nil
}

// GetAnnotation decodes the annotation key into v.
func (d *DataSet) GetAnnotation(key string, v any) error {
	err := readJSON(filepath.Join(d.root, annotationsDir, key+".json"), v)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoAnnotation, key)
	}
	return err
}

// PutAnnotation stores an annotation on the frozen dataset.
func (d *DataSet) PutAnnotation(key string, value any) error {
	return putAnnotation(d.root, key, value)
}

// GetOverlay decodes the overlay name into v, usually a map keyed by identifier.
func (d *DataSet) GetOverlay(name string, v any) error {
	err := readJSON(filepath.Join(d.root, overlaysDir, name+".json"), v)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoOverlay, name)
	}
	return err
}

// ReadmeContent returns the raw README.yml text.
func (d *DataSet) ReadmeContent() (string, error) {
	data, err := os.ReadFile(filepath.Join(d.root, readmeFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Readme parses README.yml. An empty readme yields an empty map.
func (d *DataSet) Readme() (map[string]any, error) {
	content, err := d.ReadmeContent()
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("parse readme: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
