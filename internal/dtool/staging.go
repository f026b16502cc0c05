package dtool

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// QuickDataSet is a staging area that becomes a frozen dataset when its
// scope completes without error.
type QuickDataSet struct {
	proto   *ProtoDataSet
	staging string
}

// WithQuickDataSet creates a dataset named name under baseURI, runs fn with a
// staging handle and, if fn succeeds, moves every staged file into the
// dataset and freezes it. On error, cancellation or panic the dataset and
// staging directory are removed.
func WithQuickDataSet(ctx context.Context, baseURI, name string, fn func(*QuickDataSet) error) (*DataSet, error) {
	qds, err := newQuickDataSet(baseURI, name, CreateOptions{})
	if err != nil {
		return nil, err
	}
	return qds.run(ctx, func() error { return fn(qds) }, nil)
}

func newQuickDataSet(baseURI, name string, opts CreateOptions) (*QuickDataSet, error) {
	proto, err := CreateProtoDataSet(baseURI, name, opts)
	if err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp("", "dtool-staging-")
	if err != nil {
		proto.Remove()
		return nil, fmt.Errorf("create staging area: %w", err)
	}
	return &QuickDataSet{proto: proto, staging: staging}, nil
}

// Proto exposes the underlying proto dataset.
func (q *QuickDataSet) Proto() *ProtoDataSet { return q.proto }

// StagingPath returns a writable path for relpath inside the staging area.
func (q *QuickDataSet) StagingPath(relpath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relpath))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("dtool: invalid staging relpath %q", relpath)
	}
	path := filepath.Join(q.staging, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// PutAnnotation stores an annotation on the dataset being built.
func (q *QuickDataSet) PutAnnotation(key string, value any) error {
	return q.proto.PutAnnotation(key, value)
}

// PutReadme replaces the dataset's README.yml.
func (q *QuickDataSet) PutReadme(content string) error {
	return q.proto.PutReadme(content)
}

func (q *QuickDataSet) run(ctx context.Context, body func() error, beforeCommit func() error) (ds *DataSet, err error) {
	committed := false
	defer func() {
		if !committed {
			q.proto.Remove()
		}
		os.RemoveAll(q.staging)
	}()

	if err := body(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if beforeCommit != nil {
		if err := beforeCommit(); err != nil {
			return nil, err
		}
	}
	if err := q.stageItems(); err != nil {
		return nil, err
	}
	ds, err = q.proto.Freeze(ctx)
	if err != nil {
		return nil, err
	}
	committed = true
	return ds, nil
}

func (q *QuickDataSet) stageItems() error {
	return filepath.WalkDir(q.staging, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(q.staging, path)
		if err != nil {
			return err
		}
		_, err = q.proto.PutItem(path, filepath.ToSlash(rel))
		return err
	})
}

// DerivedDataSet is a QuickDataSet whose readme records the dataset it was
// derived from.
type DerivedDataSet struct {
	*QuickDataSet
	// ReadmeDict is written to README.yml at commit time.
	ReadmeDict map[string]any
}

// WithDerivedDataSet behaves like WithQuickDataSet and additionally writes
// the source dataset's name, URI and UUID plus any keys fn adds to
// ReadmeDict into the readme.
func WithDerivedDataSet(ctx context.Context, baseURI, name string, source *DataSet, overwrite bool, fn func(*DerivedDataSet) error) (*DataSet, error) {
	qds, err := newQuickDataSet(baseURI, name, CreateOptions{Overwrite: overwrite})
	if err != nil {
		return nil, err
	}
	dds := &DerivedDataSet{
		QuickDataSet: qds,
		ReadmeDict: map[string]any{
			"source_dataset_name": source.Name(),
			"source_dataset_uri":  source.URI(),
			"source_dataset_uuid": source.UUID(),
		},
	}
	return qds.run(ctx, func() error { return fn(dds) }, func() error {
		content, err := yaml.Marshal(dds.ReadmeDict)
		if err != nil {
			return fmt.Errorf("encode readme: %w", err)
		}
		return qds.PutReadme(string(content))
	})
}
