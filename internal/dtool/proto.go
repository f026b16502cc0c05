package dtool

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDataSetExists is returned when creating over an existing dataset without overwrite.
	ErrDataSetExists = errors.New("dtool: dataset already exists")
	// ErrInvalidName is returned for names dtool cannot store.
	ErrInvalidName = errors.New("dtool: invalid dataset name")
	// ErrFrozen is returned when mutating a dataset that has already been frozen.
	ErrFrozen = errors.New("dtool: dataset is frozen")
	// ErrNotDataSet is returned when overwrite targets a path holding anything
	// other than a dataset.
	ErrNotDataSet = errors.New("dtool: existing path is not a dataset")
)

var keyRegexp = regexp.MustCompile(`^[0-9a-zA-Z_.\-]+$`)

// CreateOptions tunes CreateProtoDataSet.
type CreateOptions struct {
	// Overwrite removes an existing dataset at the target location first.
	// Paths that are not datasets are never removed.
	Overwrite bool
}

// ProtoDataSet is a dataset still open for writing.
type ProtoDataSet struct {
	root   string
	admin  AdminMetadata
	mu     sync.Mutex
	frozen bool
}

// CreateProtoDataSet creates an empty dataset named name under baseURI.
func CreateProtoDataSet(baseURI, name string, opts CreateOptions) (*ProtoDataSet, error) {
	if !NameIsValid(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	base, err := PathFromURI(baseURI)
	if err != nil {
		return nil, err
	}
	root := filepath.Join(base, name)
	if _, err := os.Stat(root); err == nil {
		if !opts.Overwrite {
			return nil, fmt.Errorf("%w: %s", ErrDataSetExists, URIFromPath(root))
		}
		if !isDataSet(root) {
			return nil, fmt.Errorf("%w: %s", ErrNotDataSet, URIFromPath(root))
		}
		if err := os.RemoveAll(root); err != nil {
			return nil, fmt.Errorf("remove existing dataset: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat dataset: %w", err)
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create base: %w", err)
	}
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset: %w", err)
	}
	for _, dir := range []string{adminDir, annotationsDir, overlaysDir, tagsDir, dataDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	p := &ProtoDataSet{
		root: root,
		admin: AdminMetadata{
			UUID:            uuid.NewString(),
			CoreVersion:     CoreVersion,
			Name:            name,
			Type:            typeProto,
			CreatorUsername: currentUsername(),
			CreatedAt:       timestamp(time.Now()),
		},
	}
	if err := p.writeSkeleton(); err != nil {
		os.RemoveAll(root)
		return nil, err
	}
	return p, nil
}

func (p *ProtoDataSet) writeSkeleton() error {
	if err := writeJSON(filepath.Join(p.root, adminFile), p.admin); err != nil {
		return fmt.Errorf("write admin metadata: %w", err)
	}
	structure := map[string]any{
		"data_directory":             []string{dataDir},
		"dataset_readme_relpath":     []string{readmeFile},
		"dtool_directory":            []string{adminDir},
		"admin_metadata_relpath":     []string{adminDir, "dtool"},
		"structure_metadata_relpath": []string{adminDir, "structure.json"},
		"dtool_readme_relpath":       []string{adminDir, "README.txt"},
		"manifest_relpath":           []string{adminDir, "manifest.json"},
		"overlays_directory":         []string{adminDir, "overlays"},
		"annotations_directory":      []string{adminDir, "annotations"},
		"tags_directory":             []string{adminDir, "tags"},
		"storage_broker_version":     CoreVersion,
	}
	if err := writeJSON(filepath.Join(p.root, structureFile), structure); err != nil {
		return fmt.Errorf("write structure: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.root, dtoolReadmeFile), []byte(structureReadme), 0o644); err != nil {
		return fmt.Errorf("write dtool readme: %w", err)
	}
	return os.WriteFile(filepath.Join(p.root, readmeFile), nil, 0o644)
}

// UUID returns the dataset's unique identifier.
func (p *ProtoDataSet) UUID() string { return p.admin.UUID }

// Name returns the dataset name.
func (p *ProtoDataSet) Name() string { return p.admin.Name }

// URI returns the file:// URI of the dataset.
func (p *ProtoDataSet) URI() string { return URIFromPath(p.root) }

func (p *ProtoDataSet) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return ErrFrozen
	}
	return nil
}

// PutItem copies the file at src into the dataset as relpath and returns its identifier.
func (p *ProtoDataSet) PutItem(src, relpath string) (string, error) {
	if err := p.checkOpen(); err != nil {
		return "", err
	}
	relpath = filepath.ToSlash(filepath.Clean(relpath))
	if relpath == "." || strings.HasPrefix(relpath, "../") || filepath.IsAbs(relpath) {
		return "", fmt.Errorf("dtool: invalid item relpath %q", relpath)
	}
	dst := filepath.Join(p.root, dataDir, filepath.FromSlash(relpath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("put item %s: %w", relpath, err)
	}
	return GenerateIdentifier(relpath), nil
}

// PutReadme replaces README.yml.
func (p *ProtoDataSet) PutReadme(content string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.root, readmeFile), []byte(content), 0o644)
}

// PutAnnotation stores a JSON-encodable value under key.
func (p *ProtoDataSet) PutAnnotation(key string, value any) error {
	return putAnnotation(p.root, key, value)
}

// PutOverlay stores a per-item value map keyed by identifier.
func (p *ProtoDataSet) PutOverlay(name string, values map[string]any) error {
	if !keyRegexp.MatchString(name) {
		return fmt.Errorf("dtool: invalid overlay name %q", name)
	}
	return writeJSON(filepath.Join(p.root, overlaysDir, name+".json"), values)
}

func putAnnotation(root, key string, value any) error {
	if !keyRegexp.MatchString(key) {
		return fmt.Errorf("dtool: invalid annotation name %q", key)
	}
	if err := writeJSON(filepath.Join(root, annotationsDir, key+".json"), value); err != nil {
		return fmt.Errorf("put annotation %s: %w", key, err)
	}
	return nil
}

// Freeze hashes every item, writes the manifest and seals the dataset.
func (p *ProtoDataSet) Freeze(ctx context.Context) (*DataSet, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	dataRoot := filepath.Join(p.root, dataDir)
	var relpaths []string
	err := filepath.WalkDir(dataRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dataRoot, path)
		if err != nil {
			return err
		}
		relpaths = append(relpaths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	sort.Strings(relpaths)

	items := make([]Item, len(relpaths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, rel := range relpaths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := describeItem(dataRoot, rel)
			if err != nil {
				return err
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hash items: %w", err)
	}

	manifest := Manifest{
		CoreVersion:  CoreVersion,
		HashFunction: hashFunction,
		Items:        make(map[string]Item, len(items)),
	}
	for _, item := range items {
		manifest.Items[GenerateIdentifier(item.Relpath)] = item
	}
	if err := writeJSON(filepath.Join(p.root, manifestFile), manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	p.mu.Lock()
	p.admin.Type = typeFrozen
	p.admin.FrozenAt = timestamp(time.Now())
	admin := p.admin
	p.frozen = true
	p.mu.Unlock()
	if err := writeJSON(filepath.Join(p.root, adminFile), admin); err != nil {
		return nil, fmt.Errorf("write admin metadata: %w", err)
	}
	return &DataSet{root: p.root, admin: admin, manifest: manifest}, nil
}

// isDataSet reports whether root carries readable dtool admin metadata.
func isDataSet(root string) bool {
	var admin AdminMetadata
	if err := readJSON(filepath.Join(root, adminFile), &admin); err != nil {
		return false
	}
	return admin.UUID != "" && (admin.Type == typeProto || admin.Type == typeFrozen)
}

// Remove deletes the proto dataset from disk.
func (p *ProtoDataSet) Remove() error {
	return os.RemoveAll(p.root)
}

func describeItem(dataRoot, relpath string) (Item, error) {
	path := filepath.Join(dataRoot, filepath.FromSlash(relpath))
	f, err := os.Open(path)
	if err != nil {
		return Item{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Item{}, err
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return Item{}, fmt.Errorf("hash %s: %w", relpath, err)
	}
	return Item{
		Relpath:      relpath,
		SizeInBytes:  info.Size(),
		Hash:         hex.EncodeToString(h.Sum(nil)),
		UTCTimestamp: timestamp(info.ModTime()),
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
