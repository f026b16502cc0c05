package dtool

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"
)

// CoreVersion is recorded in admin metadata and manifests.
const CoreVersion = "3.18.2"

const (
	typeProto  = "protodataset"
	typeFrozen = "dataset"

	hashFunction = "md5sum_hexdigest"
)

// Layout of a dataset on disk, relative to its root directory.
const (
	adminDir        = ".dtool"
	adminFile       = ".dtool/dtool"
	manifestFile    = ".dtool/manifest.json"
	structureFile   = ".dtool/structure.json"
	dtoolReadmeFile = ".dtool/README.txt"
	annotationsDir  = ".dtool/annotations"
	overlaysDir     = ".dtool/overlays"
	tagsDir         = ".dtool/tags"
	dataDir         = "data"
	readmeFile      = "README.yml"
)

const structureReadme = `README
======
This is a dtool dataset.

Content provided during the dataset creation process
----------------------------------------------------

Dataset descriptive metadata: README.yml

Dataset items. The keys in the manifest are the identifiers of the items.
The items are stored in the directory data/.

Automatically generated files and directories
---------------------------------------------

This file: .dtool/README.txt
Administrative metadata describing the dataset: .dtool/dtool
Structural metadata describing the dataset: .dtool/structure.json
Structural metadata describing the data items: .dtool/manifest.json
Per item descriptive metadata: .dtool/overlays/
Dataset key/value pairs metadata: .dtool/annotations/
Dataset tags metadata: .dtool/tags/
`

// AdminMetadata is the content of .dtool/dtool.
type AdminMetadata struct {
	UUID            string  `json:"uuid"`
	CoreVersion     string  `json:"dtoolcore_version"`
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	CreatorUsername string  `json:"creator_username"`
	CreatedAt       float64 `json:"created_at"`
	FrozenAt        float64 `json:"frozen_at,omitempty"`
}

// Item describes one data item in the manifest.
type Item struct {
	Relpath      string  `json:"relpath"`
	SizeInBytes  int64   `json:"size_in_bytes"`
	Hash         string  `json:"hash"`
	UTCTimestamp float64 `json:"utc_timestamp"`
}

// Manifest is the content of .dtool/manifest.json.
type Manifest struct {
	CoreVersion  string          `json:"dtoolcore_version"`
	HashFunction string          `json:"hash_function"`
	Items        map[string]Item `json:"items"`
}

func timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
