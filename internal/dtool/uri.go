package dtool

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[0-9a-zA-Z_.\-]+$`)

const maxNameLength = 80

// GenerateIdentifier returns the item identifier for relpath: the SHA-1 hex
// digest of the relpath string. Identical relpaths map to identical
// identifiers in every dataset.
func GenerateIdentifier(relpath string) string {
	sum := sha1.Sum([]byte(relpath))
	return hex.EncodeToString(sum[:])
}

// NameIsValid reports whether name can be used as a dataset name.
func NameIsValid(name string) bool {
	return len(name) <= maxNameLength && nameRegexp.MatchString(name)
}

// PathFromURI resolves a plain path or file:// URI to an absolute path.
func PathFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}
	var p string
	switch u.Scheme {
	case "":
		p = uri
	case "file":
		p = u.Path
	default:
		return "", fmt.Errorf("unsupported uri scheme %q in %q", u.Scheme, uri)
	}
	if p == "" {
		return "", fmt.Errorf("empty path in uri %q", uri)
	}
	return filepath.Abs(p)
}

// URIFromPath formats an absolute path as a file:// URI.
func URIFromPath(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}
