package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"kportal/internal/fsutil"
)

// ReadMetadata reads one per-resource metadata file.
func ReadMetadata(path string) (Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("read metadata: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("decode metadata %s: %w", path, err)
	}
	if err := e.Key().Validate(); err != nil {
		return Entry{}, fmt.Errorf("metadata %s: %w", path, err)
	}
	return e, nil
}

// Scan collects every metadata file under root in lexical path order.
func Scan(root string) ([]Entry, error) {
	entries := []Entry{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), MetadataExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		e, err := ReadMetadata(p)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return entries, nil
}

// Rebuild regenerates the registry file from the metadata currently under
// root, replacing the previous file in full.
func Rebuild(root, registryPath string) ([]Entry, error) {
	entries, err := Scan(root)
	if err != nil {
		return nil, err
	}

	b, err := Marshal(entries)
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(registryPath, b, 0o644); err != nil {
		return nil, fmt.Errorf("write registry: %w", err)
	}
	return entries, nil
}

// Marshal encodes entries the way the registry file stores them.
func Marshal(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode registry: %w", err)
	}
	return append(b, '\n'), nil
}
