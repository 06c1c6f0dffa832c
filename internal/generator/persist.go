package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"kportal/internal/fsutil"
	"kportal/internal/registry"
)

// Artifact is the generated pair for one resource type.
type Artifact struct {
	Entry  registry.Entry
	Source string
}

// Persist writes the renderer and then its metadata under root. Both are
// staged first; if the metadata cannot be put in place the previous renderer
// is restored, so the pair is never half written.
func Persist(root string, a Artifact) error {
	key := a.Entry.Key()
	if err := key.Validate(); err != nil {
		return err
	}
	rendererPath := registry.RendererPath(root, key)
	metadataPath := registry.MetadataPath(root, key)

	meta, err := json.MarshalIndent(a.Entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	meta = append(meta, '\n')

	rendererTmp, err := fsutil.StageFile(rendererPath, []byte(a.Source), 0o644)
	if err != nil {
		return err
	}
	metadataTmp, err := fsutil.StageFile(metadataPath, meta, 0o644)
	if err != nil {
		os.Remove(rendererTmp)
		return err
	}

	previous, hadPrevious, err := readIfExists(rendererPath)
	if err != nil {
		os.Remove(rendererTmp)
		os.Remove(metadataTmp)
		return err
	}

	if err := os.Rename(rendererTmp, rendererPath); err != nil {
		os.Remove(rendererTmp)
		os.Remove(metadataTmp)
		return fmt.Errorf("install renderer: %w", err)
	}
	if err := os.Rename(metadataTmp, metadataPath); err != nil {
		os.Remove(metadataTmp)
		if rerr := restore(rendererPath, previous, hadPrevious); rerr != nil {
			return fmt.Errorf("install metadata: %w (restoring renderer: %v)", err, rerr)
		}
		return fmt.Errorf("install metadata: %w", err)
	}
	return nil
}

func readIfExists(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func restore(path string, previous []byte, existed bool) error {
	if !existed {
		return os.Remove(path)
	}
	return fsutil.WriteFileAtomic(path, previous, 0o644)
}
