package registry

import (
	"path/filepath"

	"kportal/internal/kube"
)

const (
	// RendererExt is the extension of generated renderer sources.
	RendererExt = ".gohtml"
	// MetadataExt is the extension of per-resource metadata files.
	MetadataExt = ".metadata.json"
	// RegistryFile is the default registry file name inside the views root.
	RegistryFile = "registry.json"
)

// BasePath is <root>/<group-or-core>/<version>/<plural>, the location every
// artifact of key derives from.
func BasePath(root string, key kube.ResourceKey) string {
	return filepath.Join(root, key.URLGroup(), key.Version, key.Plural)
}

func RendererPath(root string, key kube.ResourceKey) string {
	return BasePath(root, key) + RendererExt
}

func MetadataPath(root string, key kube.ResourceKey) string {
	return BasePath(root, key) + MetadataExt
}

func DefaultRegistryFile(root string) string {
	return filepath.Join(root, RegistryFile)
}
