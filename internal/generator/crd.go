package generator

import (
	"encoding/json"
	"fmt"
	"os"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"sigs.k8s.io/yaml"

	"kportal/internal/kube"
)

// FromCRD builds a subject from a CRD: the schema of its storage version (or
// first served version) and the identity it declares.
func FromCRD(name string, crd *apiextensionsv1.CustomResourceDefinition) (*Subject, error) {
	v, err := kube.CRDVersion(crd)
	if err != nil {
		return nil, err
	}
	if v.Schema == nil || v.Schema.OpenAPIV3Schema == nil {
		return nil, fmt.Errorf("crd %s version %s has no openAPIV3Schema", crd.Name, v.Name)
	}

	schemaJSON, err := json.Marshal(v.Schema.OpenAPIV3Schema)
	if err != nil {
		return nil, fmt.Errorf("encode crd schema: %w", err)
	}

	id := Identity{
		Group:      crd.Spec.Group,
		Version:    v.Name,
		Kind:       crd.Spec.Names.Kind,
		Plural:     crd.Spec.Names.Plural,
		Namespaced: crd.Spec.Scope == apiextensionsv1.NamespaceScoped,
	}
	root := crd.Spec.Group + "." + v.Name + "." + crd.Spec.Names.Kind

	manifest := crd.DeepCopy()
	manifest.ManagedFields = nil
	manifest.Status = apiextensionsv1.CustomResourceDefinitionStatus{}
	ctxYAML, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode crd: %w", err)
	}

	return &Subject{
		Name:     name,
		Identity: id,
		Schema: &Bundle{
			Root:        root,
			Definitions: map[string]json.RawMessage{root: schemaJSON},
		},
		Context: string(ctxYAML),
	}, nil
}

// ReadCRDFile reads a CRD manifest in YAML or JSON.
func ReadCRDFile(path string) (*apiextensionsv1.CustomResourceDefinition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	crd := &apiextensionsv1.CustomResourceDefinition{}
	if err := yaml.Unmarshal(b, crd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if crd.Kind != "" && crd.Kind != "CustomResourceDefinition" {
		return nil, fmt.Errorf("%s: kind %s is not a CustomResourceDefinition", path, crd.Kind)
	}
	if crd.Spec.Group == "" || crd.Spec.Names.Plural == "" || crd.Spec.Names.Kind == "" {
		return nil, fmt.Errorf("%s: crd is missing group or names", path)
	}
	return crd, nil
}
