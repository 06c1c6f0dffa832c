package kube

import (
	"encoding/json"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"
)

// ObjectYAML renders obj as YAML without managedFields.
func ObjectYAML(obj *unstructured.Unstructured) ([]byte, error) {
	cp := obj.DeepCopy()
	unstructured.RemoveNestedField(cp.Object, "metadata", "managedFields")
	b, err := json.Marshal(cp.Object)
	if err != nil {
		return nil, err
	}
	return yaml.JSONToYAML(b)
}
