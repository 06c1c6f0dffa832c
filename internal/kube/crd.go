package kube

import (
	"fmt"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
)

// CRDVersion picks the version a viewer should be generated for: the storage
// version, else the first served one.
func CRDVersion(crd *apiextensionsv1.CustomResourceDefinition) (*apiextensionsv1.CustomResourceDefinitionVersion, error) {
	var served *apiextensionsv1.CustomResourceDefinitionVersion
	for i := range crd.Spec.Versions {
		v := &crd.Spec.Versions[i]
		if v.Storage {
			return v, nil
		}
		if v.Served && served == nil {
			served = v
		}
	}
	if served == nil {
		return nil, fmt.Errorf("crd %s: no served version", crd.Name)
	}
	return served, nil
}

// CRDIsEstablished reports whether the Established condition is True.
func CRDIsEstablished(crd *apiextensionsv1.CustomResourceDefinition) bool {
	for _, c := range crd.Status.Conditions {
		if c.Type == apiextensionsv1.Established && c.Status == apiextensionsv1.ConditionTrue {
			return true
		}
	}
	return false
}
