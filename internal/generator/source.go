package generator

import (
	"context"
	"fmt"
	"sync"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
)

// Subject is everything the generator knows about one requested type.
type Subject struct {
	Name     string
	Identity Identity
	Schema   *Bundle
	// Context is extra material for the model, such as the CRD manifest.
	Context string
}

// Source turns a requested name into a subject. Errors may carry the step
// that failed via stepError.
type Source interface {
	Discover(ctx context.Context, name string) (*Subject, error)
}

// ModelAPI is the part of the cluster the full-model source needs.
type ModelAPI interface {
	Discovery
	OpenAPIModel(ctx context.Context) ([]byte, error)
}

// ModelSource resolves names against the cluster's OpenAPI v2 model. The model
// is fetched once, on first use.
type ModelSource struct {
	api ModelAPI

	once  sync.Once
	model *Model
	err   error
}

func NewModelSource(api ModelAPI) *ModelSource {
	return &ModelSource{api: api}
}

// NewModelSourceFrom uses an already loaded model.
func NewModelSourceFrom(m *Model, d Discovery) *ModelSource {
	s := &ModelSource{api: discoveryOnly{d}, model: m}
	s.once.Do(func() {})
	return s
}

func (s *ModelSource) load(ctx context.Context) (*Model, error) {
	s.once.Do(func() {
		var data []byte
		data, s.err = s.api.OpenAPIModel(ctx)
		if s.err != nil {
			s.err = fmt.Errorf("fetch openapi model: %w", s.err)
			return
		}
		s.model, s.err = ParseModel(data)
	})
	return s.model, s.err
}

func (s *ModelSource) Discover(ctx context.Context, name string) (*Subject, error) {
	m, err := s.load(ctx)
	if err != nil {
		return nil, stepError(StepDiscover, err)
	}
	defName, err := m.FindDefinition(name)
	if err != nil {
		return nil, stepError(StepDiscover, err)
	}

	bundle, err := Expand(m, defName)
	if err != nil {
		return nil, stepError(StepExpand, err)
	}

	gvk, err := GVKOf(bundle.RootDefinition())
	if err != nil {
		return nil, stepError(StepIdentity, err)
	}
	id, err := ResolveIdentity(ctx, s.api, gvk)
	if err != nil {
		return nil, stepError(StepIdentity, err)
	}

	return &Subject{Name: name, Identity: id, Schema: bundle}, nil
}

type discoveryOnly struct {
	Discovery
}

func (discoveryOnly) OpenAPIModel(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("openapi model not available")
}

// CRDAPI fetches CRDs by name.
type CRDAPI interface {
	GetCRD(ctx context.Context, name string) (*apiextensionsv1.CustomResourceDefinition, error)
}

// CRDSource resolves names as CRD names (<plural>.<group>) in the cluster.
type CRDSource struct {
	API CRDAPI
}

func (s CRDSource) Discover(ctx context.Context, name string) (*Subject, error) {
	crd, err := s.API.GetCRD(ctx, name)
	if err != nil {
		return nil, stepError(StepDiscover, err)
	}
	sub, err := FromCRD(name, crd)
	if err != nil {
		return nil, stepError(StepDiscover, err)
	}
	return sub, nil
}

// FileSource treats names as paths to CRD manifests.
type FileSource struct{}

func (FileSource) Discover(_ context.Context, path string) (*Subject, error) {
	crd, err := ReadCRDFile(path)
	if err != nil {
		return nil, stepError(StepDiscover, err)
	}
	sub, err := FromCRD(path, crd)
	if err != nil {
		return nil, stepError(StepDiscover, err)
	}
	return sub, nil
}
