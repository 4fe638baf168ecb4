package handlers

import (
	"context"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// mockCatalog implements output.Catalog, recording every call.
type mockCatalog struct {
	stores     []string
	published  []string
	coverages  []string
	timed      []string
	seeded     map[string][]byte
	records    []output.CatalogRecord
	bounds     []string
	setBounds  [][]string
	ensureErr  error
	publishErr error
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{seeded: map[string][]byte{}}
}

func (m *mockCatalog) EnsureStore(_ context.Context, name string, _ map[string]string) (string, error) {
	if m.ensureErr != nil {
		return "", m.ensureErr
	}
	m.stores = append(m.stores, name)
	return name, nil
}

func (m *mockCatalog) PublishLayer(_ context.Context, store, layer, _ string) (map[string]any, error) {
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	m.published = append(m.published, store+"/"+layer)
	return map[string]any{"href": "/layers/" + layer}, nil
}

func (m *mockCatalog) PublishCoverage(_ context.Context, name, _ string) (map[string]any, error) {
	m.coverages = append(m.coverages, name)
	return map[string]any{"href": "/coverages/" + name}, nil
}

func (m *mockCatalog) ConfigureTime(_ context.Context, layer, startAttr, endAttr string) error {
	m.timed = append(m.timed, layer+":"+startAttr+":"+endAttr)
	return nil
}

func (m *mockCatalog) GetLayerBounds(_ context.Context, _ string) ([]string, error) {
	return m.bounds, nil
}

func (m *mockCatalog) SetLayerBounds(_ context.Context, _ string, bbox []string, _ string) error {
	m.setBounds = append(m.setBounds, bbox)
	return nil
}

func (m *mockCatalog) SeedCache(_ context.Context, layer string, config []byte) error {
	m.seeded[layer] = config
	return nil
}

func (m *mockCatalog) CreateRecord(_ context.Context, record output.CatalogRecord) (string, error) {
	m.records = append(m.records, record)
	return "record-1", nil
}

func (m *mockCatalog) HasLayer(_ context.Context, layer string) (bool, error) {
	for _, p := range m.published {
		if p == layer {
			return true, nil
		}
	}
	return false, nil
}

// mockConverterStore implements ConverterStore; only the converter
// methods do anything.
type mockConverterStore struct {
	converted []string
	bigDates  []string
	closed    bool
	err       error
}

func (m *mockConverterStore) EnsureLayer(_ context.Context, name string, _ domain.GeometryType, _ string) (output.EnsureOutcome, output.TargetLayer, error) {
	return output.LayerCreated, nil, nil
}

func (m *mockConverterStore) HasLayer(_ context.Context, _ string) (bool, error) { return false, nil }
func (m *mockConverterStore) SetCopyStrategy(_ output.CopyStrategy)              {}

func (m *mockConverterStore) Close() error {
	m.closed = true
	return nil
}

func (m *mockConverterStore) ConvertField(_ context.Context, layer, field string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.converted = append(m.converted, layer+"."+field)
	return field + "_as_date", nil
}

func (m *mockConverterStore) ConvertBigDateField(_ context.Context, layer, field string) (string, string, error) {
	if m.err != nil {
		return "", "", m.err
	}
	m.bigDates = append(m.bigDates, layer+"."+field)
	return field + "_xd", field + "_parsed", nil
}

func testDeps(catalog *mockCatalog, store *mockConverterStore) Deps {
	return Deps{
		Stores: func(_ context.Context) (ConverterStore, error) {
			return store, nil
		},
		Catalog:     catalog,
		StoreName:   "strata",
		StoreParams: map[string]string{"dbtype": "postgis"},
	}
}
