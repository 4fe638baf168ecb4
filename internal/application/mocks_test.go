package application

import (
	"context"
	"io"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
)

// mockInspector implements output.Inspector for testing.
type mockInspector struct {
	source  *mockSource
	openErr error
}

func (m *mockInspector) Open(_ context.Context, _ string) (output.Source, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return m.source, nil
}

// mockSource implements output.Source.
type mockSource struct {
	descriptions []domain.SourceDescription
	features     map[int][]*domain.Feature
	fileType     string
	closed       bool
}

func (m *mockSource) DescribeFields(_ context.Context) ([]domain.SourceDescription, error) {
	return m.descriptions, nil
}

func (m *mockSource) FileType() string {
	if m.fileType == "" {
		return "GeoJSON"
	}
	return m.fileType
}

func (m *mockSource) ReadLayer(_ context.Context, index int) (output.FeatureReader, error) {
	features, ok := m.features[index]
	if !ok {
		return nil, domain.ErrLayerNotFound
	}
	return &mockReader{features: features}, nil
}

func (m *mockSource) Close() error {
	m.closed = true
	return nil
}

type mockReader struct {
	features []*domain.Feature
	pos      int
}

func (m *mockReader) Next() (*domain.Feature, error) {
	if m.pos >= len(m.features) {
		return nil, io.EOF
	}
	f := m.features[m.pos]
	m.pos++
	return f, nil
}

func (m *mockReader) Close() error { return nil }

// mockStore implements output.TargetStore backed by in-memory layers.
type mockStore struct {
	layers    map[string]*mockLayer
	strategy  output.CopyStrategy
	ensureErr error
	closed    bool

	// renameAll, when set, is handed to every created layer so tests can
	// simulate a backend that launders field names.
	renameAll func(string) string
}

func newMockStore() *mockStore {
	return &mockStore{layers: map[string]*mockLayer{}}
}

func (m *mockStore) EnsureLayer(_ context.Context, name string, geom domain.GeometryType, srs string) (output.EnsureOutcome, output.TargetLayer, error) {
	if m.ensureErr != nil {
		return 0, nil, m.ensureErr
	}
	if layer, ok := m.layers[name]; ok {
		return output.LayerExists, layer, nil
	}
	layer := &mockLayer{name: name, geom: geom, srs: srs, renameAll: m.renameAll}
	m.layers[name] = layer
	return output.LayerCreated, layer, nil
}

func (m *mockStore) HasLayer(_ context.Context, name string) (bool, error) {
	_, ok := m.layers[name]
	return ok, nil
}

func (m *mockStore) SetCopyStrategy(s output.CopyStrategy) { m.strategy = s }

func (m *mockStore) Close() error {
	m.closed = true
	return nil
}

// mockLayer implements output.TargetLayer.
type mockLayer struct {
	name     string
	geom     domain.GeometryType
	srs      string
	fields   []domain.FieldDef
	written  []*domain.Feature
	flushed  bool
	writeErr error

	// renameAll simulates a store that launders every field name.
	renameAll func(string) string
}

func (m *mockLayer) Name() string      { return m.name }
func (m *mockLayer) FIDColumn() string { return "fid" }

func (m *mockLayer) CreateField(_ context.Context, def domain.FieldDef) (string, error) {
	name := def.Name
	if m.renameAll != nil {
		name = m.renameAll(def.Name)
	}
	m.fields = append(m.fields, domain.FieldDef{Name: name, Type: def.Type})
	return name, nil
}

func (m *mockLayer) Fields(_ context.Context) ([]domain.FieldDef, error) {
	return m.fields, nil
}

func (m *mockLayer) WriteFeature(_ context.Context, f *domain.Feature) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.written = append(m.written, f)
	return nil
}

func (m *mockLayer) Flush(_ context.Context) error {
	m.flushed = true
	return nil
}

func (m *mockLayer) FeatureCount(_ context.Context) (int64, error) {
	return int64(len(m.written)), nil
}

// mockEncoder implements output.RasterEncoder.
type mockEncoder struct {
	encoded   []string
	encodeErr error
}

func (m *mockEncoder) Encode(_ context.Context, src, dest string) error {
	if m.encodeErr != nil {
		return m.encodeErr
	}
	m.encoded = append(m.encoded, dest)
	return nil
}

func (m *mockEncoder) OutputExt() string { return ".gpkg" }

// recordingHandler implements Handler for pipeline tests.
type recordingHandler struct {
	name    string
	canRun  bool
	result  any
	err     error
	ran     int
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) CanRun(_ string, _ *domain.LayerConfiguration) bool {
	return h.canRun
}

func (h *recordingHandler) Run(_ context.Context, _ string, _ *domain.LayerConfiguration, _ map[string]any) (any, error) {
	h.ran++
	if h.err != nil {
		return nil, h.err
	}
	return h.result, nil
}
