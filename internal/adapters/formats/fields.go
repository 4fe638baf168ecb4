package formats

import (
	"math"
	"sort"

	"github.com/jobrunner/strata/internal/domain"
)

// fieldInferrer accumulates attribute names and value types across a
// scan of a layer's features and produces a stable field schema in
// first-seen order.
type fieldInferrer struct {
	order []string
	types map[string]domain.FieldType
}

func newFieldInferrer() *fieldInferrer {
	return &fieldInferrer{types: make(map[string]domain.FieldType)}
}

func (fi *fieldInferrer) observe(props map[string]any) {
	for _, k := range sortedKeysOnce(props, fi.types) {
		fi.order = append(fi.order, k)
		fi.types[k] = ""
	}
	for k, v := range props {
		fi.types[k] = mergeFieldType(fi.types[k], typeOfValue(v))
	}
}

func (fi *fieldInferrer) fields() []domain.FieldDef {
	out := make([]domain.FieldDef, 0, len(fi.order))
	for _, name := range fi.order {
		t := fi.types[name]
		if t == "" {
			t = domain.FieldString
		}
		out = append(out, domain.FieldDef{Name: name, Type: t})
	}
	return out
}

// sortedKeysOnce returns the keys of props not yet seen, sorted so the
// inferred schema is identical across re-inspections of the same bytes.
func sortedKeysOnce(props map[string]any, seen map[string]domain.FieldType) []string {
	var fresh []string
	for k := range props {
		if _, ok := seen[k]; !ok {
			fresh = append(fresh, k)
		}
	}
	sort.Strings(fresh)
	return fresh
}

func typeOfValue(v any) domain.FieldType {
	switch n := v.(type) {
	case nil:
		return ""
	case bool:
		return domain.FieldInteger
	case int, int32:
		return domain.FieldInteger
	case int64:
		return domain.FieldInteger64
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<31 {
			return domain.FieldInteger
		}
		return domain.FieldReal
	case float32:
		return domain.FieldReal
	case string:
		return domain.FieldString
	case []byte:
		return domain.FieldBinary
	}
	return domain.FieldString
}

// mergeFieldType widens a running type with a newly observed one.
// Integer widens to Integer64 widens to Real; anything mixed with a
// string collapses to String.
func mergeFieldType(have, observed domain.FieldType) domain.FieldType {
	if observed == "" {
		return have
	}
	if have == "" || have == observed {
		return observed
	}
	numeric := func(t domain.FieldType) int {
		switch t {
		case domain.FieldInteger:
			return 1
		case domain.FieldInteger64:
			return 2
		case domain.FieldReal:
			return 3
		}
		return 0
	}
	if a, b := numeric(have), numeric(observed); a > 0 && b > 0 {
		if a > b {
			return have
		}
		return observed
	}
	return domain.FieldString
}

// geomAccumulator applies the single/multi widening rule across a
// feature scan: a layer mixing single and multi parts of one family is
// reported as the multi type, so a target schema created from the
// description can hold every feature.
type geomAccumulator struct {
	result domain.GeometryType
	mixed  bool
}

func (ga *geomAccumulator) observe(t domain.GeometryType) {
	if t == domain.GeomNone || t == domain.GeomUnknown {
		return
	}
	if ga.mixed {
		return
	}
	if ga.result == "" {
		ga.result = t
		return
	}
	if ga.result == t {
		return
	}
	if ga.result.SameFamily(t) {
		ga.result = ga.result.Multi()
		return
	}
	ga.mixed = true
}

func (ga *geomAccumulator) geometryType() domain.GeometryType {
	if ga.mixed {
		return domain.GeomGeometryCollection
	}
	if ga.result == "" {
		return domain.GeomUnknown
	}
	return ga.result
}
