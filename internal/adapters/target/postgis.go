// Package target implements the writable datastore port for PostGIS
// and GeoPackage backends.
package target

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/naming"
	"github.com/jobrunner/strata/internal/ports/output"
	"github.com/jobrunner/strata/internal/timeparse"
)

// pgMaxIdentifier is the identifier length limit PostgreSQL truncates
// at (NAMEDATALEN - 1 bytes).
const pgMaxIdentifier = 63

// PostGISStore writes layers into a PostGIS-enabled database.
type PostGISStore struct {
	db       *sql.DB
	mu       sync.Mutex
	strategy output.CopyStrategy
}

// NewPostGISStore connects to the datastore behind the lib/pq DSN and
// verifies that the PostGIS extension answers.
func NewPostGISStore(ctx context.Context, dsn string) (*PostGISStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &domain.TargetError{Operation: "connect", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.TargetError{Operation: "connect", Err: err}
	}
	var version string
	if err := db.QueryRowContext(ctx, "SELECT PostGIS_Version()").Scan(&version); err != nil {
		_ = db.Close()
		return nil, &domain.TargetError{Operation: "connect", Err: fmt.Errorf("postgis extension not available: %w", err)}
	}
	return &PostGISStore{db: db}, nil
}

func (s *PostGISStore) Close() error { return s.db.Close() }

func (s *PostGISStore) SetCopyStrategy(strategy output.CopyStrategy) {
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
}

func (s *PostGISStore) copyStrategy() output.CopyStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// HasLayer checks the default schema for a relation with the given
// name.
func (s *PostGISStore) HasLayer(ctx context.Context, name string) (bool, error) {
	var reg sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT to_regclass($1)::text", pq.QuoteIdentifier(name)).Scan(&reg)
	if err != nil {
		return false, &domain.TargetError{Operation: "has_layer", Layer: name, Err: err}
	}
	return reg.Valid && reg.String != "", nil
}

// EnsureLayer creates the feature table when absent. The table carries
// a bigserial fid primary key and one geometry column; attribute
// columns are added afterwards through CreateField.
func (s *PostGISStore) EnsureLayer(ctx context.Context, name string, geom domain.GeometryType, srs string) (output.EnsureOutcome, output.TargetLayer, error) {
	exists, err := s.HasLayer(ctx, name)
	if err != nil {
		return 0, nil, err
	}
	layer := &postgisLayer{store: s, name: name, srid: sridOf(srs)}
	if exists {
		return output.LayerExists, layer, nil
	}

	geomDecl := "geometry"
	if geom != "" && geom != domain.GeomUnknown && geom != domain.GeomNone {
		geomDecl = fmt.Sprintf("geometry(%s,%d)", strings.ToUpper(string(geom)), layer.srid)
	}
	query := fmt.Sprintf(
		`CREATE TABLE %s (fid bigserial PRIMARY KEY, geom %s)`,
		pq.QuoteIdentifier(name), geomDecl,
	) //#nosec G201 -- identifier quoted via pq.QuoteIdentifier
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if isDuplicateTable(err) {
			return output.LayerExists, layer, nil
		}
		return 0, nil, &domain.TargetError{Operation: "create_layer", Layer: name, Err: err}
	}
	return output.LayerCreated, layer, nil
}

// isDuplicateTable matches the duplicate_table SQLSTATE so a racing
// create is treated as an exists outcome.
func isDuplicateTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P07"
	}
	return false
}

// sortedPropertyKeys fixes attribute order for transfer statements.
func sortedPropertyKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sridOf parses an "EPSG:nnnn" reference; unknown references fall back
// to 4326.
func sridOf(srs string) int {
	srs = strings.TrimSpace(strings.ToUpper(srs))
	srs = strings.TrimPrefix(srs, "EPSG:")
	var srid int
	if _, err := fmt.Sscanf(srs, "%d", &srid); err != nil || srid <= 0 {
		return 4326
	}
	return srid
}

// postgisLayer is one feature table. Bulk writes are buffered in a
// transaction-scoped COPY that Flush terminates.
type postgisLayer struct {
	store *PostGISStore
	name  string
	srid  int

	fields []domain.FieldDef

	tx       *sql.Tx
	stmt     *sql.Stmt
	copyCols []string
	wroteFID bool
}

func (l *postgisLayer) Name() string      { return l.name }
func (l *postgisLayer) FIDColumn() string { return "fid" }

// CreateField launders and truncates the requested name to the
// PostgreSQL identifier limit, resolving truncation collisions by
// numeric increment, and adds the column.
func (l *postgisLayer) CreateField(ctx context.Context, def domain.FieldDef) (string, error) {
	existing, err := l.Fields(ctx)
	if err != nil {
		return "", err
	}
	taken := map[string]bool{"fid": true, "geom": true}
	for _, f := range existing {
		taken[f.Name] = true
	}
	name := FitIdentifier(def.Name, pgMaxIdentifier, taken)

	query := fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`,
		pq.QuoteIdentifier(l.name), pq.QuoteIdentifier(name), pgFieldType(def.Type),
	) //#nosec G201 -- identifiers quoted via pq.QuoteIdentifier
	if _, err := l.store.db.ExecContext(ctx, query); err != nil {
		return "", &domain.TargetError{Operation: "create_field", Layer: l.name, Err: err}
	}
	l.fields = nil // invalidate cache
	return name, nil
}

// Fields reads the attribute columns of the table, excluding the fid
// and geometry columns.
func (l *postgisLayer) Fields(ctx context.Context) ([]domain.FieldDef, error) {
	if l.fields != nil {
		return l.fields, nil
	}
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = $1 AND table_schema = current_schema()
		ORDER BY ordinal_position
	`, l.name)
	if err != nil {
		return nil, &domain.TargetError{Operation: "fields", Layer: l.name, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var fields []domain.FieldDef
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		if name == "fid" || name == "geom" {
			continue
		}
		fields = append(fields, domain.FieldDef{Name: name, Type: pgTypeToField(dataType)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	l.fields = fields
	return fields, nil
}

// WriteFeature persists one feature under the store's copy strategy.
func (l *postgisLayer) WriteFeature(ctx context.Context, f *domain.Feature) error {
	if l.store.copyStrategy() == output.CopyBulk {
		return l.writeBulk(ctx, f)
	}
	return l.writeRow(ctx, f)
}

// featureColumns fixes the column order of a transfer: optional fid,
// geometry, then the feature's attribute names sorted for determinism.
// Attributes shadowing the fid or geometry column are dropped rather
// than listed twice; PostgreSQL rejects a duplicate column in both the
// COPY and INSERT paths.
func featureColumns(f *domain.Feature) []string {
	cols := make([]string, 0, len(f.Properties)+2)
	if f.HasFID {
		cols = append(cols, "fid")
	}
	cols = append(cols, "geom")
	for _, k := range sortedPropertyKeys(f.Properties) {
		if strings.EqualFold(k, "geom") || (f.HasFID && strings.EqualFold(k, "fid")) {
			continue
		}
		cols = append(cols, k)
	}
	return cols
}

func (l *postgisLayer) featureValues(cols []string, f *domain.Feature) ([]any, error) {
	vals := make([]any, 0, len(cols))
	for _, c := range cols {
		switch c {
		case "fid":
			vals = append(vals, f.FID)
		case "geom":
			g, err := geometryValue(f.Geometry, l.srid)
			if err != nil {
				return nil, err
			}
			vals = append(vals, g)
		default:
			vals = append(vals, f.Properties[c])
		}
	}
	return vals, nil
}

// geometryValue renders a geometry as hex EWKB, which PostGIS accepts
// as geometry input in both COPY and parameter positions.
func geometryValue(g orb.Geometry, srid int) (any, error) {
	if g == nil {
		return nil, nil
	}
	data, err := ewkb.Marshal(g, srid)
	if err != nil {
		return nil, err
	}
	return hex.EncodeToString(data), nil
}

func (l *postgisLayer) writeBulk(ctx context.Context, f *domain.Feature) error {
	if l.stmt == nil {
		tx, err := l.store.db.BeginTx(ctx, nil)
		if err != nil {
			return &domain.TargetError{Operation: "copy", Layer: l.name, Err: err}
		}
		cols := featureColumns(f)
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn(l.name, cols...))
		if err != nil {
			_ = tx.Rollback()
			return &domain.TargetError{Operation: "copy", Layer: l.name, Err: err}
		}
		l.tx, l.stmt, l.copyCols = tx, stmt, cols
	}
	if f.HasFID {
		l.wroteFID = true
	}
	vals, err := l.featureValues(l.copyCols, f)
	if err != nil {
		return &domain.TargetError{Operation: "copy", Layer: l.name, Err: err}
	}
	if _, err := l.stmt.ExecContext(ctx, vals...); err != nil {
		return &domain.TargetError{Operation: "copy", Layer: l.name, Err: err}
	}
	return nil
}

func (l *postgisLayer) writeRow(ctx context.Context, f *domain.Feature) error {
	cols := featureColumns(f)
	if f.HasFID {
		l.wroteFID = true
	}
	vals, err := l.featureValues(cols, f)
	if err != nil {
		return &domain.TargetError{Operation: "insert", Layer: l.name, Err: err}
	}
	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
		if c == "geom" {
			params[i] = fmt.Sprintf("$%d::geometry", i+1)
		} else {
			params[i] = fmt.Sprintf("$%d", i+1)
		}
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)`,
		pq.QuoteIdentifier(l.name), strings.Join(quoted, ", "), strings.Join(params, ", "),
	) //#nosec G201 -- identifiers quoted via pq.QuoteIdentifier
	if _, err := l.store.db.ExecContext(ctx, query, vals...); err != nil {
		return &domain.TargetError{Operation: "insert", Layer: l.name, Err: err}
	}
	return nil
}

// Flush terminates a pending COPY and realigns the fid sequence when
// source identifiers were written explicitly.
func (l *postgisLayer) Flush(ctx context.Context) error {
	if l.stmt != nil {
		if _, err := l.stmt.ExecContext(ctx); err != nil {
			_ = l.tx.Rollback()
			l.stmt, l.tx = nil, nil
			return &domain.TargetError{Operation: "copy_flush", Layer: l.name, Err: err}
		}
		if err := l.stmt.Close(); err != nil {
			_ = l.tx.Rollback()
			l.stmt, l.tx = nil, nil
			return &domain.TargetError{Operation: "copy_flush", Layer: l.name, Err: err}
		}
		if err := l.tx.Commit(); err != nil {
			l.stmt, l.tx = nil, nil
			return &domain.TargetError{Operation: "copy_flush", Layer: l.name, Err: err}
		}
		l.stmt, l.tx = nil, nil
	}
	if l.wroteFID {
		query := fmt.Sprintf(
			`SELECT setval(pg_get_serial_sequence('%s', 'fid'), COALESCE((SELECT MAX(fid) FROM %s), 0) + 1, false)`,
			pq.QuoteIdentifier(l.name), pq.QuoteIdentifier(l.name),
		) //#nosec G201 -- identifier quoted via pq.QuoteIdentifier
		if _, err := l.store.db.ExecContext(ctx, query); err != nil {
			return &domain.TargetError{Operation: "fid_sequence", Layer: l.name, Err: err}
		}
	}
	return nil
}

func (l *postgisLayer) FeatureCount(ctx context.Context) (int64, error) {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, pq.QuoteIdentifier(l.name)) //#nosec G201
	if err := l.store.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, &domain.TargetError{Operation: "count", Layer: l.name, Err: err}
	}
	return count, nil
}

// tableColumns returns the set of column names a table currently holds.
func (s *PostGISStore) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_name = $1 AND table_schema = current_schema()
	`, table)
	if err != nil {
		return nil, &domain.TargetError{Operation: "fields", Layer: table, Err: err}
	}
	defer func() { _ = rows.Close() }()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// ConvertField adds "<field>_as_date" and fills it by parsing the
// source strings row by row. Unparseable values leave a NULL. The
// source field is reconciled against the table's columns first, and
// the new column name increments past any existing column rather than
// reusing one of unknown type.
func (s *PostGISStore) ConvertField(ctx context.Context, layer, field string) (string, error) {
	cols, err := s.tableColumns(ctx, layer)
	if err != nil {
		return "", err
	}
	field = reconcileColumn(field, cols)
	newField := FitIdentifier(field+"_as_date", pgMaxIdentifier, cols)
	alter := fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s timestamp`,
		pq.QuoteIdentifier(layer), pq.QuoteIdentifier(newField),
	) //#nosec G201 -- identifiers quoted via pq.QuoteIdentifier
	if _, err := s.db.ExecContext(ctx, alter); err != nil {
		return "", &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
	}

	err = s.updateParsedRows(ctx, layer, field, func(raw string) ([]string, []any, bool) {
		t, err := timeparse.ParseTime(raw)
		if err != nil {
			return nil, nil, false
		}
		return []string{newField}, []any{t}, true
	})
	if err != nil {
		return "", err
	}
	return newField, nil
}

// ConvertBigDateField adds the paired "<field>_xd" epoch-milliseconds
// and "<field>_parsed" canonical-text columns. The xd column uses the
// bigdate domain so downstream tooling can recognize it.
func (s *PostGISStore) ConvertBigDateField(ctx context.Context, layer, field string) (string, string, error) {
	// CREATE DOMAIN has no IF NOT EXISTS; swallow duplicate_object.
	domainSQL := `DO $$ BEGIN CREATE DOMAIN bigdate AS bigint; EXCEPTION WHEN duplicate_object THEN NULL; END $$`
	if _, err := s.db.ExecContext(ctx, domainSQL); err != nil {
		return "", "", &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
	}

	cols, err := s.tableColumns(ctx, layer)
	if err != nil {
		return "", "", err
	}
	field = reconcileColumn(field, cols)
	xdField := FitIdentifier(field+"_xd", pgMaxIdentifier, cols)
	cols[xdField] = true
	parsedField := FitIdentifier(field+"_parsed", pgMaxIdentifier, cols)
	alter := fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s bigdate, ADD COLUMN %s varchar`,
		pq.QuoteIdentifier(layer), pq.QuoteIdentifier(xdField), pq.QuoteIdentifier(parsedField),
	) //#nosec G201 -- identifiers quoted via pq.QuoteIdentifier
	if _, err := s.db.ExecContext(ctx, alter); err != nil {
		return "", "", &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
	}

	err = s.updateParsedRows(ctx, layer, field, func(raw string) ([]string, []any, bool) {
		ms, canonical, err := timeparse.Parse(raw)
		if err != nil {
			return nil, nil, false
		}
		return []string{xdField, parsedField}, []any{ms, canonical}, true
	})
	if err != nil {
		return "", "", err
	}
	return xdField, parsedField, nil
}

// updateParsedRows scans the source column and applies per-row updates
// computed by parse. All updates run in one transaction.
func (s *PostGISStore) updateParsedRows(ctx context.Context, layer, field string, parse func(string) ([]string, []any, bool)) error {
	selectSQL := fmt.Sprintf(
		`SELECT fid, %s::text FROM %s WHERE %s IS NOT NULL`,
		pq.QuoteIdentifier(field), pq.QuoteIdentifier(layer), pq.QuoteIdentifier(field),
	) //#nosec G201 -- identifiers quoted via pq.QuoteIdentifier
	rows, err := s.db.QueryContext(ctx, selectSQL)
	if err != nil {
		return &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
	}

	type update struct {
		fid  int64
		cols []string
		vals []any
	}
	var updates []update
	for rows.Next() {
		var fid int64
		var raw string
		if err := rows.Scan(&fid, &raw); err != nil {
			_ = rows.Close()
			return &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
		}
		if cols, vals, ok := parse(raw); ok {
			updates = append(updates, update{fid: fid, cols: cols, vals: vals})
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
	}
	_ = rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
	}
	for _, u := range updates {
		sets := make([]string, len(u.cols))
		for i, c := range u.cols {
			sets[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c), i+1)
		}
		query := fmt.Sprintf(
			`UPDATE %s SET %s WHERE fid = $%d`,
			pq.QuoteIdentifier(layer), strings.Join(sets, ", "), len(u.cols)+1,
		) //#nosec G201 -- identifiers quoted via pq.QuoteIdentifier
		args := append(append([]any{}, u.vals...), u.fid)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
	}
	return nil
}

// pgFieldType maps a normalized field type to its PostgreSQL column
// type.
func pgFieldType(t domain.FieldType) string {
	switch t {
	case domain.FieldInteger:
		return "integer"
	case domain.FieldInteger64:
		return "bigint"
	case domain.FieldReal:
		return "double precision"
	case domain.FieldDate:
		return "date"
	case domain.FieldDateTime:
		return "timestamp"
	case domain.FieldBinary:
		return "bytea"
	}
	return "varchar"
}

func pgTypeToField(dataType string) domain.FieldType {
	switch strings.ToLower(dataType) {
	case "integer", "smallint":
		return domain.FieldInteger
	case "bigint":
		return domain.FieldInteger64
	case "double precision", "real", "numeric":
		return domain.FieldReal
	case "date":
		return domain.FieldDate
	case "timestamp", "timestamp without time zone", "timestamp with time zone":
		return domain.FieldDateTime
	case "bytea":
		return domain.FieldBinary
	}
	return domain.FieldString
}

// dbfMaxFieldName is the dbf attribute-name limit. Schemas created
// from a truncating source hold columns cut to this length.
const dbfMaxFieldName = 10

// reconcileColumn resolves a requested field name against a table's
// actual columns. An exact match wins; otherwise the laundered,
// dbf-truncated form of the name is tried, so appends and conversions
// addressed by the source's full field name still find the column a
// truncating upload created.
func reconcileColumn(name string, cols map[string]bool) string {
	if cols[name] {
		return name
	}
	trunc := naming.Launder(name)
	if len(trunc) > dbfMaxFieldName {
		trunc = trunc[:dbfMaxFieldName]
	}
	if cols[trunc] {
		return trunc
	}
	return name
}

// FitIdentifier launders a requested field name, truncates it to the
// store's identifier limit and resolves collisions with already-taken
// names by numeric increment.
func FitIdentifier(requested string, limit int, taken map[string]bool) string {
	name := naming.Launder(requested)
	if len(name) > limit {
		name = name[:limit]
	}
	for attempt := 0; taken[name] && attempt < naming.MaxAttempts; attempt++ {
		name = naming.Increment(name)
		if len(name) > limit {
			name = name[:limit]
			name = naming.Increment(name)
		}
	}
	return name
}
