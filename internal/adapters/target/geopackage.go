package target

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/strata/internal/domain"
	"github.com/jobrunner/strata/internal/ports/output"
	"github.com/jobrunner/strata/internal/timeparse"
)

// GeoPackageStore writes layers into a GeoPackage file, creating the
// required metadata tables on first use. It serves the file-based
// datastore option; PostGIS remains the default for shared stores.
type GeoPackageStore struct {
	db       *sql.DB
	mu       sync.Mutex
	strategy output.CopyStrategy
}

// NewGeoPackageStore opens (or creates) a GeoPackage at path.
func NewGeoPackageStore(ctx context.Context, path string) (*GeoPackageStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &domain.TargetError{Operation: "connect", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.TargetError{Operation: "connect", Err: err}
	}
	s := &GeoPackageStore{db: db}
	if err := s.ensureSkeleton(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *GeoPackageStore) Close() error { return s.db.Close() }

func (s *GeoPackageStore) SetCopyStrategy(strategy output.CopyStrategy) {
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
}

// ensureSkeleton creates the GeoPackage metadata tables and the
// baseline spatial reference entries.
func (s *GeoPackageStore) ensureSkeleton(ctx context.Context) error {
	statements := []string{
		`PRAGMA application_id = 0x47504B47`,
		`CREATE TABLE IF NOT EXISTS gpkg_spatial_ref_sys (
			srs_name TEXT NOT NULL,
			srs_id INTEGER PRIMARY KEY,
			organization TEXT NOT NULL,
			organization_coordsys_id INTEGER NOT NULL,
			definition TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS gpkg_contents (
			table_name TEXT PRIMARY KEY,
			data_type TEXT NOT NULL,
			identifier TEXT UNIQUE,
			description TEXT DEFAULT '',
			last_change DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
			srs_id INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
			table_name TEXT PRIMARY KEY,
			column_name TEXT NOT NULL,
			geometry_type_name TEXT NOT NULL,
			srs_id INTEGER NOT NULL,
			z TINYINT NOT NULL DEFAULT 0,
			m TINYINT NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO gpkg_spatial_ref_sys VALUES
			('Undefined Cartesian', -1, 'NONE', -1, 'undefined', NULL),
			('Undefined Geographic', 0, 'NONE', 0, 'undefined', NULL),
			('WGS 84', 4326, 'EPSG', 4326, 'GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","4326"]]', NULL),
			('Web Mercator', 3857, 'EPSG', 3857, 'PROJCS["WGS 84 / Pseudo-Mercator",AUTHORITY["EPSG","3857"]]', NULL)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &domain.TargetError{Operation: "init", Err: err}
		}
	}
	return nil
}

func (s *GeoPackageStore) HasLayer(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gpkg_contents WHERE table_name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, &domain.TargetError{Operation: "has_layer", Layer: name, Err: err}
	}
	return count > 0, nil
}

func (s *GeoPackageStore) EnsureLayer(ctx context.Context, name string, geom domain.GeometryType, srs string) (output.EnsureOutcome, output.TargetLayer, error) {
	exists, err := s.HasLayer(ctx, name)
	if err != nil {
		return 0, nil, err
	}
	layer := &gpkgTargetLayer{store: s, name: name, srid: sridOf(srs)}
	if exists {
		return output.LayerExists, layer, nil
	}

	create := fmt.Sprintf(
		`CREATE TABLE %s (fid INTEGER PRIMARY KEY AUTOINCREMENT, geom BLOB)`,
		quoteSQLite(name),
	) //#nosec G201 -- identifier quoted
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return 0, nil, &domain.TargetError{Operation: "create_layer", Layer: name, Err: err}
	}

	typeName := "GEOMETRY"
	if geom != "" && geom != domain.GeomUnknown && geom != domain.GeomNone {
		typeName = strings.ToUpper(string(geom))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, &domain.TargetError{Operation: "create_layer", Layer: name, Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, srs_id) VALUES (?, 'features', ?, ?)`,
		name, name, layer.srid,
	); err != nil {
		_ = tx.Rollback()
		return 0, nil, &domain.TargetError{Operation: "create_layer", Layer: name, Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id) VALUES (?, 'geom', ?, ?)`,
		name, typeName, layer.srid,
	); err != nil {
		_ = tx.Rollback()
		return 0, nil, &domain.TargetError{Operation: "create_layer", Layer: name, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, &domain.TargetError{Operation: "create_layer", Layer: name, Err: err}
	}
	return output.LayerCreated, layer, nil
}

type gpkgTargetLayer struct {
	store  *GeoPackageStore
	name   string
	srid   int
	fields []domain.FieldDef
	bound  orb.Bound
	dirty  bool
}

func (l *gpkgTargetLayer) Name() string      { return l.name }
func (l *gpkgTargetLayer) FIDColumn() string { return "fid" }

func (l *gpkgTargetLayer) CreateField(ctx context.Context, def domain.FieldDef) (string, error) {
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
		quoteSQLite(l.name), quoteSQLite(name), gpkgFieldType(def.Type),
	) //#nosec G201 -- identifiers quoted
	if _, err := l.store.db.ExecContext(ctx, query); err != nil {
		return "", &domain.TargetError{Operation: "create_field", Layer: l.name, Err: err}
	}
	l.fields = nil
	return name, nil
}

func (l *gpkgTargetLayer) Fields(ctx context.Context) ([]domain.FieldDef, error) {
	if l.fields != nil {
		return l.fields, nil
	}
	rows, err := l.store.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteSQLite(l.name))) //#nosec G201
	if err != nil {
		return nil, &domain.TargetError{Operation: "fields", Layer: l.name, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var fields []domain.FieldDef
	for rows.Next() {
		var cid, notnull, pk int
		var name, declType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &declType, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		if pk > 0 || name == "geom" {
			continue
		}
		fields = append(fields, domain.FieldDef{Name: name, Type: gpkgTypeToField(declType)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	l.fields = fields
	return fields, nil
}

// WriteFeature inserts one feature. SQLite has no COPY path, so both
// copy strategies take the same insert route.
func (l *gpkgTargetLayer) WriteFeature(ctx context.Context, f *domain.Feature) error {
	cols := featureColumns(f)
	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	vals := make([]any, 0, len(cols))
	for i, c := range cols {
		quoted[i] = quoteSQLite(c)
		params[i] = "?"
		switch c {
		case "fid":
			vals = append(vals, f.FID)
		case "geom":
			blob, err := encodeGPKGGeometry(f.Geometry, l.srid)
			if err != nil {
				return &domain.TargetError{Operation: "insert", Layer: l.name, Err: err}
			}
			vals = append(vals, blob)
		default:
			vals = append(vals, f.Properties[c])
		}
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)`,
		quoteSQLite(l.name), strings.Join(quoted, ", "), strings.Join(params, ", "),
	) //#nosec G201 -- identifiers quoted
	if _, err := l.store.db.ExecContext(ctx, query, vals...); err != nil {
		return &domain.TargetError{Operation: "insert", Layer: l.name, Err: err}
	}
	if f.Geometry != nil {
		b := f.Geometry.Bound()
		if !l.dirty {
			l.bound = b
			l.dirty = true
		} else {
			l.bound = l.bound.Union(b)
		}
	}
	return nil
}

// Flush records the accumulated extent in gpkg_contents.
func (l *gpkgTargetLayer) Flush(ctx context.Context) error {
	if !l.dirty {
		return nil
	}
	_, err := l.store.db.ExecContext(ctx,
		`UPDATE gpkg_contents SET min_x = ?, min_y = ?, max_x = ?, max_y = ?,
			last_change = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		 WHERE table_name = ?`,
		l.bound.Min[0], l.bound.Min[1], l.bound.Max[0], l.bound.Max[1], l.name,
	)
	if err != nil {
		return &domain.TargetError{Operation: "flush", Layer: l.name, Err: err}
	}
	return nil
}

func (l *gpkgTargetLayer) FeatureCount(ctx context.Context) (int64, error) {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteSQLite(l.name)) //#nosec G201
	if err := l.store.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, &domain.TargetError{Operation: "count", Layer: l.name, Err: err}
	}
	return count, nil
}

// tableColumns returns the set of column names a table currently holds.
func (s *GeoPackageStore) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteSQLite(table))) //#nosec G201
	if err != nil {
		return nil, &domain.TargetError{Operation: "fields", Layer: table, Err: err}
	}
	defer func() { _ = rows.Close() }()

	cols := map[string]bool{}
	for rows.Next() {
		var cid, notnull, pk int
		var name, declType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &declType, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// ConvertField mirrors the PostGIS converter for file-based stores:
// the source field is reconciled against the table's columns, and the
// new column increments past an existing name instead of reusing it.
func (s *GeoPackageStore) ConvertField(ctx context.Context, layer, field string) (string, error) {
	cols, err := s.tableColumns(ctx, layer)
	if err != nil {
		return "", err
	}
	field = reconcileColumn(field, cols)
	newField := FitIdentifier(field+"_as_date", pgMaxIdentifier, cols)
	alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s DATETIME`,
		quoteSQLite(layer), quoteSQLite(newField)) //#nosec G201
	if _, err := s.db.ExecContext(ctx, alter); err != nil {
		return "", &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
	}
	err = s.updateParsedRows(ctx, layer, field, func(raw string) ([]string, []any, bool) {
		t, err := timeparse.ParseTime(raw)
		if err != nil {
			return nil, nil, false
		}
		return []string{newField}, []any{t.Format("2006-01-02T15:04:05Z")}, true
	})
	if err != nil {
		return "", err
	}
	return newField, nil
}

// ConvertBigDateField stores epoch milliseconds in a plain INTEGER
// column; SQLite has no domain types.
func (s *GeoPackageStore) ConvertBigDateField(ctx context.Context, layer, field string) (string, string, error) {
	cols, err := s.tableColumns(ctx, layer)
	if err != nil {
		return "", "", err
	}
	field = reconcileColumn(field, cols)
	xdField := FitIdentifier(field+"_xd", pgMaxIdentifier, cols)
	cols[xdField] = true
	parsedField := FitIdentifier(field+"_parsed", pgMaxIdentifier, cols)
	for col, declType := range map[string]string{xdField: "INTEGER", parsedField: "TEXT"} {
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`,
			quoteSQLite(layer), quoteSQLite(col), declType) //#nosec G201
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			return "", "", &domain.TargetError{Operation: "convert_field", Layer: layer, Err: err}
		}
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

func (s *GeoPackageStore) updateParsedRows(ctx context.Context, layer, field string, parse func(string) ([]string, []any, bool)) error {
	selectSQL := fmt.Sprintf(`SELECT fid, %s FROM %s WHERE %s IS NOT NULL`,
		quoteSQLite(field), quoteSQLite(layer), quoteSQLite(field)) //#nosec G201
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
			sets[i] = quoteSQLite(c) + " = ?"
		}
		query := fmt.Sprintf(`UPDATE %s SET %s WHERE fid = ?`,
			quoteSQLite(layer), strings.Join(sets, ", ")) //#nosec G201
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

// encodeGPKGGeometry renders the GeoPackage binary blob: the "GP"
// header with a little-endian srs_id and no envelope, followed by WKB.
func encodeGPKGGeometry(g orb.Geometry, srid int) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	body, err := wkb.Marshal(g)
	if err != nil {
		return nil, err
	}
	header := make([]byte, 8)
	header[0], header[1] = 'G', 'P'
	header[2] = 0    // version
	header[3] = 0x01 // little-endian header, no envelope
	binary.LittleEndian.PutUint32(header[4:8], uint32(srid))
	return append(header, body...), nil
}

func quoteSQLite(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func gpkgFieldType(t domain.FieldType) string {
	switch t {
	case domain.FieldInteger:
		return "MEDIUMINT"
	case domain.FieldInteger64:
		return "INTEGER"
	case domain.FieldReal:
		return "DOUBLE"
	case domain.FieldDate:
		return "DATE"
	case domain.FieldDateTime:
		return "DATETIME"
	case domain.FieldBinary:
		return "BLOB"
	}
	return "TEXT"
}

func gpkgTypeToField(decl string) domain.FieldType {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "MEDIUMINT"), strings.Contains(d, "SMALLINT"), strings.Contains(d, "TINYINT"):
		return domain.FieldInteger
	case strings.Contains(d, "INT"):
		return domain.FieldInteger64
	case strings.Contains(d, "DOUB"), strings.Contains(d, "REAL"), strings.Contains(d, "FLOAT"):
		return domain.FieldReal
	case strings.Contains(d, "DATETIME"):
		return domain.FieldDateTime
	case strings.Contains(d, "DATE"):
		return domain.FieldDate
	case strings.Contains(d, "BLOB"):
		return domain.FieldBinary
	}
	return domain.FieldString
}
