package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"starfit/internal/image"
)

// Store wraps SQLite-backed persistence for detection and output catalogs.
type Store struct {
	DB    *sql.DB // Export for direct database access
	runID string
}

// Open opens (or creates) the database at path and ensures the metadata
// tables.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db, runID: uuid.NewString()}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS catalog_meta (
            tbl TEXT PRIMARY KEY,
            run_id TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP,
            n_rows INTEGER DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS column_meta (
            tbl TEXT NOT NULL,
            name TEXT NOT NULL,
            type TEXT NOT NULL,
            unit TEXT,
            doc TEXT,
            PRIMARY KEY (tbl, name)
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RunID returns the identifier stamped on this store's checkpoint metadata.
func (s *Store) RunID() string { return s.runID }

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// HasTable reports whether the named table exists.
func (s *Store) HasTable(name string) (bool, error) {
	var n int
	err := s.DB.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReadSources loads a detection catalog. Expected columns: id, parent,
// nchild, cx, cy, footprint (JSON), plus an optional magnitude field, a
// local background field, catalog shape moments (moments_sigma_x,
// moments_sigma_y, moments_rho) and any number of flag_* columns.
func (s *Store) ReadSources(table, magField, localBackgroundField string) ([]Source, error) {
	rows, err := s.DB.Query(fmt.Sprintf(`SELECT * FROM %s ORDER BY id`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("read sources from %s: %w", table, err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var sources []Source
	for rows.Next() {
		vals := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		src := Source{
			Flags:           make(map[string]bool),
			LocalBackground: math.NaN(),
			PsfMag:          math.NaN(),
			MomentsSigmaX:   math.NaN(),
			MomentsSigmaY:   math.NaN(),
			MomentsRho:      math.NaN(),
		}
		for i, name := range colNames {
			v := vals[i]
			switch name {
			case "id":
				src.ID = asInt(v)
			case "parent":
				src.Parent = asInt(v)
			case "nchild":
				src.NChild = asInt(v)
			case "cx":
				src.CX = asFloat(v)
			case "cy":
				src.CY = asFloat(v)
			case "moments_sigma_x":
				src.MomentsSigmaX = asFloat(v)
			case "moments_sigma_y":
				src.MomentsSigmaY = asFloat(v)
			case "moments_rho":
				src.MomentsRho = asFloat(v)
			case "footprint":
				fp, err := decodeFootprint(v)
				if err != nil {
					return nil, fmt.Errorf("source id=%d: %w", src.ID, err)
				}
				src.Footprint = fp
			default:
				if flag, ok := strings.CutPrefix(name, "flag_"); ok {
					src.Flags[flag] = asInt(v) != 0
				} else if name == magField {
					src.PsfMag = asFloat(v)
				} else if name == localBackgroundField {
					src.LocalBackground = asFloat(v)
				}
			}
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ReadTable loads a previously written table, recovering its schema from
// column_meta.
func (s *Store) ReadTable(table string) (*Table, error) {
	schema, err := s.readSchema(table)
	if err != nil {
		return nil, err
	}
	if schema.Len() == 0 {
		return nil, fmt.Errorf("table %s has no recorded schema", table)
	}

	names := make([]string, schema.Len())
	for i, c := range schema.Columns() {
		names[i] = quoteIdent(c.Name)
	}
	rows, err := s.DB.Query(fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(names, ", "), quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", table, err)
	}
	defer rows.Close()

	t := &Table{Schema: schema}
	cols := schema.Columns()
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := NewRow()
		for i, c := range cols {
			if vals[i] == nil {
				continue
			}
			switch c.Type {
			case Float64:
				row.SetFloat(c.Name, asFloat(vals[i]))
			case Bool:
				row.SetBool(c.Name, asInt(vals[i]) != 0)
			case Int64:
				row.SetInt(c.Name, asInt(vals[i]))
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, rows.Err()
}

func (s *Store) readSchema(table string) (*Schema, error) {
	rows, err := s.DB.Query(
		`SELECT name, type, unit, doc FROM column_meta WHERE tbl=? ORDER BY rowid`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schema := &Schema{}
	for rows.Next() {
		var c Column
		var typ string
		var unit, doc sql.NullString
		if err := rows.Scan(&c.Name, &typ, &unit, &doc); err != nil {
			return nil, err
		}
		switch typ {
		case "float64":
			c.Type = Float64
		case "bool":
			c.Type = Bool
		case "int64":
			c.Type = Int64
		default:
			return nil, fmt.Errorf("table %s column %s: unknown type %q", table, c.Name, typ)
		}
		c.Unit = unit.String
		c.Doc = doc.String
		if err := schema.Add(c); err != nil {
			return nil, err
		}
	}
	return schema, rows.Err()
}

// WriteTable replaces the named table with t, transactionally: the data
// table, its column metadata and the catalog_meta entry move together.
func (s *Store) WriteTable(table string, t *Table) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table))); err != nil {
		return err
	}

	cols := t.Schema.Columns()
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c.Name) + " " + sqlType(c.Type)
	}
	if _, err := tx.Exec(fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(table), strings.Join(defs, ", "))); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM column_meta WHERE tbl=?`, table); err != nil {
		return err
	}
	metaStmt, err := tx.Prepare(`INSERT INTO column_meta (tbl, name, type, unit, doc) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer metaStmt.Close()
	for _, c := range cols {
		if _, err := metaStmt.Exec(table, c.Name, c.Type.String(), c.Unit, c.Doc); err != nil {
			return err
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
	}
	insStmt, err := tx.Prepare(fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)`, quoteIdent(table), strings.Join(names, ", "), placeholders))
	if err != nil {
		return err
	}
	defer insStmt.Close()

	for _, row := range t.Rows {
		vals := make([]any, len(cols))
		for i, c := range cols {
			if !row.Has(c.Name) {
				continue
			}
			switch c.Type {
			case Float64:
				v := row.Float(c.Name)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					continue // stored as NULL, read back as NaN
				}
				vals[i] = v
			case Bool:
				vals[i] = row.Bool(c.Name)
			case Int64:
				vals[i] = row.Int(c.Name)
			}
		}
		if _, err := insStmt.Exec(vals...); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO catalog_meta (tbl, run_id, updated_at, n_rows) VALUES (?, ?, ?, ?)
         ON CONFLICT(tbl) DO UPDATE SET run_id=excluded.run_id, updated_at=excluded.updated_at, n_rows=excluded.n_rows`,
		table, s.runID, time.Now().UTC(), len(t.Rows)); err != nil {
		return err
	}
	return tx.Commit()
}

// Checkpoint persists a mid-run snapshot of the table.
func (s *Store) Checkpoint(table string, t *Table) error {
	return s.WriteTable(table, t)
}

func sqlType(t ColumnType) string {
	switch t {
	case Float64:
		return "REAL"
	default:
		return "INTEGER"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func decodeFootprint(v any) (*image.Footprint, error) {
	var data []byte
	switch raw := v.(type) {
	case string:
		data = []byte(raw)
	case []byte:
		data = raw
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("footprint column holds %T, want JSON text", v)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var fp image.Footprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("decode footprint: %w", err)
	}
	return &fp, nil
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case nil:
		return math.NaN()
	}
	return math.NaN()
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
	}
	return 0
}
