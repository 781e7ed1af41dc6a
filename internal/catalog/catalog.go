// Package catalog holds the source-table model: typed columns, the dynamic
// output schema derived from a dry-run fit, map-backed rows and the SQLite
// store that persists them.
package catalog

import (
	"fmt"
	"math"

	"starfit/internal/image"
)

// ColumnType enumerates the storable column value types.
type ColumnType int

const (
	Float64 ColumnType = iota
	Bool
	Int64
)

func (t ColumnType) String() string {
	switch t {
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	case Int64:
		return "int64"
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

// Column is one schema entry.
type Column struct {
	Name string
	Type ColumnType
	Unit string
	Doc  string
}

// Schema is an ordered column list with name lookup.
type Schema struct {
	cols   []Column
	byName map[string]int
}

// NewSchema builds a schema from columns, rejecting duplicates.
func NewSchema(cols []Column) (*Schema, error) {
	s := &Schema{byName: make(map[string]int, len(cols))}
	for _, c := range cols {
		if err := s.Add(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a column. Duplicate names are an error.
func (s *Schema) Add(c Column) error {
	if s.byName == nil {
		s.byName = make(map[string]int)
	}
	if _, ok := s.byName[c.Name]; ok {
		return fmt.Errorf("schema: duplicate column %q", c.Name)
	}
	s.byName[c.Name] = len(s.cols)
	s.cols = append(s.cols, c)
	return nil
}

// Columns returns the ordered column list.
func (s *Schema) Columns() []Column { return s.cols }

// Len returns the column count.
func (s *Schema) Len() int { return len(s.cols) }

// Find returns the column with the given name.
func (s *Schema) Find(name string) (Column, bool) {
	if s.byName == nil {
		return Column{}, false
	}
	i, ok := s.byName[name]
	if !ok {
		return Column{}, false
	}
	return s.cols[i], true
}

// Clone deep-copies the schema.
func (s *Schema) Clone() *Schema {
	out := &Schema{cols: append([]Column(nil), s.cols...), byName: make(map[string]int, len(s.cols))}
	for k, v := range s.byName {
		out.byName[k] = v
	}
	return out
}

// ExtraKeys are the per-model (or per-band PSF) auxiliary columns. Nil
// entries mean the column was not configured.
type ExtraKeys struct {
	Chisqred  *Column
	LogLike   *Column
	Time      *Column
	NEvalFunc *Column
	NEvalGrad *Column
}

// FieldKeys maps fit results to their output columns.
type FieldKeys struct {
	// Base maps model name to its free-parameter columns in layout order.
	Base      map[string][]Column
	BaseExtra map[string]ExtraKeys
	// PSF maps band to the PSF model's free-parameter columns.
	PSF      map[string][]Column
	PSFExtra map[string]ExtraKeys
	FailFlag Column
	Runtime  Column
	Skipped  Column
}

// Row is a map-backed record. Float getters default to NaN so unwritten
// parameters read back as not-a-number rather than zero.
type Row struct {
	values map[string]any
}

// NewRow returns an empty row.
func NewRow() *Row { return &Row{values: make(map[string]any)} }

// SetFloat assigns a float column.
func (r *Row) SetFloat(name string, v float64) { r.values[name] = v }

// SetBool assigns a bool column.
func (r *Row) SetBool(name string, v bool) { r.values[name] = v }

// SetInt assigns an integer column.
func (r *Row) SetInt(name string, v int64) { r.values[name] = v }

// Float reads a float column, NaN when absent.
func (r *Row) Float(name string) float64 {
	if v, ok := r.values[name].(float64); ok {
		return v
	}
	return math.NaN()
}

// Bool reads a bool column, false when absent.
func (r *Row) Bool(name string) bool {
	v, _ := r.values[name].(bool)
	return v
}

// Int reads an integer column, zero when absent.
func (r *Row) Int(name string) int64 {
	v, _ := r.values[name].(int64)
	return v
}

// Has reports whether the column was ever written.
func (r *Row) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Value returns the raw stored value, or nil.
func (r *Row) Value(name string) any { return r.values[name] }

// Clone deep-copies the row.
func (r *Row) Clone() *Row {
	out := NewRow()
	for k, v := range r.values {
		out.values[k] = v
	}
	return out
}

// Table is an ordered row set under one schema.
type Table struct {
	Schema *Schema
	Rows   []*Row
}

// Source is one detection-catalog entry as the fitter consumes it.
type Source struct {
	ID     int64
	Parent int64
	NChild int64
	// Flags holds the detection quality flags by short name
	// (saturatedCenter, deblendSkipped, deblendTooManyPeaks, ...).
	Flags     map[string]bool
	Footprint *image.Footprint
	// CX, CY locate the source in the exposure frame.
	CX, CY float64
	// LocalBackground is the per-source background estimate, NaN when the
	// catalog carries none.
	LocalBackground float64
	// PsfMag is the reference-band PSF magnitude, NaN when absent.
	PsfMag float64
	// MomentsSigmaX, MomentsSigmaY and MomentsRho carry the catalog's own
	// second-moment shape measurement, NaN when absent.
	MomentsSigmaX float64
	MomentsSigmaY float64
	MomentsRho    float64
}

// Flag reads a quality flag, false when the catalog never set it.
func (s *Source) Flag(name string) bool { return s.Flags[name] }

// IsParent reports whether the source has deblended children.
func (s *Source) IsParent() bool { return s.NChild > 0 }
