package imagetable

import (
	"context"
	"errors"
	"fmt"

	"cvscope/cas"
	"cvscope/utils"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// Default column names of CAS image tables
const (
	ImageCol      = "_image_"
	DimensionCol  = "_dimension_"
	ResolutionCol = "_resolution_"
	FormatCol     = "_imageFormat_"
	PathCol       = "_path_"
	LabelCol      = "_label_"
	IDCol         = "_id_"
	SizeCol       = "_size_"
	TypeCol       = "_type_"
)

// Columns Names of the image table columns. An empty name means the column is not used.
type Columns struct {
	Image       string
	Dimension   string
	Resolution  string
	ImageFormat string
	Path        string
	Label       string
	ID          string
	Size        string
	Type        string
}

type columnField struct {
	key      string
	value    *string
	fallback string
}

func (c *Columns) fields() []columnField {
	return []columnField{
		{"image", &c.Image, ImageCol},
		{"dimension", &c.Dimension, DimensionCol},
		{"resolution", &c.Resolution, ResolutionCol},
		{"imageFormat", &c.ImageFormat, FormatCol},
		{"path", &c.Path, PathCol},
		{"label", &c.Label, LabelCol},
		{"id", &c.ID, IDCol},
		{"size", &c.Size, SizeCol},
		{"type", &c.Type, TypeCol},
	}
}

var (
	errColumnNotInTable = errors.New("column is not present in the table")
	// ErrNoRow A fetch past the last row
	ErrNoRow = errors.New("no such row")
)

// ImageTable A CAS table of images together with the names of its image columns
type ImageTable struct {
	table    *cas.Table
	names    []string
	present  map[string]bool
	columns  Columns
	rowCache *RowCache
}

// New Wrap a CAS table. Every column named in explicit must exist in the table; the
// others default to the standard column name when the table has it.
func New(ctx context.Context, table *cas.Table, explicit Columns) (*ImageTable, error) {
	names, err := table.Columns(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot list the columns of %s: %w", table, err)
	}
	t := &ImageTable{table: table, names: names, present: make(map[string]bool, len(names))}
	for _, name := range names {
		t.present[name] = true
	}

	resolved := explicit
	for _, f := range resolved.fields() {
		if *f.value != "" {
			if !t.present[*f.value] {
				return nil, fmt.Errorf("%w: %q", errColumnNotInTable, *f.value)
			}
			continue
		}
		if t.present[f.fallback] {
			*f.value = f.fallback
		}
	}
	t.columns = resolved
	return t, nil
}

// WithCache Serve repeated row fetches from cache
func (t *ImageTable) WithCache(cache *RowCache) *ImageTable {
	t.rowCache = cache
	return t
}

func (t *ImageTable) Table() *cas.Table {
	return t.table
}

// Session The CAS session the table lives in
func (t *ImageTable) Session() *cas.Session {
	return t.table.Session()
}

// Columns The column names in use
func (t *ImageTable) Columns() Columns {
	return t.columns
}

// ColumnNames Every column of the underlying table, in table order
func (t *ImageTable) ColumnNames() []string {
	return append([]string(nil), t.names...)
}

// HasColumn Whether the underlying table has the column
func (t *ImageTable) HasColumn(name string) bool {
	return t.present[name]
}

// SetColumns Override column names. Every non-empty name must exist in the table.
func (t *ImageTable) SetColumns(c Columns) error {
	updated := t.columns
	current := updated.fields()
	for i, f := range c.fields() {
		if *f.value == "" {
			continue
		}
		if !t.present[*f.value] {
			return fmt.Errorf("%w: %q", errColumnNotInTable, *f.value)
		}
		*current[i].value = *f.value
	}
	t.columns = updated
	return nil
}

// HasDecodedImages True when the table holds decoded images, i.e. it has dimension,
// resolution and image format columns.
func (t *ImageTable) HasDecodedImages() bool {
	return t.columns.Dimension != "" && t.columns.Resolution != "" && t.columns.ImageFormat != ""
}

// AsDict The table reference and column names as a plain map. Unset columns map to nil.
func (t *ImageTable) AsDict() map[string]interface{} {
	d := t.columns.AsDict()
	d["table"] = map[string]interface{}{
		"name":   t.table.Name,
		"caslib": t.table.Caslib,
		"where":  t.table.Where,
	}
	return d
}

// AsDict The column names keyed image, dimension, resolution, imageFormat, path, label,
// id, size and type. Unset columns map to nil.
func (c Columns) AsDict() map[string]interface{} {
	d := make(map[string]interface{}, 9)
	for _, f := range c.fields() {
		if *f.value == "" {
			d[f.key] = nil
		} else {
			d[f.key] = *f.value
		}
	}
	return d
}

// ColumnsFromDict Inverse of Columns.AsDict. Missing and non-string entries stay unset.
func ColumnsFromDict(d map[string]interface{}) Columns {
	var c Columns
	for _, f := range c.fields() {
		if v, ok := d[f.key].(string); ok {
			*f.value = v
		}
	}
	return c
}

// fetchRow Fetch row n (0-based) of table, through the row cache when there is one.
func (t *ImageTable) fetchRow(ctx context.Context, table *cas.Table, n int) (*cas.ResultTable, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid row index %d", n)
	}
	key := rowKey(table, n)
	if t.rowCache != nil {
		if rows, ok := t.rowCache.Get(key); ok {
			return rows, nil
		}
	}
	rows, err := table.Fetch(ctx, n+1, n+1)
	if err != nil {
		return nil, err
	}
	if rows.Len() == 0 {
		return nil, fmt.Errorf("%w: %s row %d", ErrNoRow, table, n)
	}
	if t.rowCache != nil {
		size := t.rowCache.Set(key, rows)
		log.WithFields(log.Fields{"table": table.String(), "row": n}).Debug("Cached row of ", humanize.Bytes(uint64(size)))
	}
	return rows, nil
}

// imageRow Read the decoding columns of row i of a fetched table.
func imageRow(rows *cas.ResultTable, i int, image, dim, res, format string) (utils.ImageRow, error) {
	binary, err := rows.Bytes(i, image)
	if err != nil {
		return utils.ImageRow{}, err
	}
	dimension, err := rows.Int(i, dim)
	if err != nil {
		return utils.ImageRow{}, err
	}
	resolution, err := rows.Bytes(i, res)
	if err != nil {
		return utils.ImageRow{}, err
	}
	row := utils.ImageRow{Image: binary, Dimension: int(dimension), Resolution: resolution}
	if format != "" && rows.HasColumn(format) {
		row.Format, err = rows.String(i, format)
		if err != nil {
			return utils.ImageRow{}, err
		}
	}
	return row, nil
}

// resolveOut The given output table, or a fresh temporary table in the same session.
func resolveOut(s *cas.Session, out *cas.Table) *cas.Table {
	if out != nil {
		return out
	}
	return s.Table(utils.RandomNameGenerator{}.GenerateName(""), "")
}

func sqlName(t *cas.Table) string {
	return t.SQLName()
}

func loadActionSets(ctx context.Context, s *cas.Session, sets ...string) error {
	for _, set := range sets {
		if err := s.LoadActionSet(ctx, set); err != nil {
			return fmt.Errorf("cannot load action set %s: %w", set, err)
		}
	}
	return nil
}
