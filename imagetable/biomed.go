package imagetable

import (
	"context"
	"fmt"

	"cvscope/cas"
	"cvscope/ndarray"
	"cvscope/utils"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LabelConnectivity Connectivity of labelled connected components
type LabelConnectivity int

const (
	Face LabelConnectivity = iota + 1
	Vertex
)

func (l LabelConnectivity) String() string {
	switch l {
	case Face:
		return "FACE"
	case Vertex:
		return "VERTEX"
	}
	return fmt.Sprintf("LabelConnectivity(%d)", int(l))
}

// Geometry columns of biomedical image tables
const (
	PositionCol    = "_position_"
	OrientationCol = "_orientation_"
	SpacingCol     = "_spacing_"
	ChannelTypeCol = "_channelType_"
)

// Columns that biomedimage export/import need to rebuild 3d images from slices
var biomedVars = []string{"_biomedid_", "_biomeddimension_", "_sliceindex_"}

// BiomedImageTable An image table of biomedical (typically 3d) images
type BiomedImageTable struct {
	*ImageTable
}

// NewBiomedImageTable Wrap table and load the image, biomedimage and fedsql action sets.
func NewBiomedImageTable(ctx context.Context, table *cas.Table, columns Columns) (*BiomedImageTable, error) {
	t, err := New(ctx, table, columns)
	if err != nil {
		return nil, err
	}
	if err := loadActionSets(ctx, table.Session(), "image", "biomedimage", "fedsql"); err != nil {
		return nil, err
	}
	return &BiomedImageTable{ImageTable: t}, nil
}

// FetchOptions Selects the row and columns of FetchImageArray
type FetchOptions struct {
	N      int    // 0-based row
	Query  string // optional where clause
	Image  string
	Dim    string
	Res    string
	CType  string
	CCount int
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.Image == "" {
		o.Image = ImageCol
	}
	if o.Dim == "" {
		o.Dim = DimensionCol
	}
	if o.Res == "" {
		o.Res = ResolutionCol
	}
	if o.CType == "" {
		o.CType = ChannelTypeCol
	}
	if o.CCount == 0 {
		o.CCount = 1
	}
	return o
}

// FetchImageArray Fetch and decode the image in row N of the table, or of the rows
// matching Query.
func (b *BiomedImageTable) FetchImageArray(ctx context.Context, opts FetchOptions) (*ndarray.Array, error) {
	opts = opts.withDefaults()
	table := b.table
	if opts.Query != "" {
		table = table.Query(opts.Query)
	}
	rows, err := b.fetchRow(ctx, table, opts.N)
	if err != nil {
		return nil, err
	}
	row, err := imageRow(rows, 0, opts.Image, opts.Dim, opts.Res, opts.CType)
	if err != nil {
		return nil, err
	}
	return utils.GetImageArray([]utils.ImageRow{row}, 0, opts.CCount)
}

// FetchImageArrays Fetch and decode several rows concurrently. Results are in the order of ns.
func (b *BiomedImageTable) FetchImageArrays(ctx context.Context, ns []int, opts FetchOptions) ([]*ndarray.Array, error) {
	out := make([]*ndarray.Array, len(ns))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, n := range ns {
		i, n := i, n
		g.Go(func() error {
			o := opts
			o.N = n
			arr, err := b.FetchImageArray(ctx, o)
			if err != nil {
				return fmt.Errorf("row %d: %w", n, err)
			}
			out[i] = arr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Geometry Position, orientation (row-major dim x dim) and spacing of an image
type Geometry struct {
	Position    []float64
	Orientation []float64
	Spacing     []float64
}

// Empty True when the table carries no geometry
func (g Geometry) Empty() bool {
	return len(g.Position) == 0 && len(g.Orientation) == 0 && len(g.Spacing) == 0
}

// GeometryOptions Selects the row and columns of FetchGeometryInfo
type GeometryOptions struct {
	N     int
	Query string
	Pos   string
	Ori   string
	Spa   string
	Dim   string
}

func (o GeometryOptions) withDefaults() GeometryOptions {
	if o.Pos == "" {
		o.Pos = PositionCol
	}
	if o.Ori == "" {
		o.Ori = OrientationCol
	}
	if o.Spa == "" {
		o.Spa = SpacingCol
	}
	if o.Dim == "" {
		o.Dim = DimensionCol
	}
	return o
}

// FetchGeometryInfo Fetch the geometry of row N. Tables without the position, spacing
// and orientation columns yield an empty Geometry.
func (b *BiomedImageTable) FetchGeometryInfo(ctx context.Context, opts GeometryOptions) (Geometry, error) {
	if !b.HasColumn(PositionCol) || !b.HasColumn(SpacingCol) || !b.HasColumn(OrientationCol) {
		return Geometry{}, nil
	}
	opts = opts.withDefaults()
	table := b.table.Select(opts.Dim, opts.Pos, opts.Ori, opts.Spa)
	if opts.Query != "" {
		table = table.Query(opts.Query)
	}
	rows, err := b.fetchRow(ctx, table, opts.N)
	if err != nil {
		return Geometry{}, err
	}
	return geometryFromRow(rows, 0, opts)
}

func geometryFromRow(rows *cas.ResultTable, i int, opts GeometryOptions) (Geometry, error) {
	dim64, err := rows.Int(i, opts.Dim)
	if err != nil {
		return Geometry{}, err
	}
	dim := int(dim64)
	read := func(column string, count int) ([]float64, error) {
		blob, err := rows.Bytes(i, column)
		if err != nil {
			return nil, err
		}
		values, err := utils.DecodeFloat64s(blob, count)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", column, err)
		}
		return values, nil
	}
	var g Geometry
	if g.Position, err = read(opts.Pos, dim); err != nil {
		return Geometry{}, err
	}
	if g.Orientation, err = read(opts.Ori, dim*dim); err != nil {
		return Geometry{}, err
	}
	if g.Spacing, err = read(opts.Spa, dim); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// Sphericity Quantify the sphericity of every connected component:
// pi^(1/3) * (6 * content)^(2/3) / perimeter. The result is written to out, or to a
// temporary table when out is nil.
func (b *BiomedImageTable) Sphericity(ctx context.Context, useSpacing bool, inputBackground float64,
	connectivity LabelConnectivity, out *cas.Table) (*cas.Table, error) {
	s := b.Session()
	quantify := s.Table(utils.RandomNameGenerator{}.GenerateName("quantify"), "")

	_, err := s.Action(ctx, "biomedimage.quantifyBiomedImages", map[string]interface{}{
		"images":   map[string]interface{}{"table": b.table.Param()},
		"copyVars": []string{PathCol},
		"region":   "COMPONENT",
		"quantities": []map[string]interface{}{
			{"quantityParameters": map[string]interface{}{"quantityType": "perimeter"}},
			{"quantityParameters": map[string]interface{}{"quantityType": "content", "useSpacing": useSpacing}},
		},
		"labelParameters": map[string]interface{}{
			"labelType":    "basic",
			"connectivity": connectivity.String(),
		},
		"inputBackground": inputBackground,
		"casOut":          quantify.OutParam(true),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := quantify.Drop(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Cannot drop ", quantify, ": ", err)
		}
	}()

	out = resolveOut(s, out)
	query := fmt.Sprintf(`create table %s {options replace=true} as
		select _path_, _perimeter_, _content_,
		(power(pi(), 1.0/3.0) * power(6*_content_, 2.0/3.0))/_perimeter_ as sphericity
		from %s`, sqlName(out), sqlName(quantify))
	if err := s.ExecFedSQL(ctx, query); err != nil {
		return nil, err
	}
	return out, nil
}

// MorphologicalGradient Compute the morphological gradient of each 3d image slice by slice:
// the images are exported to 2d slices, processed, and imported back to 3d.
func (b *BiomedImageTable) MorphologicalGradient(ctx context.Context, kernelWidth, kernelHeight int,
	copyVars []string, out *cas.Table) (*ImageTable, error) {
	s := b.Session()
	names := utils.RandomNameGenerator{}

	sliceVars := append([]string(nil), copyVars...)
	for _, v := range biomedVars {
		if !contains(sliceVars, v) {
			sliceVars = append(sliceVars, v)
		}
	}

	image2d := s.Table(names.GenerateName(""), "")
	gradient2d := s.Table(names.GenerateName(""), "")
	defer func() {
		for _, tmp := range []*cas.Table{image2d, gradient2d} {
			if err := tmp.Drop(context.WithoutCancel(ctx)); err != nil {
				log.Warn("Cannot drop ", tmp, ": ", err)
			}
		}
	}()

	export := map[string]interface{}{
		"images": map[string]interface{}{"table": b.table.Param()},
		"steps": []map[string]interface{}{
			{"stepParameters": map[string]interface{}{"stepType": "export"}},
		},
		"casOut": image2d.OutParam(true),
	}
	if copyVars != nil {
		export["copyVars"] = copyVars
	}
	if _, err := s.Action(ctx, "biomedimage.processBiomedImages", export); err != nil {
		return nil, err
	}

	_, err := s.Action(ctx, "image.processImages", map[string]interface{}{
		"table": image2d.Param(),
		"steps": []map[string]interface{}{
			{"options": map[string]interface{}{
				"functionType": "MORPHOLOGY",
				"method":       "GRADIENT",
				"kernelWidth":  kernelWidth,
				"kernelHeight": kernelHeight,
			}},
		},
		"casOut":   gradient2d.OutParam(true),
		"copyVars": sliceVars,
	})
	if err != nil {
		return nil, err
	}

	out = resolveOut(s, out)
	imports := map[string]interface{}{
		"images": map[string]interface{}{"table": gradient2d.Param()},
		"steps": []map[string]interface{}{
			{"stepParameters": map[string]interface{}{"stepType": "import", "targetDimension": 3}},
		},
		"casOut": out.OutParam(true),
	}
	if copyVars != nil {
		imports["copyVars"] = copyVars
	}
	if _, err := s.Action(ctx, "biomedimage.processBiomedImages", imports); err != nil {
		return nil, err
	}
	return New(ctx, out, Columns{})
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
