package imagetable

import (
	"context"
	"errors"
	"fmt"

	"cvscope/cas"
	"cvscope/utils"

	log "github.com/sirupsen/logrus"
)

// Names the mask columns take in the joined table
const (
	maskImageCol      = "seg"
	maskDimensionCol  = "dim"
	maskResolutionCol = "res"
	maskFormatCol     = "form"
)

// NaturalImageTable An image table of natural (photographic) images
type NaturalImageTable struct {
	*ImageTable
}

// NewNaturalImageTable Wrap table and load the image and fedsql action sets.
func NewNaturalImageTable(ctx context.Context, table *cas.Table, columns Columns) (*NaturalImageTable, error) {
	t, err := New(ctx, table, columns)
	if err != nil {
		return nil, err
	}
	if err := loadActionSets(ctx, table.Session(), "image", "fedsql"); err != nil {
		return nil, err
	}
	return &NaturalImageTable{ImageTable: t}, nil
}

// MaskOptions Output settings of MaskImage
type MaskOptions struct {
	Decode     bool
	AddColumns []string
	CopyVars   []string
	Out        *cas.Table // nil writes to a temporary table
}

// MaskImage Mask every image with the mask image of the same _id_. Images without a
// mask are kept by the right join.
func (n *NaturalImageTable) MaskImage(ctx context.Context, mask *ImageTable, opts MaskOptions) (*ImageTable, error) {
	if mask.Columns().Image == "" {
		return nil, errors.New("mask table has no image column")
	}
	s := n.Session()
	out := resolveOut(s, opts.Out)
	joined := s.Table(utils.RandomNameGenerator{}.GenerateName("images_to_mask"), "")
	mc := mask.Columns()

	renames := []cas.AlterColumn{{Name: mc.Image, Rename: maskImageCol}}
	selected := "a." + maskImageCol
	binaryOperation := map[string]interface{}{
		"binaryOperationType": "MASK_SPECIFIC",
		"image":               maskImageCol,
	}
	if mask.HasDecodedImages() {
		renames = append(renames,
			cas.AlterColumn{Name: mc.Dimension, Rename: maskDimensionCol},
			cas.AlterColumn{Name: mc.Resolution, Rename: maskResolutionCol},
			cas.AlterColumn{Name: mc.ImageFormat, Rename: maskFormatCol},
		)
		selected = fmt.Sprintf("a.%s, a.%s, a.%s, a.%s", maskImageCol, maskDimensionCol, maskResolutionCol, maskFormatCol)
		binaryOperation["dimension"] = maskDimensionCol
		binaryOperation["resolution"] = maskResolutionCol
		binaryOperation["imageFormat"] = maskFormatCol
	}

	if err := mask.Table().Alter(ctx, renames); err != nil {
		return nil, err
	}
	defer func() {
		// put the mask column names back
		restore := make([]cas.AlterColumn, len(renames))
		for i, r := range renames {
			restore[i] = cas.AlterColumn{Name: r.Rename, Rename: r.Name}
		}
		if err := mask.Table().Alter(context.WithoutCancel(ctx), restore); err != nil {
			log.Warn("Cannot restore the column names of ", mask.Table(), ": ", err)
		}
	}()

	query := fmt.Sprintf(`create table %s {options replace=true} as
		select %s, b.*
		from %s as a right join %s as b
		on a._id_=b._id_`, sqlName(joined), selected, sqlName(mask.Table()), sqlName(n.table))
	if err := s.ExecFedSQL(ctx, query); err != nil {
		return nil, err
	}
	defer func() {
		if err := joined.Drop(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Cannot drop ", joined, ": ", err)
		}
	}()

	params := map[string]interface{}{
		"table": joined.Param(),
		"steps": []map[string]interface{}{
			{"step": map[string]interface{}{
				"stepType":        "BINARY_OPERATION",
				"binaryOperation": binaryOperation,
			}},
		},
		"decode": opts.Decode,
		"casOut": out.OutParam(true),
	}
	if opts.AddColumns != nil {
		params["addColumns"] = opts.AddColumns
	}
	if opts.CopyVars != nil {
		params["copyVars"] = opts.CopyVars
	}
	if _, err := s.Action(ctx, "image.processImages", params); err != nil {
		return nil, err
	}
	return New(ctx, out, Columns{})
}
