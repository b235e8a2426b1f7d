package visualization

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"cvscope/imagetable"
	"cvscope/ndarray"

	"github.com/disintegration/imaging"
)

const montageGap = 4

// Planes The three orthogonal planes through a volume, windowed over the volume range
type Planes struct {
	X image.Image // slice of the first axis
	Y image.Image
	Z image.Image
}

// OrthogonalPlanes Cut the planes through (x, y, z) of a 3d array.
func OrthogonalPlanes(arr *ndarray.Array, x, y, z int) (*Planes, error) {
	if arr.NDim() != 3 {
		return nil, fmt.Errorf("expected a 3d image, got shape %v", arr.Shape())
	}
	min, max := arr.MinMax()
	cut := func(perm [3]int, index int) (image.Image, error) {
		slice, err := ImageSlice(arr, perm, index, 0)
		if err != nil {
			return nil, err
		}
		return Window(slice, min, max, Gray)
	}
	var (
		p   Planes
		err error
	)
	if p.X, err = cut([3]int{0, 1, 2}, x); err != nil {
		return nil, fmt.Errorf("x plane: %w", err)
	}
	if p.Y, err = cut([3]int{1, 0, 2}, y); err != nil {
		return nil, fmt.Errorf("y plane: %w", err)
	}
	if p.Z, err = cut([3]int{2, 0, 1}, z); err != nil {
		return nil, fmt.Errorf("z plane: %w", err)
	}
	return &p, nil
}

// Display3DImageSlicesFromArray Montage of the x, y and z planes through a volume, side by
// side on a black background.
func Display3DImageSlicesFromArray(arr *ndarray.Array, x, y, z int) (*image.NRGBA, error) {
	planes, err := OrthogonalPlanes(arr, x, y, z)
	if err != nil {
		return nil, err
	}
	tiles := []image.Image{planes.X, planes.Y, planes.Z}
	width, height := montageGap, 0
	for _, t := range tiles {
		width += t.Bounds().Dx() + montageGap
		if h := t.Bounds().Dy(); h > height {
			height = h
		}
	}
	montage := imaging.New(width, height+2*montageGap, color.Black)
	left := montageGap
	for _, t := range tiles {
		montage = imaging.Paste(montage, t, image.Pt(left, montageGap))
		left += t.Bounds().Dx() + montageGap
	}
	return montage, nil
}

// Display3DImageSlices Fetch the first image of a biomedical table and render its montage.
func Display3DImageSlices(ctx context.Context, table *imagetable.BiomedImageTable, x, y, z int) (*image.NRGBA, error) {
	arr, err := table.FetchImageArray(ctx, imagetable.FetchOptions{})
	if err != nil {
		return nil, err
	}
	return Display3DImageSlicesFromArray(arr, x, y, z)
}

// Thumbnail Fit an image into a size x size box, keeping the aspect ratio.
func Thumbnail(img image.Image, size int) *image.NRGBA {
	return imaging.Fit(img, size, size, imaging.Lanczos)
}
