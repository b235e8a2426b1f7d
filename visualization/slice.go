package visualization

import (
	"errors"
	"fmt"
	"image"

	"cvscope/imagetable"
	"cvscope/ndarray"
	"cvscope/utils"
)

// Default intensity window of DisplayImageSlice, suited to CT Hounsfield units
const (
	DefaultWindowMin = -100
	DefaultWindowMax = 400
)

var errGeometry = errors.New("invalid image geometry")

// ImageSlice Transpose a 3d image by perm, take slice sliceIndex of the first axis and add
// additive to every value.
func ImageSlice(arr *ndarray.Array, perm [3]int, sliceIndex int, additive float64) (*ndarray.Array, error) {
	if arr.NDim() != 3 {
		return nil, fmt.Errorf("expected a 3d image, got shape %v", arr.Shape())
	}
	transposed, err := arr.Transpose(perm[:]...)
	if err != nil {
		return nil, err
	}
	slice, err := transposed.Index(sliceIndex)
	if err != nil {
		return nil, err
	}
	values := slice.Float64s()
	for i := range values {
		values[i] += additive
	}
	return ndarray.FromFloat64s(ndarray.Float64, slice.Shape(), values)
}

// SliceOptions Rendering settings of DisplayImageSlice
type SliceOptions struct {
	ReferenceFrame bool
	Min            float64
	Max            float64
	Additive       float64
	Colormap       Colormap
}

// DefaultSliceOptions The -100..400 gray window without reference frame
func DefaultSliceOptions() SliceOptions {
	return SliceOptions{Min: DefaultWindowMin, Max: DefaultWindowMax, Colormap: Gray}
}

// SliceView A slice placed in world coordinates
type SliceView struct {
	Image *image.RGBA
	Rows  int
	Cols  int
	// Mesh World coordinates of every pixel, row-major
	Mesh     [][3]float64
	Position [3]float64
	// Axes The three scaled orientation vectors at Position, set when the reference
	// frame is requested
	Axes [][3]float64
}

// At World coordinate of pixel (row, col)
func (v *SliceView) At(row, col int) [3]float64 {
	return v.Mesh[row*v.Cols+col]
}

func swapAxes02(v int) int {
	switch v {
	case 0:
		return 2
	case 2:
		return 0
	}
	return v
}

// geometryPermutation The permutation of geometry axes matching an array permutation.
// Arrays are stored slowest axis first while geometry is x, y, z.
func geometryPermutation(perm [3]int) [3]int {
	var geo [3]int
	for i := 0; i < 3; i++ {
		geo[swapAxes02(i)] = swapAxes02(perm[i])
	}
	return geo
}

// linspace n evenly spaced values from start to stop inclusive
func linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// DisplayImageSlice Decode image imageIndex of rows, cut the slice and place it in world
// coordinates using the image geometry.
func DisplayImageSlice(rows []utils.ImageRow, geometries []imagetable.Geometry, perm [3]int,
	imageIndex, sliceIndex int, opts SliceOptions) (*SliceView, error) {
	if imageIndex < 0 || imageIndex >= len(geometries) {
		return nil, fmt.Errorf("%w: no geometry for image %d", errGeometry, imageIndex)
	}
	arr, err := utils.GetImageArray(rows, imageIndex, 1)
	if err != nil {
		return nil, err
	}
	return SliceFromArray(arr, geometries[imageIndex], perm, sliceIndex, opts)
}

// SliceFromArray DisplayImageSlice for an already decoded 3d image
func SliceFromArray(arr *ndarray.Array, geometry imagetable.Geometry, perm [3]int,
	sliceIndex int, opts SliceOptions) (*SliceView, error) {
	if len(geometry.Position) != 3 || len(geometry.Spacing) < 3 || len(geometry.Orientation) < 9 {
		return nil, fmt.Errorf("%w: a 3d position, spacing and orientation are required", errGeometry)
	}
	slice, err := ImageSlice(arr, perm, sliceIndex, opts.Additive)
	if err != nil {
		return nil, err
	}
	nr, nc := slice.Shape()[0], slice.Shape()[1]

	img, err := Window(slice, opts.Min, opts.Max, opts.Colormap)
	if err != nil {
		return nil, err
	}

	geo := geometryPermutation(perm)
	var ori [3][3]float64
	var spa [3]float64
	for j := 0; j < 3; j++ {
		spa[j] = geometry.Spacing[geo[j]]
		for r := 0; r < 3; r++ {
			ori[r][j] = geometry.Orientation[r*3+geo[j]]
		}
	}
	var pos [3]float64
	for r := 0; r < 3; r++ {
		pos[r] = geometry.Position[r] + float64(sliceIndex)*spa[2]*ori[r][2]
	}

	xs := linspace(0, float64(nc), nc)
	ys := linspace(0, float64(nr), nr)
	mesh := make([][3]float64, nr*nc)
	for i := 0; i < nr; i++ {
		for j := 0; j < nc; j++ {
			local := [3]float64{xs[j] * spa[0], ys[i] * spa[1], 0}
			var world [3]float64
			for r := 0; r < 3; r++ {
				world[r] = ori[r][0]*local[0] + ori[r][1]*local[1] + ori[r][2]*local[2] + pos[r]
			}
			mesh[i*nc+j] = world
		}
	}

	view := &SliceView{Image: img, Rows: nr, Cols: nc, Mesh: mesh, Position: pos}
	if opts.ReferenceFrame {
		for i := 0; i < 3; i++ {
			scale := 50 * spa[i]
			view.Axes = append(view.Axes, [3]float64{ori[0][i] * scale, ori[1][i] * scale, ori[2][i] * scale})
		}
	}
	return view, nil
}
