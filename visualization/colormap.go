// Package visualization renders decoded image arrays, slices of 3d volumes and surface
// meshes to images.
package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"cvscope/ndarray"

	"github.com/anthonynsimon/bild/parallel"
	"github.com/lucasb-eyer/go-colorful"
)

// Colormap Maps t in [0, 1] to a color
type Colormap func(t float64) color.RGBA

// Gray Linear black to white
func Gray(t float64) color.RGBA {
	v := uint8(math.Round(clamp01(t) * 255))
	return color.RGBA{R: v, G: v, B: v, A: 255}
}

var (
	coolWarmLow  = colorful.Color{R: 0.230, G: 0.299, B: 0.754}
	coolWarmMid  = colorful.Color{R: 0.865, G: 0.865, B: 0.865}
	coolWarmHigh = colorful.Color{R: 0.706, G: 0.016, B: 0.150}
	coolWarmLUT  = buildCoolWarm()
)

func buildCoolWarm() [256]color.RGBA {
	var lut [256]color.RGBA
	for i := range lut {
		t := float64(i) / 255
		var c colorful.Color
		if t < 0.5 {
			c = coolWarmLow.BlendLab(coolWarmMid, t*2)
		} else {
			c = coolWarmMid.BlendLab(coolWarmHigh, (t-0.5)*2)
		}
		r, g, b := c.Clamped().RGB255()
		lut[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return lut
}

// CoolWarm Diverging blue to red map, interpolated in Lab space
func CoolWarm(t float64) color.RGBA {
	return coolWarmLUT[int(math.Round(clamp01(t)*255))]
}

// ColormapByName "gray" or "coolwarm"
func ColormapByName(name string) (Colormap, error) {
	switch name {
	case "", "gray", "grey":
		return Gray, nil
	case "coolwarm":
		return CoolWarm, nil
	}
	return nil, fmt.Errorf("unknown colormap %q", name)
}

// HexColor Parse a #rrggbb color
func HexColor(s string) (color.RGBA, error) {
	c, err := colorful.Hex(s)
	if err != nil {
		return color.RGBA{}, err
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

func clamp01(t float64) float64 {
	if math.IsNaN(t) || t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

var errNot2D = errors.New("expected a 2d array")

// Window Render a 2d array with values in [min, max] spread over the colormap. Values
// outside the window saturate.
func Window(arr *ndarray.Array, min, max float64, cmap Colormap) (*image.RGBA, error) {
	if arr.NDim() != 2 {
		return nil, fmt.Errorf("%w, got shape %v", errNot2D, arr.Shape())
	}
	if cmap == nil {
		cmap = Gray
	}
	rows, cols := arr.Shape()[0], arr.Shape()[1]
	values := arr.Float64s()
	scale := 0.0
	if max > min {
		scale = 1 / (max - min)
	}
	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	parallel.Line(rows, func(start, end int) {
		for y := start; y < end; y++ {
			for x := 0; x < cols; x++ {
				img.SetRGBA(x, y, cmap((values[y*cols+x]-min)*scale))
			}
		}
	})
	return img, nil
}

// Render Convert a decoded image to an image.Image. 2d arrays are windowed over their
// own value range, (rows, cols, 3) arrays are read as RGB.
func Render(arr *ndarray.Array) (image.Image, error) {
	shape := arr.Shape()
	switch {
	case len(shape) == 2:
		min, max := arr.MinMax()
		return Window(arr, min, max, Gray)
	case len(shape) == 3 && shape[2] == 3:
		rows, cols := shape[0], shape[1]
		values := arr.Float64s()
		min, max := arr.MinMax()
		if arr.DType() == ndarray.Uint8 {
			min, max = 0, 255
		}
		scale := 0.0
		if max > min {
			scale = 255 / (max - min)
		}
		img := image.NewRGBA(image.Rect(0, 0, cols, rows))
		parallel.Line(rows, func(start, end int) {
			for y := start; y < end; y++ {
				for x := 0; x < cols; x++ {
					i := (y*cols + x) * 3
					img.SetRGBA(x, y, color.RGBA{
						R: uint8(math.Round(clampRange((values[i]-min)*scale, 0, 255))),
						G: uint8(math.Round(clampRange((values[i+1]-min)*scale, 0, 255))),
						B: uint8(math.Round(clampRange((values[i+2]-min)*scale, 0, 255))),
						A: 255,
					})
				}
			}
		})
		return img, nil
	}
	return nil, fmt.Errorf("cannot render an array of shape %v", shape)
}

func clampRange(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
