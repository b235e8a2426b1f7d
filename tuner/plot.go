package tuner

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"

	"cvscope/visualization"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

const (
	labelController = "Controller Thread Count"
	labelWorker     = "Worker Thread Count"
	labelRuntime    = "Runtime (sec)"

	minPlotWidth  = 240
	minPlotHeight = 160
)

var (
	lineColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	axisColor = color.RGBA{A: 255}
)

var errPlotTooSmall = errors.New("plot size too small")

// PlotExecTimes Plot the objective statistic: a line over the controller thread counts in
// SMP mode, a heatmap over controller and worker thread counts with a colorbar in MPP mode.
func (r *Results) PlotExecTimes(width, height int) (*image.RGBA, error) {
	if width < minPlotWidth || height < minPlotHeight {
		return nil, fmt.Errorf("%w: %dx%d, need at least %dx%d", errPlotTooSmall, width, height, minPlotWidth, minPlotHeight)
	}
	grid := r.ObjectiveExecTimes()
	controllers := r.ControllerRange.Values()
	if len(grid) == 0 || len(grid) != len(controllers) {
		return nil, errors.New("results hold no exec times")
	}
	if r.Mode == SMP {
		return r.plotLine(grid, controllers, width, height), nil
	}
	workers := r.WorkerRange.Values()
	for _, row := range grid {
		if len(row) != len(workers) {
			return nil, errors.New("exec times do not match the worker range")
		}
	}
	return r.plotHeatmap(grid, controllers, workers, width, height), nil
}

type canvas struct {
	img  *image.RGBA
	face font.Face
	z    *vector.Rasterizer
}

func newCanvas(width, height int) *canvas {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	return &canvas{img: img, face: basicfont.Face7x13, z: vector.NewRasterizer(width, height)}
}

type align int

const (
	alignLeft align = iota
	alignCenter
	alignRight
)

// text Draw s with its baseline at y
func (c *canvas) text(x, y int, s string, a align) {
	d := &font.Drawer{Dst: c.img, Src: image.NewUniform(axisColor), Face: c.face}
	w := d.MeasureString(s).Ceil()
	switch a {
	case alignCenter:
		x -= w / 2
	case alignRight:
		x -= w
	}
	d.Dot = fixed.P(x, y)
	d.DrawString(s)
}

// line Stroke a segment of the given width
func (c *canvas) line(x0, y0, x1, y1, width float64, col color.Color) {
	dx, dy := x1-x0, y1-y0
	l := math.Hypot(dx, dy)
	if l == 0 {
		return
	}
	nx, ny := -dy/l*width/2, dx/l*width/2
	b := c.img.Bounds()
	c.z.Reset(b.Dx(), b.Dy())
	c.z.MoveTo(float32(x0+nx), float32(y0+ny))
	c.z.LineTo(float32(x1+nx), float32(y1+ny))
	c.z.LineTo(float32(x1-nx), float32(y1-ny))
	c.z.LineTo(float32(x0-nx), float32(y0-ny))
	c.z.ClosePath()
	c.z.Draw(c.img, b, image.NewUniform(col), image.Point{})
}

func (c *canvas) fill(r image.Rectangle, col color.Color) {
	draw.Draw(c.img, r, image.NewUniform(col), image.Point{}, draw.Src)
}

func formatTick(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}

// tickStep Label every step-th of n ticks so that at most 10 are labelled
func tickStep(n int) int {
	return (n + 9) / 10
}

func valueRange(grid [][]float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range grid {
		for _, v := range row {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	return lo, hi
}

type plotArea struct {
	left, top, right, bottom int
}

func (p plotArea) width() float64  { return float64(p.right - p.left) }
func (p plotArea) height() float64 { return float64(p.bottom - p.top) }

func (c *canvas) axes(p plotArea) {
	c.line(float64(p.left), float64(p.top), float64(p.left), float64(p.bottom), 1, axisColor)
	c.line(float64(p.left), float64(p.bottom), float64(p.right), float64(p.bottom), 1, axisColor)
}

func (r *Results) plotLine(grid [][]float64, controllers []int, width, height int) *image.RGBA {
	c := newCanvas(width, height)
	p := plotArea{left: 70, top: 45, right: width - 20, bottom: height - 50}
	c.text(width/2, 20, "Performance of loadImages in SMP", alignCenter)
	c.text(p.left, p.top-10, labelRuntime, alignCenter)
	c.text((p.left+p.right)/2, height-12, labelController, alignCenter)
	c.axes(p)

	lo, hi := valueRange(grid)
	if hi == lo {
		lo, hi = lo-0.5, hi+0.5
	}
	xmin, xmax := float64(controllers[0]), float64(controllers[len(controllers)-1])
	if xmax == xmin {
		xmin, xmax = xmin-1, xmax+1
	}
	px := func(v float64) float64 { return float64(p.left) + (v-xmin)/(xmax-xmin)*p.width() }
	py := func(v float64) float64 { return float64(p.bottom) - (v-lo)/(hi-lo)*p.height() }

	step := tickStep(len(controllers))
	for i, ct := range controllers {
		x := px(float64(ct))
		c.line(x, float64(p.bottom), x, float64(p.bottom+4), 1, axisColor)
		if i%step == 0 {
			c.text(int(x), p.bottom+18, strconv.Itoa(ct), alignCenter)
		}
	}
	for i := 0; i <= 4; i++ {
		v := lo + float64(i)/4*(hi-lo)
		y := py(v)
		c.line(float64(p.left-4), y, float64(p.left), y, 1, axisColor)
		c.text(p.left-7, int(y)+4, formatTick(v), alignRight)
	}

	for i := 1; i < len(controllers); i++ {
		c.line(px(float64(controllers[i-1])), py(grid[i-1][0]), px(float64(controllers[i])), py(grid[i][0]), 2, lineColor)
	}
	for i, ct := range controllers {
		x, y := int(px(float64(ct))), int(py(grid[i][0]))
		c.fill(image.Rect(x-2, y-2, x+3, y+3), lineColor)
	}
	return c.img
}

func (r *Results) plotHeatmap(grid [][]float64, controllers, workers []int, width, height int) *image.RGBA {
	c := newCanvas(width, height)
	p := plotArea{left: 70, top: 45, right: width - 100, bottom: height - 50}
	c.text(width/2, 20, "Performance of loadImages in MPP", alignCenter)
	c.text(p.left, p.top-10, labelWorker, alignCenter)
	c.text((p.left+p.right)/2, height-12, labelController, alignCenter)

	lo, hi := valueRange(grid)
	norm := func(v float64) float64 {
		if hi == lo {
			return 0.5
		}
		return (v - lo) / (hi - lo)
	}

	cw := p.width() / float64(len(controllers))
	ch := p.height() / float64(len(workers))
	for ci := range controllers {
		for wi := range workers {
			// worker counts grow upwards
			cell := image.Rect(
				p.left+int(math.Round(float64(ci)*cw)),
				p.bottom-int(math.Round(float64(wi+1)*ch)),
				p.left+int(math.Round(float64(ci+1)*cw)),
				p.bottom-int(math.Round(float64(wi)*ch)),
			)
			c.fill(cell, visualization.CoolWarm(norm(grid[ci][wi])))
		}
	}
	c.axes(p)

	step := tickStep(len(controllers))
	for ci, ct := range controllers {
		if ci%step == 0 {
			c.text(p.left+int((float64(ci)+0.5)*cw), p.bottom+18, strconv.Itoa(ct), alignCenter)
		}
	}
	step = tickStep(len(workers))
	for wi, wt := range workers {
		if wi%step == 0 {
			c.text(p.left-7, p.bottom-int((float64(wi)+0.5)*ch)+4, strconv.Itoa(wt), alignRight)
		}
	}

	bar := image.Rect(width-80, p.top, width-62, p.bottom)
	for y := bar.Min.Y; y < bar.Max.Y; y++ {
		t := float64(bar.Max.Y-1-y) / math.Max(1, float64(bar.Dy()-1))
		c.fill(image.Rect(bar.Min.X, y, bar.Max.X, y+1), visualization.CoolWarm(t))
	}
	c.text(bar.Max.X+4, bar.Min.Y+10, formatTick(hi), alignLeft)
	c.text(bar.Max.X+4, bar.Max.Y, formatTick(lo), alignLeft)
	c.text(bar.Min.X+bar.Dx()/2, bar.Min.Y-10, labelRuntime, alignCenter)
	return c.img
}
