package visualization

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"cvscope/cas"

	"golang.org/x/image/vector"
)

// Columns of the surface tables written by biomedimage.buildSurface
const (
	SurfaceIDCol     = "Surface Identifier"
	vertexSurfaceCol = "_surfaceId_"
)

var errEmptySurface = errors.New("surface has no faces")

// Surface A triangle mesh
type Surface struct {
	ID       int64
	Vertices [][3]float64
	Faces    [][3]int
}

// FetchSurface Fetch the mesh of the first surface listed in surfaces. Vertices are ordered
// by _id_ and faces index into them.
func FetchSurface(ctx context.Context, surfaces, vertices, faces *cas.Table) (*Surface, error) {
	list, err := surfaces.Fetch(ctx, 1, 1)
	if err != nil {
		return nil, err
	}
	if list.Len() == 0 {
		return nil, fmt.Errorf("%s lists no surfaces", surfaces)
	}
	id, err := list.Int(0, SurfaceIDCol)
	if err != nil {
		return nil, err
	}
	where := fmt.Sprintf("%s=%d", vertexSurfaceCol, id)

	vrows, err := fetchAll(ctx, vertices.Query(where))
	if err != nil {
		return nil, fmt.Errorf("vertices: %w", err)
	}
	type vertex struct {
		id  int64
		pos [3]float64
	}
	vs := make([]vertex, vrows.Len())
	for i := range vs {
		if vs[i].id, err = vrows.Int(i, "_id_"); err != nil {
			return nil, err
		}
		for k, col := range []string{"_x_", "_y_", "_z_"} {
			if vs[i].pos[k], err = vrows.Float(i, col); err != nil {
				return nil, err
			}
		}
	}
	sort.SliceStable(vs, func(a, b int) bool { return vs[a].id < vs[b].id })

	frows, err := fetchAll(ctx, faces.Query(where))
	if err != nil {
		return nil, fmt.Errorf("faces: %w", err)
	}
	s := &Surface{ID: id, Vertices: make([][3]float64, len(vs)), Faces: make([][3]int, frows.Len())}
	for i, v := range vs {
		s.Vertices[i] = v.pos
	}
	for i := range s.Faces {
		for k, col := range []string{"_v1_", "_v2_", "_v3_"} {
			v, err := frows.Int(i, col)
			if err != nil {
				return nil, err
			}
			if v < 0 || int(v) >= len(vs) {
				return nil, fmt.Errorf("face %d references vertex %d of %d", i, v, len(vs))
			}
			s.Faces[i][k] = int(v)
		}
	}
	return s, nil
}

func fetchAll(ctx context.Context, table *cas.Table) (*cas.ResultTable, error) {
	n, err := table.RecordCount(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return &cas.ResultTable{}, nil
	}
	return table.Fetch(ctx, 1, n)
}

type projectedFace struct {
	points [3][2]float32
	depth  float64
	shade  float64
}

// DisplaySurface Render the mesh looking down the z axis: orthographic projection onto
// the x-y plane, faces drawn far to near and shaded by their normal.
func DisplaySurface(s *Surface, c color.RGBA, opacity float64, width, height int) (*image.RGBA, error) {
	if len(s.Faces) == 0 {
		return nil, errEmptySurface
	}
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	opacity = clamp01(opacity)

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, f := range s.Faces {
		for _, vi := range f {
			v := s.Vertices[vi]
			minX, maxX = math.Min(minX, v[0]), math.Max(maxX, v[0])
			minY, maxY = math.Min(minY, v[1]), math.Max(maxY, v[1])
		}
	}
	margin := 0.05 * float64(min(width, height))
	extent := math.Max(maxX-minX, maxY-minY)
	scale := 1.0
	if extent > 0 {
		scale = math.Min(float64(width)-2*margin, float64(height)-2*margin) / extent
	}
	offX := (float64(width) - (maxX-minX)*scale) / 2
	offY := (float64(height) - (maxY-minY)*scale) / 2

	projected := make([]projectedFace, len(s.Faces))
	for i, f := range s.Faces {
		a, b, cc := s.Vertices[f[0]], s.Vertices[f[1]], s.Vertices[f[2]]
		var p projectedFace
		for k, v := range [3][3]float64{a, b, cc} {
			// image y grows downwards
			p.points[k] = [2]float32{
				float32(offX + (v[0]-minX)*scale),
				float32(float64(height) - offY - (v[1]-minY)*scale),
			}
		}
		p.depth = (a[2] + b[2] + cc[2]) / 3
		u := [3]float64{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
		w := [3]float64{cc[0] - a[0], cc[1] - a[1], cc[2] - a[2]}
		n := [3]float64{u[1]*w[2] - u[2]*w[1], u[2]*w[0] - u[0]*w[2], u[0]*w[1] - u[1]*w[0]}
		if l := math.Sqrt(n[0]*n[0] + n[1]*n[1] + n[2]*n[2]); l > 0 {
			p.shade = 0.3 + 0.7*math.Abs(n[2]/l)
		} else {
			p.shade = 0.3
		}
		projected[i] = p
	}
	sort.SliceStable(projected, func(i, j int) bool { return projected[i].depth < projected[j].depth })

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	z := vector.NewRasterizer(width, height)
	for _, p := range projected {
		z.Reset(width, height)
		z.MoveTo(p.points[0][0], p.points[0][1])
		z.LineTo(p.points[1][0], p.points[1][1])
		z.LineTo(p.points[2][0], p.points[2][1])
		z.ClosePath()
		alpha := opacity * 255
		fill := color.NRGBA{
			R: uint8(float64(c.R) * p.shade),
			G: uint8(float64(c.G) * p.shade),
			B: uint8(float64(c.B) * p.shade),
			A: uint8(math.Round(alpha)),
		}
		z.Draw(img, img.Bounds(), image.NewUniform(fill), image.Point{})
	}
	return img, nil
}
