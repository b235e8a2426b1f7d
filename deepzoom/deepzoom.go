// Package deepzoom serves Deep Zoom tile pyramids of images fetched from CAS tables.
package deepzoom

import (
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	log "github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
)

// Pyramid An image with precomputed downsampled copies. Level i is downsampled by 2^i.
type Pyramid struct {
	levels []*image.NRGBA
}

// NewPyramid Downsample img by factors of two until the smallest level fits in minSize
func NewPyramid(img image.Image, minSize int) *Pyramid {
	base := imaging.Clone(img)
	p := &Pyramid{levels: []*image.NRGBA{base}}
	for {
		last := p.levels[len(p.levels)-1].Bounds()
		if last.Dx() <= minSize && last.Dy() <= minSize {
			break
		}
		w := int(math.Max(1, math.Ceil(float64(last.Dx())/2)))
		h := int(math.Max(1, math.Ceil(float64(last.Dy())/2)))
		p.levels = append(p.levels, imaging.Resize(p.levels[len(p.levels)-1], w, h, imaging.Box))
	}
	return p
}

func (p *Pyramid) LevelCount() int {
	return len(p.levels)
}

func (p *Pyramid) LevelDimensions(level int) [2]int {
	b := p.levels[level].Bounds()
	return [2]int{b.Dx(), b.Dy()}
}

func (p *Pyramid) LevelDownsample(level int) float64 {
	l0 := p.LevelDimensions(0)
	l := p.LevelDimensions(level)
	return float64(l0[0]) / float64(l[0])
}

// BestLevelForDownsample The most downsampled level that is still at least as detailed
// as downsample
func (p *Pyramid) BestLevelForDownsample(downsample float64) int {
	best := 0
	for i := range p.levels {
		if p.LevelDownsample(i) <= downsample {
			best = i
		}
	}
	return best
}

// ReadRegion A w x h region of level, with its top left corner at (x, y) in level 0
// coordinates. Pixels outside the image are transparent.
func (p *Pyramid) ReadRegion(x, y, level, w, h int) (image.Image, error) {
	if level < 0 || level >= len(p.levels) {
		return nil, fmt.Errorf("invalid level %d", level)
	}
	if w < 0 || h < 0 {
		return nil, errors.New("negative region size")
	}
	ds := p.LevelDownsample(level)
	lx := int(math.Round(float64(x) / ds))
	ly := int(math.Round(float64(y) / ds))
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), p.levels[level], image.Pt(lx, ly), draw.Src)
	return out, nil
}

// DeepZoom The Deep Zoom tiling of a pyramid
type DeepZoom struct {
	tileCount           int      // Number of tiles in pyramid
	LevelDimensions     [][2]int // Dimensions of the pyramid levels
	zDimensions         [][2]int
	levelTiles          [][2]int
	levelCount          int
	dzLevelToImageLevel []int // Maps a Deep Zoom level to the pyramid level it is read from
	lzDownsamples       []float64
	tileSize            int         // Tile size of the resulting pyramid
	tileOverlap         int         // Amount the tiles should overlap
	Format              string      // jpeg or png
	bgColor             color.Color // Used where the image is transparent
	Image               *Pyramid
}

type TileInfo struct {
	level0Location  [2]int
	imageLevel      int
	levelOutputSize [2]int
	outputTileSize  [2]int
}

// CreateDeepZoom Tile img in tiles of tileSize with tileOverlap pixels of overlap.
// bgColor is a hex color such as "ffffff".
func CreateDeepZoom(img image.Image, tileSize int, tileOverlap int, format string, bgColor string) (*DeepZoom, error) {
	if tileSize <= 0 || tileOverlap < 0 {
		return nil, fmt.Errorf("invalid tile size %d or overlap %d", tileSize, tileOverlap)
	}
	if format != "jpeg" && format != "png" {
		return nil, errors.New("only allowed formats are jpeg or png")
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, errors.New("empty image")
	}
	pyramid := NewPyramid(img, tileSize)

	var levelDimensions [][2]int
	for i := 0; i < pyramid.LevelCount(); i++ {
		levelDimensions = append(levelDimensions, pyramid.LevelDimensions(i))
	}

	var zDimensions [][2]int
	zSize := levelDimensions[0]
	zDimensions = append(zDimensions, zSize)
	for zSize[0] > 1 || zSize[1] > 1 {
		for i := range zSize {
			zSize[i] = int(math.Max(1.0, math.Ceil(float64(zSize[i])/2.0)))
		}
		zDimensions = append(zDimensions, zSize)
	}
	// smallest level first
	for i, j := 0, len(zDimensions)-1; i < j; i, j = i+1, j-1 {
		zDimensions[i], zDimensions[j] = zDimensions[j], zDimensions[i]
	}

	var levelTiles [][2]int
	for _, zDim := range zDimensions {
		var tiles [2]int
		for i := 0; i < 2; i++ {
			tiles[i] = int(math.Ceil(float64(zDim[i]) / float64(tileSize)))
		}
		levelTiles = append(levelTiles, tiles)
	}

	levelCount := len(zDimensions)
	var dzLevelToImageLevel []int
	var lzDownsamples []float64
	for i := 0; i < levelCount; i++ {
		downsample := math.Pow(2, float64(levelCount-i-1))
		level := pyramid.BestLevelForDownsample(downsample)
		dzLevelToImageLevel = append(dzLevelToImageLevel, level)
		lzDownsamples = append(lzDownsamples, downsample/pyramid.LevelDownsample(level))
	}

	bg, err := colorful.Hex("#" + bgColor)
	if err != nil {
		return nil, fmt.Errorf("cannot parse background color %q: %w", bgColor, err)
	}

	tileCount := 0
	for _, t := range levelTiles {
		tileCount += t[0] * t[1]
	}

	return &DeepZoom{
		tileCount:           tileCount,
		levelCount:          levelCount,
		levelTiles:          levelTiles,
		zDimensions:         zDimensions,
		LevelDimensions:     levelDimensions,
		dzLevelToImageLevel: dzLevelToImageLevel,
		lzDownsamples:       lzDownsamples,
		tileSize:            tileSize,
		tileOverlap:         tileOverlap,
		Format:              format,
		bgColor:             bg,
		Image:               pyramid,
	}, nil
}

// Loader Produces the image of a cache entry on a miss
type Loader func() (image.Image, error)

// GetCachedDeepZoom The DeepZoom of imageIdentifier, created from load and cached for ttl when
// it is not cached yet.
func GetCachedDeepZoom(cache *LocalCache, imageIdentifier string, load Loader, tileSize int, tileOverlap int,
	format string, ttl time.Duration) (*DeepZoom, error) {
	cached, err := cache.Read(imageIdentifier)
	if err == nil {
		return cached.DeepZoom, nil
	}
	log.Info(fmt.Sprintf("Not in cache, will add: %s", imageIdentifier))
	img, err := load()
	if err != nil {
		return nil, err
	}
	deepZoom, err := CreateDeepZoom(img, tileSize, tileOverlap, format, "ffffff")
	if err != nil {
		return nil, err
	}
	cache.Update(NamedDeepZoom{Id: imageIdentifier, DeepZoom: deepZoom}, time.Now().Add(ttl).Unix())
	return deepZoom, nil
}

// TileCount Number of tiles in the whole pyramid
func (deepZoom *DeepZoom) TileCount() int {
	return deepZoom.tileCount
}

// LevelCount Number of Deep Zoom levels
func (deepZoom *DeepZoom) LevelCount() int {
	return deepZoom.levelCount
}

// LevelTiles Tile columns and rows of a level
func (deepZoom *DeepZoom) LevelTiles(level int) [2]int {
	return deepZoom.levelTiles[level]
}

type DziSize struct {
	Width  int `xml:"Width,attr"`
	Height int `xml:"Height,attr"`
}

type DziImage struct {
	XMLName  xml.Name `xml:"Image"`
	Xmlns    string   `xml:"xmlns,attr"`
	TileSize int      `xml:"TileSize,attr"`
	Overlap  int      `xml:"Overlap,attr"`
	Format   string   `xml:"Format,attr"`
	Size     DziSize
}

// GetDzi The Deep Zoom XML descriptor
func (deepZoom *DeepZoom) GetDzi() *DziImage {
	dims := deepZoom.LevelDimensions[0]
	return &DziImage{
		Xmlns:    "http://schemas.microsoft.com/deepzoom/2008",
		TileSize: deepZoom.tileSize,
		Overlap:  deepZoom.tileOverlap,
		Format:   deepZoom.Format,
		Size:     DziSize{Width: dims[0], Height: dims[1]},
	}
}

// GetThumbnail The image scaled to fit in size x size
func (deepZoom *DeepZoom) GetThumbnail(size int) image.Image {
	level := deepZoom.Image.LevelCount() - 1
	for level > 0 {
		d := deepZoom.Image.LevelDimensions(level)
		if d[0] >= size || d[1] >= size {
			break
		}
		level--
	}
	w0, h0 := deepZoom.LevelDimensions[0][0], deepZoom.LevelDimensions[0][1]
	if w0 <= size && h0 <= size {
		return imaging.Clone(deepZoom.Image.levels[0])
	}
	// proportions of the full image, not of the level, decide the rounding
	width, height := size, int(math.Max(1, math.Round(float64(size*h0)/float64(w0))))
	if h0 > w0 {
		width, height = int(math.Max(1, math.Round(float64(size*w0)/float64(h0)))), size
	}
	return imaging.Resize(deepZoom.Image.levels[level], width, height, imaging.Lanczos)
}

// rescaleIfNeeded Scale the tile to the output size the tile info asks for
func rescaleIfNeeded(tile *image.RGBA, tileInfo TileInfo) image.Image {
	if tileInfo.levelOutputSize == tileInfo.outputTileSize {
		return tile
	}
	output := image.NewRGBA(image.Rect(0, 0, tileInfo.outputTileSize[0], tileInfo.outputTileSize[1]))
	xdraw.BiLinear.Scale(output, output.Bounds(), tile, tile.Bounds(), xdraw.Over, nil)
	return output
}

// GetTile A Deep Zoom tile. Transparent pixels are painted in the background color.
func (deepZoom *DeepZoom) GetTile(dzLevel int, location [2]int) (image.Image, error) {
	tileInfo, err := deepZoom.getTileInfo(dzLevel, location)
	if err != nil {
		return nil, err
	}

	region, err := deepZoom.Image.ReadRegion(
		tileInfo.level0Location[0],
		tileInfo.level0Location[1],
		tileInfo.imageLevel,
		tileInfo.levelOutputSize[0],
		tileInfo.levelOutputSize[1],
	)
	if err != nil {
		return nil, err
	}

	bounds := region.Bounds()
	tile := image.NewRGBA(bounds)
	draw.Draw(tile, bounds, image.NewUniform(deepZoom.bgColor), image.Point{}, draw.Src)
	draw.Draw(tile, bounds, region, bounds.Min, draw.Over)
	return rescaleIfNeeded(tile, tileInfo), nil
}

var (
	errInvalidLevel   = errors.New("invalid level")
	errInvalidAddress = errors.New("invalid address")
)

// getTileInfo Where to read a tile and how large it ends up
func (deepZoom *DeepZoom) getTileInfo(dzLevel int, tLocation [2]int) (TileInfo, error) {
	if dzLevel < 0 || dzLevel >= deepZoom.levelCount {
		return TileInfo{}, errInvalidLevel
	}
	for i, t := range tLocation {
		if t < 0 || t >= deepZoom.levelTiles[dzLevel][i] {
			return TileInfo{}, errInvalidAddress
		}
	}

	imageLevel := deepZoom.dzLevelToImageLevel[dzLevel]

	// top/left and bottom/right overlap
	var zOverlapTl, zOverlapBr [2]int
	for i := 0; i < 2; i++ {
		if tLocation[i] != 0 {
			zOverlapTl[i] = deepZoom.tileOverlap
		}
		if tLocation[i] != deepZoom.levelTiles[dzLevel][i]-1 {
			zOverlapBr[i] = deepZoom.tileOverlap
		}
	}

	var outputTileSize [2]int
	for i := 0; i < 2; i++ {
		zLim := deepZoom.zDimensions[dzLevel][i]
		outputTileSize[i] = min(deepZoom.tileSize, zLim-deepZoom.tileSize*tLocation[i]) + zOverlapTl[i] + zOverlapBr[i]
	}

	zLocation := [2]int{deepZoom.tileSize * tLocation[0], deepZoom.tileSize * tLocation[1]}
	lLocation := [2]float64{
		deepZoom.lzDownsamples[dzLevel] * float64(zLocation[0]-zOverlapTl[0]),
		deepZoom.lzDownsamples[dzLevel] * float64(zLocation[1]-zOverlapTl[1]),
	}

	// round location down and size up
	downsample := deepZoom.Image.LevelDownsample(imageLevel)
	level0Location := [2]int{int(downsample * lLocation[0]), int(downsample * lLocation[1])}

	var levelOutputSize [2]int
	for i := 0; i < 2; i++ {
		lLim := deepZoom.LevelDimensions[imageLevel][i]
		levelOutputSize[i] = int(math.Min(
			math.Ceil(deepZoom.lzDownsamples[dzLevel]*float64(outputTileSize[i])),
			float64(lLim)-math.Ceil(lLocation[i]),
		))
	}

	return TileInfo{
		level0Location:  level0Location,
		imageLevel:      imageLevel,
		levelOutputSize: levelOutputSize,
		outputTileSize:  outputTileSize,
	}, nil
}
