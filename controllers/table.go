package controllers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cvscope/cas"
	"cvscope/imagetable"
	"cvscope/ndarray"
	"cvscope/utils"
	"cvscope/visualization"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// maxThumbnailSize Largest thumbnail edge that is served
const maxThumbnailSize = 1024

var errExtension = errors.New("only png or jpg is allowed as an extension")

// splitExtension Split "12.png" into 12 and "png". A missing extension means png.
func splitExtension(param string) (int, string, error) {
	name, ext, found := strings.Cut(param, ".")
	format := "png"
	if found {
		switch ext {
		case "png":
		case "jpg", "jpeg":
			format = "jpeg"
		default:
			return 0, "", errExtension
		}
	}
	n, err := strconv.Atoi(name)
	if err != nil || n < 0 {
		return 0, "", fmt.Errorf("cannot parse %q as an index", name)
	}
	return n, format, nil
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	value := c.Query(key)
	if value == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("incorrect value for %s", key)
	}
	return v, nil
}

func queryFloat(c *gin.Context, key string, fallback float64) (float64, error) {
	value := c.Query(key)
	if value == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("incorrect value for %s", key)
	}
	return v, nil
}

// Tables The biomedical image tables of one CAS session, opened once and reused until
// ttl has passed. Opening lists the columns and loads the action sets.
type Tables struct {
	session  *cas.Session
	rowCache *imagetable.RowCache
	ttl      time.Duration

	mu     sync.Mutex
	opened map[string]openedTable
}

type openedTable struct {
	table *imagetable.BiomedImageTable
	at    time.Time
}

// NewTables Table lookups for session. Decoded rows go to rowCache when it is not nil.
func NewTables(session *cas.Session, rowCache *imagetable.RowCache, ttl time.Duration) *Tables {
	return &Tables{session: session, rowCache: rowCache, ttl: ttl, opened: make(map[string]openedTable)}
}

// Open The table caslib.name, from the opened tables when possible
func (t *Tables) Open(ctx context.Context, caslib, name string) (*imagetable.BiomedImageTable, error) {
	key := strings.ToLower(caslib + "." + name)
	t.mu.Lock()
	o, ok := t.opened[key]
	t.mu.Unlock()
	if ok && time.Since(o.at) < t.ttl {
		return o.table, nil
	}

	b, err := imagetable.NewBiomedImageTable(ctx, t.session.Table(name, caslib), imagetable.Columns{})
	if err != nil {
		return nil, err
	}
	if t.rowCache != nil {
		b.WithCache(t.rowCache)
	}
	t.mu.Lock()
	t.opened[key] = openedTable{table: b, at: time.Now()}
	t.mu.Unlock()
	return b, nil
}

// Forget Open caslib.name again on its next use
func (t *Tables) Forget(caslib, name string) {
	t.mu.Lock()
	delete(t.opened, strings.ToLower(caslib+"."+name))
	t.mu.Unlock()
}

// openTable The table named by the :caslib and :table route parameters
func (t *Tables) openTable(c *gin.Context) (*imagetable.BiomedImageTable, error) {
	return t.Open(c.Request.Context(), c.Param("caslib"), c.Param("table"))
}

// fetchArray Decode row n, optionally filtered by the where query parameter
func fetchArray(c *gin.Context, table *imagetable.BiomedImageTable, n int) (*ndarray.Array, error) {
	channels, err := queryInt(c, "channels", 1)
	if err != nil {
		return nil, err
	}
	return table.FetchImageArray(c.Request.Context(), imagetable.FetchOptions{
		N:      n,
		Query:  c.Query("where"),
		CCount: channels,
	})
}

// renderArray 2d and RGB images as they are, volumes as a montage through their center
func renderArray(arr *ndarray.Array) (image.Image, error) {
	img, err := visualization.Render(arr)
	if err == nil {
		return img, nil
	}
	if arr.NDim() != 3 {
		return nil, err
	}
	shape := arr.Shape()
	return visualization.Display3DImageSlicesFromArray(arr, shape[0]/2, shape[1]/2, shape[2]/2)
}

// writeImage Encode img and write it with its content type
func writeImage(c *gin.Context, img image.Image, format string) {
	quality, err := queryInt(c, "Q", 75)
	if err != nil || quality < 1 || quality > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Incorrect value for quality."})
		return
	}
	data, contentType, err := utils.EncodeImage(img, format, quality)
	if err != nil {
		log.Warn(fmt.Sprintf("Error encoding %s image: %s", format, err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

// tableError Answer 404 for missing tables and rows, 500 otherwise. A table CAS fails on
// is opened again by the next request.
func (t *Tables) tableError(c *gin.Context, err error) {
	var actionErr *cas.ActionError
	if errors.As(err, &actionErr) {
		t.Forget(c.Param("caslib"), c.Param("table"))
	}
	if errors.As(err, &actionErr) || errors.Is(err, imagetable.ErrNoRow) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.Warn(fmt.Sprintf("Error reading %s.%s: %s", c.Param("caslib"), c.Param("table"), err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// GetImage Render row :n of a table, e.g. /images/3.png
func GetImage(tables *Tables) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, format, err := splitExtension(c.Param("n"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		table, err := tables.openTable(c)
		if err != nil {
			tables.tableError(c, err)
			return
		}
		arr, err := fetchArray(c, table, n)
		if err != nil {
			tables.tableError(c, err)
			return
		}
		img, err := renderArray(arr)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		writeImage(c, img, format)
	}
}

// GetGeometry The position, orientation and spacing of row n
func GetGeometry(tables *Tables) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := queryInt(c, "n", 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		table, err := tables.openTable(c)
		if err != nil {
			tables.tableError(c, err)
			return
		}
		g, err := table.FetchGeometryInfo(c.Request.Context(), imagetable.GeometryOptions{N: n, Query: c.Query("where")})
		if err != nil {
			tables.tableError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{
			"position":    g.Position,
			"orientation": g.Orientation,
			"spacing":     g.Spacing,
		}})
	}
}

// slicePerms Axis order that makes each axis the slicing one
var slicePerms = map[string][3]int{
	"x": {0, 1, 2},
	"y": {1, 0, 2},
	"z": {2, 0, 1},
}

// GetSlice Render slice :index of the volume in row n along axis x, y or z, windowed to
// min..max with the given colormap.
func GetSlice(tables *Tables) gin.HandlerFunc {
	return func(c *gin.Context) {
		index, format, err := splitExtension(c.Param("index"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		perm, ok := slicePerms[c.DefaultQuery("axis", "z")]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "axis must be x, y or z"})
			return
		}
		opts := visualization.DefaultSliceOptions()
		n, err := queryInt(c, "n", 0)
		if err == nil {
			opts.Min, err = queryFloat(c, "min", opts.Min)
		}
		if err == nil {
			opts.Max, err = queryFloat(c, "max", opts.Max)
		}
		if err == nil {
			opts.Additive, err = queryFloat(c, "additive", 0)
		}
		if err == nil && c.Query("colormap") != "" {
			opts.Colormap, err = visualization.ColormapByName(c.Query("colormap"))
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		table, err := tables.openTable(c)
		if err != nil {
			tables.tableError(c, err)
			return
		}
		arr, err := fetchArray(c, table, n)
		if err != nil {
			tables.tableError(c, err)
			return
		}
		slice, err := visualization.ImageSlice(arr, perm, index, opts.Additive)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		img, err := visualization.Window(slice, opts.Min, opts.Max, opts.Colormap)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		writeImage(c, img, format)
	}
}

// GetMontage The x, y and z planes through (x, y, z) of the volume in row n
func GetMontage(tables *Tables) gin.HandlerFunc {
	return func(c *gin.Context) {
		var coords [4]int
		for i, key := range []string{"n", "x", "y", "z"} {
			v, err := queryInt(c, key, 0)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			coords[i] = v
		}
		table, err := tables.openTable(c)
		if err != nil {
			tables.tableError(c, err)
			return
		}
		arr, err := fetchArray(c, table, coords[0])
		if err != nil {
			tables.tableError(c, err)
			return
		}
		montage, err := visualization.Display3DImageSlicesFromArray(arr, coords[1], coords[2], coords[3])
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		writeImage(c, montage, "png")
	}
}

// GetTableThumbnail Row n scaled to fit a size x size box
func GetTableThumbnail(tables *Tables) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Only thumbnail.{jpg,png} is allowed in the route
		format := "png"
		if strings.HasSuffix(c.FullPath(), ".jpg") {
			format = "jpeg"
		}
		n, err := queryInt(c, "n", 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		size, err := queryInt(c, "size", 512)
		if err != nil || size < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Incorrect value for size."})
			return
		}
		if size > maxThumbnailSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Too large thumbnail requested."})
			return
		}
		table, err := tables.openTable(c)
		if err != nil {
			tables.tableError(c, err)
			return
		}
		arr, err := fetchArray(c, table, n)
		if err != nil {
			tables.tableError(c, err)
			return
		}
		img, err := renderArray(arr)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		writeImage(c, visualization.Thumbnail(img, size), format)
	}
}
