package controllers

import (
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cvscope/cas"
	"cvscope/deepzoom"
	"cvscope/imagetable"
	"cvscope/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type DeepZoomCoordinates struct {
	format   string
	level    int
	location [2]int
}

// parseDeepZoomCoordinates Parse :level and :location, e.g. "3_1.png" for column 3 and row 1
func parseDeepZoomCoordinates(c *gin.Context) (DeepZoomCoordinates, error) {
	name, ext, found := strings.Cut(c.Param("location"), ".")
	if !found || (ext != "png" && ext != "jpg" && ext != "jpeg") {
		return DeepZoomCoordinates{}, errExtension
	}
	format := "png"
	if ext != "png" {
		format = "jpeg"
	}

	column, row, found := strings.Cut(name, "_")
	if !found {
		return DeepZoomCoordinates{}, errors.New("location must be column_row")
	}
	level, err := strconv.Atoi(c.Param("level"))
	if err != nil {
		return DeepZoomCoordinates{}, errors.New("cannot parse level")
	}
	rowInt, err := strconv.Atoi(row)
	if err != nil {
		return DeepZoomCoordinates{}, errors.New("cannot parse row")
	}
	columnInt, err := strconv.Atoi(column)
	if err != nil {
		return DeepZoomCoordinates{}, errors.New("cannot parse column")
	}

	return DeepZoomCoordinates{
		format:   format,
		level:    level,
		location: [2]int{columnInt, rowInt},
	}, nil
}

// cachedDeepZoom The pyramid of row :n of :caslib.:table, rendered on the first request
func cachedDeepZoom(c *gin.Context, tables *Tables, cache *deepzoom.LocalCache,
	config *utils.Config) (*deepzoom.DeepZoom, error) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("cannot parse %q as a row", c.Param("n"))
	}
	identifier := fmt.Sprintf("%s.%s/%d", c.Param("caslib"), c.Param("table"), n)
	loader := func() (image.Image, error) {
		table, err := tables.openTable(c)
		if err != nil {
			return nil, err
		}
		arr, err := fetchArray(c, table, n)
		if err != nil {
			return nil, err
		}
		return renderArray(arr)
	}
	return deepzoom.GetCachedDeepZoom(cache, identifier, loader, config.DeepZoom.TileSize, config.DeepZoom.TileOverlap,
		config.DeepZoom.Format, time.Duration(config.Cache.ExpirySeconds)*time.Second)
}

func deepZoomError(c *gin.Context, err error) {
	var actionErr *cas.ActionError
	if errors.As(err, &actionErr) || errors.Is(err, imagetable.ErrNoRow) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.Warn(fmt.Sprintf("Error getting cached deep zoom of %s: %s", c.Request.URL.Path, err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// GetTile Get DeepZoom tile and write to output
func GetTile(tables *Tables, cache *deepzoom.LocalCache, config *utils.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		coordinates, err := parseDeepZoomCoordinates(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		deepZoom, err := cachedDeepZoom(c, tables, cache, config)
		if err != nil {
			deepZoomError(c, err)
			return
		}
		tile, err := deepZoom.GetTile(coordinates.level, coordinates.location)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		writeImage(c, tile, coordinates.format)
	}
}

// GetDzi Get the deepzoom XML of a table row
func GetDzi(tables *Tables, cache *deepzoom.LocalCache, config *utils.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		deepZoom, err := cachedDeepZoom(c, tables, cache, config)
		if err != nil {
			deepZoomError(c, err)
			return
		}
		c.XML(http.StatusOK, deepZoom.GetDzi())
	}
}

// GetDeepZoomThumbnail The thumbnail of a table row, from its cached pyramid
func GetDeepZoomThumbnail(tables *Tables, cache *deepzoom.LocalCache, config *utils.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Only thumbnail.{jpg,png} is allowed in the route
		format := "png"
		if strings.HasSuffix(c.FullPath(), ".jpg") {
			format = "jpeg"
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
		deepZoom, err := cachedDeepZoom(c, tables, cache, config)
		if err != nil {
			deepZoomError(c, err)
			return
		}
		writeImage(c, deepZoom.GetThumbnail(size), format)
	}
}
