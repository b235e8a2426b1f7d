package utils

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"cvscope/ndarray"
)

// Channel types stored in the _imageFormat_ column of decoded image tables.
const (
	ChannelType8U  = "8U"
	ChannelType8S  = "8S"
	ChannelType16U = "16U"
	ChannelType16S = "16S"
	ChannelType32S = "32S"
	ChannelType32F = "32F"
	ChannelType64F = "64F"
	ChannelType64U = "64U"
)

var channelTypes = map[string]ndarray.DType{
	ChannelType8U:  ndarray.Uint8,
	ChannelType8S:  ndarray.Int8,
	ChannelType16U: ndarray.Uint16,
	ChannelType16S: ndarray.Int16,
	ChannelType32S: ndarray.Int32,
	ChannelType32F: ndarray.Float32,
	ChannelType64F: ndarray.Float64,
	ChannelType64U: ndarray.Uint64,
}

var (
	errShortBinary     = errors.New("image binary is shorter than its resolution")
	errShortResolution = errors.New("resolution blob is shorter than its dimension")
	errRowIndex        = errors.New("row index out of range")
	errResolution      = errors.New("invalid image resolution")
)

// ImageRow holds the columns of one fetched image table row needed for decoding.
type ImageRow struct {
	Image      []byte
	Dimension  int
	Resolution []byte
	Format     string
}

// DecodeResolution Read dimension little-endian int64 values and reverse them,
// so that the slowest varying axis comes first.
func DecodeResolution(blob []byte, dimension int) ([]int, error) {
	if dimension < 1 {
		return nil, fmt.Errorf("invalid dimension %d", dimension)
	}
	if len(blob) < dimension*8 {
		return nil, fmt.Errorf("%w: %d bytes for dimension %d", errShortResolution, len(blob), dimension)
	}
	resolution := make([]int, dimension)
	for i := 0; i < dimension; i++ {
		v := int64(binary.LittleEndian.Uint64(blob[i*8 : (i+1)*8]))
		if v < 1 || v > math.MaxInt32 {
			return nil, fmt.Errorf("%w: axis size %d", errResolution, v)
		}
		resolution[dimension-1-i] = int(v)
	}
	return resolution, nil
}

// EncodeResolution Inverse of DecodeResolution.
func EncodeResolution(resolution []int) []byte {
	buf := make([]byte, len(resolution)*8)
	for i, r := range resolution {
		binary.LittleEndian.PutUint64(buf[(len(resolution)-1-i)*8:], uint64(int64(r)))
	}
	return buf
}

// DecodeFloat64s Read count little-endian float64 values.
func DecodeFloat64s(blob []byte, count int) ([]float64, error) {
	if len(blob) < count*8 {
		return nil, fmt.Errorf("need %d bytes for %d float64 values, got %d", count*8, count, len(blob))
	}
	arr, err := ndarray.FromBytes(ndarray.Float64, []int{count}, blob[:count*8])
	if err != nil {
		return nil, err
	}
	return arr.Float64s(), nil
}

// product Number of cells of a resolution. Every axis must be positive and the
// product must fit in an int.
func product(values []int) (int, error) {
	n := 1
	for _, v := range values {
		if v < 1 || n > math.MaxInt/v {
			return 0, fmt.Errorf("%w: %v", errResolution, values)
		}
		n *= v
	}
	return n, nil
}

// GetImageArrayFromRow Decode an image binary of the given channel type into an array of
// shape resolution. 8-bit three channel images, and images with an unknown format, are
// decoded as (r0, r1, 3) with the channels flipped from BGR to RGB.
func GetImageArrayFromRow(imageBinary []byte, dimension int, resolution []int, format string, channelCount int) (*ndarray.Array, error) {
	if len(resolution) == 0 {
		return nil, errors.New("empty resolution")
	}
	if len(resolution) != dimension {
		return nil, fmt.Errorf("resolution %v does not match dimension %d", resolution, dimension)
	}
	numCells, err := product(resolution)
	if err != nil {
		return nil, err
	}
	// 8 bytes covers the widest channel type and the three channel layout
	if numCells > math.MaxInt/8 {
		return nil, fmt.Errorf("%w: %v", errResolution, resolution)
	}

	dtype, known := channelTypes[format]
	if known && !(format == ChannelType8U && channelCount == 3) {
		need := numCells * dtype.Size()
		if len(imageBinary) < need {
			return nil, fmt.Errorf("%w: need %d bytes of %s, got %d", errShortBinary, need, format, len(imageBinary))
		}
		return ndarray.FromBytes(dtype, resolution, imageBinary[:need])
	}

	if len(resolution) < 2 {
		return nil, fmt.Errorf("cannot decode a three channel image with resolution %v", resolution)
	}
	shape := []int{resolution[0], resolution[1], 3}
	var data []byte
	if known {
		need := numCells * 3
		if len(imageBinary) < need {
			return nil, fmt.Errorf("%w: need %d bytes, got %d", errShortBinary, need, len(imageBinary))
		}
		data = imageBinary[:need]
	} else {
		data = imageBinary
	}
	arr, err := ndarray.FromBytes(ndarray.Uint8, shape, data)
	if err != nil {
		return nil, err
	}
	return arr.Reverse(2)
}

// GetImageArray Decode row n of the fetched rows using the row's own format.
func GetImageArray(rows []ImageRow, n int, channelCount int) (*ndarray.Array, error) {
	if n < 0 || n >= len(rows) {
		return nil, fmt.Errorf("%w: %d of %d", errRowIndex, n, len(rows))
	}
	return GetImageArrayConstCType(rows, rows[n].Format, n, channelCount)
}

// GetImageArrayConstCType Decode row n of the fetched rows with the given channel type.
func GetImageArrayConstCType(rows []ImageRow, ctype string, n int, channelCount int) (*ndarray.Array, error) {
	if n < 0 || n >= len(rows) {
		return nil, fmt.Errorf("%w: %d of %d", errRowIndex, n, len(rows))
	}
	row := rows[n]
	resolution, err := DecodeResolution(row.Resolution, row.Dimension)
	if err != nil {
		return nil, err
	}
	return GetImageArrayFromRow(row.Image, row.Dimension, resolution, ctype, channelCount)
}

// ConvertToCASColumn Convert a name like "{id}" to the CAS column form "__id__".
func ConvertToCASColumn(s string) string {
	s = strings.ReplaceAll(strings.ReplaceAll(s, "{", "_"), "}", "_")
	return "_" + s + "_"
}
