package utils

import (
	"encoding/binary"
	"errors"
	"fmt"

	"cvscope/ndarray"
)

// ImageDataType OpenCV matrix type codes used in the wide image header.
type ImageDataType int64

const (
	CV8UC1  ImageDataType = 0
	CV8UC3  ImageDataType = 16
	CV32FC1 ImageDataType = 5
	CV32FC3 ImageDataType = 21
	CV64FC1 ImageDataType = 6
	CV64FC3 ImageDataType = 22
)

const wideHeaderSize = 4 * 8

// wideMarker First header value of every wide image
var wideMarker int64 = -1

type wideLayout struct {
	dtype    ndarray.DType
	channels int
}

var wideLayouts = map[ImageDataType]wideLayout{
	CV8UC1:  {ndarray.Uint8, 1},
	CV8UC3:  {ndarray.Uint8, 3},
	CV32FC1: {ndarray.Float32, 1},
	CV32FC3: {ndarray.Float32, 3},
	CV64FC1: {ndarray.Float64, 1},
	CV64FC3: {ndarray.Float64, 3},
}

var (
	errWideHeader      = errors.New("wide image header is malformed")
	errWideDataType    = errors.New("unsupported wide image data type")
	errWideArrayLayout = errors.New("array has no wide image data type")
)

// DataTypeFor OpenCV type code of arrays with the given dtype and channel count.
func DataTypeFor(dtype ndarray.DType, channels int) (ImageDataType, error) {
	for code, layout := range wideLayouts {
		if layout.dtype == dtype && layout.channels == channels {
			return code, nil
		}
	}
	return 0, fmt.Errorf("%w: %s with %d channels", errWideArrayLayout, dtype, channels)
}

// ConvertWideToArray Decode a wide image buffer into a (rows, cols, channels) array.
// The buffer starts with four int64 values: -1, cols, rows and the data type.
func ConvertWideToArray(wide []byte) (*ndarray.Array, error) {
	if len(wide) < wideHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", errWideHeader, len(wide))
	}
	header := make([]int64, 4)
	for i := range header {
		header[i] = int64(binary.LittleEndian.Uint64(wide[i*8 : (i+1)*8]))
	}
	if header[0] != wideMarker {
		return nil, fmt.Errorf("%w: marker %d", errWideHeader, header[0])
	}
	cols, rows := int(header[1]), int(header[2])
	layout, ok := wideLayouts[ImageDataType(header[3])]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errWideDataType, header[3])
	}
	return ndarray.FromBytes(layout.dtype, []int{rows, cols, layout.channels}, wide[wideHeaderSize:])
}

// ConvertArrayToWide Encode a (rows, cols, channels) array as a wide image buffer.
func ConvertArrayToWide(arr *ndarray.Array) ([]byte, error) {
	shape := arr.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: shape %v", errWideArrayLayout, shape)
	}
	code, err := DataTypeFor(arr.DType(), shape[2])
	if err != nil {
		return nil, err
	}
	out := make([]byte, wideHeaderSize, wideHeaderSize+len(arr.Bytes()))
	binary.LittleEndian.PutUint64(out[0:], uint64(wideMarker))
	binary.LittleEndian.PutUint64(out[8:], uint64(int64(shape[1])))
	binary.LittleEndian.PutUint64(out[16:], uint64(int64(shape[0])))
	binary.LittleEndian.PutUint64(out[24:], uint64(int64(code)))
	return append(out, arr.Bytes()...), nil
}
