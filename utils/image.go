package utils

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
)

// ImageToJpgBuffer Encode an image as jpeg for writing to the API output
func ImageToJpgBuffer(img image.Image, options *jpeg.Options) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, options); err != nil {
		return nil, fmt.Errorf("jpeg encode error: %w", err)
	}
	return buf.Bytes(), nil
}

// ImageToPngBuffer Encode an image as png for writing to the API output
func ImageToPngBuffer(img image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("png encode error: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeImage Encode img in the given format, "png" or "jpeg"/"jpg".
func EncodeImage(img image.Image, format string, quality int) ([]byte, string, error) {
	switch format {
	case "png":
		buf, err := ImageToPngBuffer(img)
		return buf, "image/png", err
	case "jpeg", "jpg":
		if quality <= 0 || quality > 100 {
			quality = 75
		}
		buf, err := ImageToJpgBuffer(img, &jpeg.Options{Quality: quality})
		return buf, "image/jpeg", err
	}
	return nil, "", fmt.Errorf("unsupported image format %q", format)
}
