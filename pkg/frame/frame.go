// Package frame decodes images submitted by clients into frames the
// recognition pipeline can consume.
package frame

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
	"time"
)

// Frame is a single decoded client frame.
type Frame struct {
	Data      []byte // encoded bytes as received
	Image     image.Image
	Width     int
	Height    int
	Format    string // "jpeg" or "png"
	Timestamp time.Time
}

// ErrEmptyImage is returned when no image payload was supplied.
var ErrEmptyImage = errors.New("empty image payload")

// ErrInvalidEncoding is returned when the payload is not valid base64.
var ErrInvalidEncoding = errors.New("invalid base64 image payload")

// ErrUnsupportedFormat is returned when the bytes are not a PNG or JPEG image.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// ErrImageTooLarge is returned when the declared dimensions exceed MaxDimension.
var ErrImageTooLarge = errors.New("image dimensions too large")

// MaxDimension caps the width and height a client frame may declare. The
// header is checked before any pixels are allocated.
const MaxDimension = 4096

// jpegQuality is used when re-encoding non-JPEG frames for the recognizer.
const jpegQuality = 95

// DecodeDataURL decodes a "data:image/png;base64,...." string.
// Everything up to the first comma is discarded; a bare base64 string
// without a prefix is accepted as well.
func DecodeDataURL(s string) (*Frame, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyImage
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some browsers strip padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
	}

	return Decode(data)
}

// Decode decodes raw PNG or JPEG bytes.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	b := img.Bounds()
	return &Frame{
		Data:      data,
		Image:     img,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Format:    format,
		Timestamp: time.Now(),
	}, nil
}

// FromImage wraps an in-memory image as a PNG frame.
func FromImage(img image.Image) (*Frame, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	b := img.Bounds()
	return &Frame{
		Data:      buf.Bytes(),
		Image:     img,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Format:    "png",
		Timestamp: time.Now(),
	}, nil
}

// JPEG returns the frame as JPEG bytes, re-encoding PNG input.
// The dlib recognizer only accepts JPEG.
func (f *Frame) JPEG() ([]byte, error) {
	if f.Format == "jpeg" {
		return f.Data, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Extension returns the file extension matching the frame's format.
func (f *Frame) Extension() string {
	if f.Format == "jpeg" {
		return ".jpg"
	}
	return ".png"
}
