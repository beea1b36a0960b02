// Package imagecodec turns base64 payloads and files into decoded pictures.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	// ErrInvalidBase64 is returned when the payload is not base64.
	ErrInvalidBase64 = errors.New("invalid base64 payload")
	// ErrUnrecognizedImage is returned when the bytes are not a supported image.
	ErrUnrecognizedImage = errors.New("unrecognized image data")
)

// Picture is a decoded raster together with the bytes it was decoded from.
type Picture struct {
	Image  image.Image
	Format string
	Data   []byte
}

// MIMEType returns the media type matching the decoded format.
func (p *Picture) MIMEType() string {
	if p == nil || p.Format == "" {
		return "application/octet-stream"
	}
	return "image/" + p.Format
}

// DataURI renders the original bytes as a base64 data URI.
func (p *Picture) DataURI() string {
	return "data:" + p.MIMEType() + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// PortableDataURI renders the picture as a JPEG or PNG data URI. JPEG and PNG
// keep their original bytes; any other format is re-encoded as PNG.
func (p *Picture) PortableDataURI() (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: no picture", ErrUnrecognizedImage)
	}
	switch p.Format {
	case "jpeg", "png":
		return p.DataURI(), nil
	}
	if p.Image == nil {
		return "", fmt.Errorf("%w: no raster to re-encode from %s", ErrUnrecognizedImage, p.Format)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, p.Image); err != nil {
		return "", fmt.Errorf("re-encode %s as png: %w", p.Format, err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Bounds returns the raster bounds, or the zero rectangle for an empty picture.
func (p *Picture) Bounds() image.Rectangle {
	if p == nil || p.Image == nil {
		return image.Rectangle{}
	}
	return p.Image.Bounds()
}

// StripDataURI drops everything up to and including the first comma.
// Input without a comma is returned unchanged.
func StripDataURI(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}

// DecodeBase64 decodes standard-alphabet base64, padded or not.
// ASCII whitespace is ignored.
func DecodeBase64(s string) ([]byte, error) {
	payload := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			return -1
		}
		return r
	}, s)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidBase64)
	}

	enc := base64.StdEncoding
	if !strings.HasSuffix(payload, "=") && len(payload)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	data, err := enc.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidBase64)
	}
	return data, nil
}

// Decode decodes JPEG, PNG, GIF, WebP or BMP bytes.
func Decode(data []byte) (*Picture, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no data", ErrUnrecognizedImage)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedImage, err)
	}
	return &Picture{Image: img, Format: format, Data: data}, nil
}

// DecodeString decodes a raw base64 string or a data URI into a picture.
func DecodeString(s string) (*Picture, error) {
	data, err := DecodeBase64(StripDataURI(s))
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// LoadReference reads and decodes the reference photograph at path.
func LoadReference(path string) (*Picture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference image: %w", err)
	}
	pic, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode reference image %s: %w", path, err)
	}
	return pic, nil
}
