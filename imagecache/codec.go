package imagecache

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned by Encode for formats it cannot write.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Codec converts between raw bytes and decoded images.
type Codec interface {
	// Decode returns the image and the name of its format.
	Decode(data []byte) (image.Image, string, error)
	Encode(w io.Writer, img image.Image, format string) error
}

// StdCodec decodes png, jpeg, gif, webp, bmp and tiff and encodes every one
// of those except webp.
type StdCodec struct {
	// JPEGQuality is used when encoding jpeg. Zero means jpeg.DefaultQuality.
	JPEGQuality int
}

var _ Codec = StdCodec{}

// Decode implements Codec.
func (StdCodec) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", errors.New("empty image data")
	}
	return image.Decode(bytes.NewReader(data))
}

// Encode implements Codec.
func (c StdCodec) Encode(w io.Writer, img image.Image, format string) error {
	switch strings.ToLower(format) {
	case "png":
		return png.Encode(w, img)
	case "jpeg", "jpg":
		quality := c.JPEGQuality
		if quality <= 0 {
			quality = jpeg.DefaultQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case "gif":
		return gif.Encode(w, img, nil)
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff", "tif":
		return tiff.Encode(w, img, nil)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ContentType returns the MIME type of an image format name.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "jpg":
		return "image/jpeg"
	case "tif":
		return "image/tiff"
	case "":
		return "application/octet-stream"
	default:
		return "image/" + strings.ToLower(format)
	}
}
