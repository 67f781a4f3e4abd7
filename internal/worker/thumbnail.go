package worker

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const defaultThumbnailWidth = 320

// Thumbnail scales an encoded image to width, preserving aspect ratio, and
// returns it as PNG.
func Thumbnail(data []byte, width int, grayscale bool) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, errors.New("invalid image dimensions")
	}

	if grayscale {
		img = imaging.Grayscale(img)
	}
	if width <= 0 {
		width = defaultThumbnailWidth
	}
	img = imaging.Resize(img, width, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
