package source

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// PrepareFrame scales a camera JPEG to width x height (when both are set and
// differ) and re-encodes it at quality.
func PrepareFrame(jpeg []byte, width, height, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(jpeg))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if width > 0 && height > 0 {
		if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
			img = imaging.Resize(img, width, height, imaging.Box)
		}
	}
	var buf bytes.Buffer
	buf.Grow(len(jpeg))
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
