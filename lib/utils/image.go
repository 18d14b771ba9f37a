package utils

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
)

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
