package capture

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// imageSize reads width and height from the image header. Unknown formats
// yield zeros.
func imageSize(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
