package fingerprint

import (
	"bytes"
	"image"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
)

const maxImageDimension = 512

// orientation extracts the EXIF orientation tag, defaulting to 1.
func orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// normalize rotates the image upright and bounds its size so that phone
// photos taken in different orientations or resolutions hash alike.
func normalize(img image.Image, orient int) image.Image {
	img = applyOrientation(img, orient)

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxImageDimension && h <= maxImageDimension {
		return img
	}
	if w > h {
		h = h * maxImageDimension / w
		w = maxImageDimension
	} else {
		w = w * maxImageDimension / h
		h = maxImageDimension
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func applyOrientation(img image.Image, orient int) image.Image {
	if orient <= 1 || orient > 8 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	// Orientations 5-8 swap the axes.
	dw, dh := w, h
	if orient >= 5 {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var nx, ny int
			switch orient {
			case 2: // flip horizontal
				nx, ny = w-1-x, y
			case 3: // rotate 180
				nx, ny = w-1-x, h-1-y
			case 4: // flip vertical
				nx, ny = x, h-1-y
			case 5: // transpose
				nx, ny = y, x
			case 6: // rotate 90 clockwise
				nx, ny = h-1-y, x
			case 7: // transverse
				nx, ny = h-1-y, w-1-x
			case 8: // rotate 270 clockwise
				nx, ny = y, w-1-x
			}
			dst.Set(nx, ny, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}
