// Package mask renders region lists into the black and white mask images
// consumed by inpainting providers. White marks pixels to erase.
package mask

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

// ContentType is the MIME type of Rasterize output
const ContentType = "image/png"

// Extension is the file extension used when storing masks
const Extension = "png"

// MaxDimension is the largest frame width or height a mask is rendered at
const MaxDimension = 8192

// ErrFrameSize is returned for frames that are empty or exceed MaxDimension
var ErrFrameSize = errors.New("invalid frame size")

// Rasterize draws one white rectangle per region on a black frame of exactly
// width x height pixels and returns it PNG encoded. Region coordinates are
// rounded to whole pixels and clipped to the frame; regions are not
// otherwise validated. Identical inputs produce identical bytes.
func Rasterize(width, height int, regions []models.Region) ([]byte, error) {
	img, err := Render(width, height, regions)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode mask: %w", err)
	}

	return buf.Bytes(), nil
}

// Render returns the mask as an image without encoding it
func Render(width, height int, regions []models.Region) (*image.NRGBA, error) {
	if err := CheckFrame(width, height); err != nil {
		return nil, err
	}

	img := imaging.New(width, height, color.Black)
	white := image.NewUniform(color.White)

	for _, r := range regions {
		x := int(math.Round(r.X))
		y := int(math.Round(r.Y))
		// Not image.Rect: a negative size must stay empty rather than flip.
		rect := image.Rectangle{
			Min: image.Pt(x, y),
			Max: image.Pt(x+int(math.Round(r.Width)), y+int(math.Round(r.Height))),
		}
		draw.Draw(img, rect.Intersect(img.Bounds()), white, image.Point{}, draw.Src)
	}

	return img, nil
}

// CheckFrame reports whether a width x height mask can be rendered
func CheckFrame(width, height int) error {
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return fmt.Errorf("%w: %dx%d (max %dx%d)", ErrFrameSize, width, height, MaxDimension, MaxDimension)
	}
	return nil
}

// DataURL returns the rasterized mask as a base64 data URL
func DataURL(width, height int, regions []models.Region) (string, error) {
	data, err := Rasterize(width, height, regions)
	if err != nil {
		return "", err
	}

	return "data:" + ContentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
