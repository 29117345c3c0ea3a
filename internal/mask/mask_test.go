package mask

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func isWhite(img image.Image, x, y int) bool {
	r, g, b, _ := img.At(x, y).RGBA()
	return r == 0xffff && g == 0xffff && b == 0xffff
}

func isBlack(img image.Image, x, y int) bool {
	r, g, b, _ := img.At(x, y).RGBA()
	return r == 0 && g == 0 && b == 0
}

func TestRasterizeEmptyIsAllBlack(t *testing.T) {
	data, err := Rasterize(64, 36, nil)
	require.NoError(t, err)

	img := decode(t, data)
	assert.Equal(t, image.Rect(0, 0, 64, 36), img.Bounds())

	for y := 0; y < 36; y++ {
		for x := 0; x < 64; x++ {
			if !isBlack(img, x, y) {
				t.Fatalf("pixel (%d,%d) is not black", x, y)
			}
		}
	}
}

func TestRasterizeDeterministic(t *testing.T) {
	regions := []models.Region{
		{ID: "a", X: 100, Y: 900, Width: 200, Height: 80},
		{ID: "b", X: 10.4, Y: 10.6, Width: 30.5, Height: 25},
	}

	first, err := Rasterize(1920, 1080, regions)
	require.NoError(t, err)
	second, err := Rasterize(1920, 1080, regions)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first, second), "identical inputs must produce identical bytes")
}

func TestRasterizeFillsRegion(t *testing.T) {
	data, err := Rasterize(100, 50, []models.Region{{X: 10, Y: 20, Width: 30, Height: 10}})
	require.NoError(t, err)
	img := decode(t, data)

	assert.True(t, isWhite(img, 10, 20), "top-left inside")
	assert.True(t, isWhite(img, 39, 29), "bottom-right inside")
	assert.True(t, isBlack(img, 40, 20), "right edge is exclusive")
	assert.True(t, isBlack(img, 10, 30), "bottom edge is exclusive")
	assert.True(t, isBlack(img, 9, 20), "left of region")
}

func TestRasterizeRoundsCoordinates(t *testing.T) {
	data, err := Rasterize(20, 20, []models.Region{{X: 2.6, Y: 3.4, Width: 4.4, Height: 2.5}})
	require.NoError(t, err)
	img := decode(t, data)

	// x: round(2.6)=3 .. 3+round(4.4)=7, y: round(3.4)=3 .. 3+round(2.5)=6
	assert.True(t, isBlack(img, 2, 3))
	assert.True(t, isWhite(img, 3, 3))
	assert.True(t, isWhite(img, 6, 5))
	assert.True(t, isBlack(img, 7, 3))
	assert.True(t, isBlack(img, 3, 6))
}

func TestRasterizeClipsOutOfBounds(t *testing.T) {
	data, err := Rasterize(10, 10, []models.Region{
		{X: -5, Y: -5, Width: 8, Height: 8},
		{X: 8, Y: 8, Width: 100, Height: 100},
		{X: 4, Y: 4, Width: -3, Height: 2},
	})
	require.NoError(t, err)
	img := decode(t, data)

	assert.Equal(t, image.Rect(0, 0, 10, 10), img.Bounds())
	assert.True(t, isWhite(img, 0, 0))
	assert.True(t, isWhite(img, 2, 2))
	assert.True(t, isBlack(img, 3, 3))
	assert.True(t, isWhite(img, 9, 9))
	assert.True(t, isBlack(img, 2, 4), "negative width draws nothing")
}

func TestRasterizeRejectsEmptyFrame(t *testing.T) {
	_, err := Rasterize(0, 1080, nil)
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestRenderFrameLimit(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		wantErr       bool
	}{
		{name: "max width", width: MaxDimension, height: 1},
		{name: "max height", width: 1, height: MaxDimension},
		{name: "width past max", width: MaxDimension + 1, height: 1, wantErr: true},
		{name: "height past max", width: 1, height: MaxDimension + 1, wantErr: true},
		{name: "huge frame", width: 131072, height: 131072, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Render(tt.width, tt.height, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrFrameSize)
				assert.Nil(t, img)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, tt.width, tt.height), img.Bounds())
		})
	}
}

func TestDataURL(t *testing.T) {
	url, err := DataURL(8, 8, []models.Region{{X: 0, Y: 0, Width: 4, Height: 4}})
	require.NoError(t, err)

	prefix := "data:image/png;base64,"
	require.True(t, strings.HasPrefix(url, prefix))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	require.NoError(t, err)

	img := decode(t, raw)
	assert.True(t, isWhite(img, 3, 3))
	assert.True(t, isBlack(img, 4, 4))
}
