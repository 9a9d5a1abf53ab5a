package palette

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidBlock(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func TestExtractTwoToneImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	solidBlock(img, 0, 0, 100, 70, color.RGBA{200, 30, 30, 255})
	solidBlock(img, 0, 70, 100, 100, color.RGBA{30, 30, 200, 255})

	e := NewExtractor(8)
	colors, labs, err := e.Extract(img)
	require.NoError(t, err)
	require.NotEmpty(t, colors)
	assert.Len(t, labs, len(colors))

	// The 70% red region dominates the palette.
	first := colors[0]
	assert.Greater(t, int(first.RGB[0]), 150)
	assert.Less(t, int(first.RGB[2]), 100)
}

func TestExtractSkipsBackground(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	// White page background with a small colored subject.
	solidBlock(img, 0, 0, 50, 50, color.RGBA{255, 255, 255, 255})
	solidBlock(img, 20, 20, 30, 30, color.RGBA{30, 160, 60, 255})

	e := NewExtractor(8)
	colors, _, err := e.Extract(img)
	require.NoError(t, err)
	require.NotEmpty(t, colors)
	for _, c := range colors {
		notWhite := c.RGB[0] <= 250 || c.RGB[1] <= 250 || c.RGB[2] <= 250
		assert.True(t, notWhite, "near-white background must not reach the palette: %s", c.Hex)
	}
}

func TestExtractFullyTransparentImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	// Zero-value RGBA is fully transparent.

	e := NewExtractor(8)
	colors, labs, err := e.Extract(img)
	require.NoError(t, err)
	assert.Empty(t, colors)
	assert.Empty(t, labs)
}

func TestExtractDedupsNearbyColors(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 60, 60))
	// Two barely distinguishable reds and one blue.
	solidBlock(img, 0, 0, 60, 25, color.RGBA{200, 30, 30, 255})
	solidBlock(img, 0, 25, 60, 50, color.RGBA{205, 35, 32, 255})
	solidBlock(img, 0, 50, 60, 60, color.RGBA{30, 30, 200, 255})

	e := NewExtractor(8)
	colors, _, err := e.Extract(img)
	require.NoError(t, err)

	reds := 0
	for _, c := range colors {
		if c.RGB[0] > 150 && c.RGB[2] < 100 {
			reds++
		}
	}
	assert.Equal(t, 1, reds, "nearly identical reds should collapse to one entry")
}

func TestExtractIsDarkFlag(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	solidBlock(img, 0, 0, 40, 20, color.RGBA{20, 20, 20, 255})
	solidBlock(img, 0, 20, 40, 40, color.RGBA{240, 240, 100, 255})

	e := NewExtractor(8)
	colors, _, err := e.Extract(img)
	require.NoError(t, err)
	require.NotEmpty(t, colors)

	for _, c := range colors {
		lum := 0.299*float64(c.RGB[0]) + 0.587*float64(c.RGB[1]) + 0.114*float64(c.RGB[2])
		assert.Equal(t, lum < 128, c.IsDark, "is_dark disagrees with luminance for %s", c.Hex)
	}
}

func TestPaletteSizeCap(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 80, 80))
	// Many distinct stripes.
	stripes := []color.RGBA{
		{200, 30, 30, 255}, {30, 200, 30, 255}, {30, 30, 200, 255},
		{200, 200, 30, 255}, {200, 30, 200, 255}, {30, 200, 200, 255},
		{120, 70, 20, 255}, {90, 20, 120, 255},
	}
	for i, c := range stripes {
		solidBlock(img, 0, i*10, 80, (i+1)*10, c)
	}

	e := NewExtractor(4)
	colors, _, err := e.Extract(img)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(colors), 4)
}
