// Package palette extracts dominant color palettes from images and
// matches them against user-picked target colors in CIE Lab space.
package palette

import (
	"fmt"
	"image"
	"math"
	"os"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// Pixels with alpha below this are treated as background and skipped.
	minAlpha = 125
	// Channels all above this count as near-white page background.
	nearWhite = 250
	// Extraction over-requests boxes, then ranking and dedup trim back.
	extraBoxes  = 8
	maxBoxes    = 20
	// Colors closer than this Manhattan RGB distance are duplicates.
	dedupRGBDistance = 30
	// Longest edge the sampled image is scaled to before quantization.
	sampleEdge = 160
)

type rgb struct {
	r, g, b uint8
}

// Extractor derives dominant palettes via median-cut quantization.
type Extractor struct {
	// PaletteSize is the number of colors kept per image.
	PaletteSize int
}

// NewExtractor returns an extractor producing palettes of the given size.
func NewExtractor(paletteSize int) *Extractor {
	if paletteSize <= 0 {
		paletteSize = 8
	}
	return &Extractor{PaletteSize: paletteSize}
}

// ExtractFile decodes the image at path and extracts its palette.
func (e *Extractor) ExtractFile(path string) (domain.ColorList, [][3]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return e.Extract(img)
}

// Extract quantizes an image down to its dominant colors. Transparent
// and near-white pixels are ignored; an image that is entirely
// background yields an empty palette, not an error.
func (e *Extractor) Extract(img image.Image) (domain.ColorList, [][3]float64, error) {
	pixels := samplePixels(img)
	if len(pixels) == 0 {
		return domain.ColorList{}, nil, nil
	}

	boxCount := e.PaletteSize + extraBoxes
	if boxCount > maxBoxes {
		boxCount = maxBoxes
	}
	boxes := medianCut(pixels, boxCount)

	ranked := rankBoxes(boxes)
	deduped := dedupColors(ranked)
	if len(deduped) > e.PaletteSize {
		deduped = deduped[:e.PaletteSize]
	}

	colors := make(domain.ColorList, 0, len(deduped))
	labs := make([][3]float64, 0, len(deduped))
	for _, c := range deduped {
		lum := 0.299*float64(c.r) + 0.587*float64(c.g) + 0.114*float64(c.b)
		colors = append(colors, domain.ColorValue{
			Hex:    fmt.Sprintf("#%02x%02x%02x", c.r, c.g, c.b),
			RGB:    [3]uint8{c.r, c.g, c.b},
			IsDark: lum < 128,
		})
		labs = append(labs, rgbToLab(c.r, c.g, c.b))
	}
	return colors, labs, nil
}

// samplePixels scales the image down and collects foreground pixels.
func samplePixels(img image.Image) []rgb {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	if w > sampleEdge || h > sampleEdge {
		scale := float64(sampleEdge) / float64(w)
		if h > w {
			scale = float64(sampleEdge) / float64(h)
		}
		dw := int(float64(w)*scale + 0.5)
		dh := int(float64(h)*scale + 0.5)
		if dw < 1 {
			dw = 1
		}
		if dh < 1 {
			dh = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, dw, dh))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, bounds, draw.Src, nil)
		img = scaled
		bounds = scaled.Bounds()
	}

	pixels := make([]rgb, 0, bounds.Dx()*bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r16, g16, b16, a16 := img.At(x, y).RGBA()
			a := uint8(a16 >> 8)
			if a < minAlpha {
				continue
			}
			r, g, b := uint8(r16>>8), uint8(g16>>8), uint8(b16>>8)
			if r > nearWhite && g > nearWhite && b > nearWhite {
				continue
			}
			pixels = append(pixels, rgb{r, g, b})
		}
	}
	return pixels
}

type colorBox struct {
	pixels []rgb
}

func (b *colorBox) ranges() (rr, gr, br int) {
	var rMin, gMin, bMin uint8 = 255, 255, 255
	var rMax, gMax, bMax uint8
	for _, p := range b.pixels {
		if p.r < rMin {
			rMin = p.r
		}
		if p.r > rMax {
			rMax = p.r
		}
		if p.g < gMin {
			gMin = p.g
		}
		if p.g > gMax {
			gMax = p.g
		}
		if p.b < bMin {
			bMin = p.b
		}
		if p.b > bMax {
			bMax = p.b
		}
	}
	return int(rMax) - int(rMin), int(gMax) - int(gMin), int(bMax) - int(bMin)
}

// medianCut splits the pixel set along the widest channel until the
// target box count is reached or no box can split further.
func medianCut(pixels []rgb, target int) []*colorBox {
	boxes := []*colorBox{{pixels: pixels}}
	for len(boxes) < target {
		// Split the box with the widest channel range.
		bestIdx, bestRange := -1, 0
		for i, box := range boxes {
			if len(box.pixels) < 2 {
				continue
			}
			rr, gr, br := box.ranges()
			widest := rr
			if gr > widest {
				widest = gr
			}
			if br > widest {
				widest = br
			}
			if widest > bestRange {
				bestRange = widest
				bestIdx = i
			}
		}
		if bestIdx < 0 || bestRange == 0 {
			break
		}

		box := boxes[bestIdx]
		rr, gr, br := box.ranges()
		switch {
		case rr >= gr && rr >= br:
			sort.Slice(box.pixels, func(i, j int) bool { return box.pixels[i].r < box.pixels[j].r })
		case gr >= br:
			sort.Slice(box.pixels, func(i, j int) bool { return box.pixels[i].g < box.pixels[j].g })
		default:
			sort.Slice(box.pixels, func(i, j int) bool { return box.pixels[i].b < box.pixels[j].b })
		}

		mid := len(box.pixels) / 2
		left := &colorBox{pixels: box.pixels[:mid]}
		right := &colorBox{pixels: box.pixels[mid:]}
		boxes[bestIdx] = left
		boxes = append(boxes, right)
	}
	return boxes
}

// rankBoxes averages each box and orders colors by a blend of frequency
// weight and saturation, so a vivid accent color can outrank a slightly
// larger muted region.
func rankBoxes(boxes []*colorBox) []rgb {
	type avgColor struct {
		c     rgb
		count int
	}
	avgs := make([]avgColor, 0, len(boxes))
	for _, box := range boxes {
		if len(box.pixels) == 0 {
			continue
		}
		var rSum, gSum, bSum uint64
		for _, p := range box.pixels {
			rSum += uint64(p.r)
			gSum += uint64(p.g)
			bSum += uint64(p.b)
		}
		n := uint64(len(box.pixels))
		avgs = append(avgs, avgColor{
			c:     rgb{uint8(rSum / n), uint8(gSum / n), uint8(bSum / n)},
			count: len(box.pixels),
		})
	}

	sort.Slice(avgs, func(i, j int) bool { return avgs[i].count > avgs[j].count })

	type rankedColor struct {
		c     rgb
		score float64
	}
	ranked := make([]rankedColor, 0, len(avgs))
	for idx, a := range avgs {
		freqWeight := 1.0 / math.Pow(float64(idx+1), 0.25)
		ranked = append(ranked, rankedColor{
			c:     a.c,
			score: freqWeight*0.8 + saturation(a.c)*0.2,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]rgb, len(ranked))
	for i, r := range ranked {
		out[i] = r.c
	}
	return out
}

// saturation is HSV saturation in [0,1].
func saturation(c rgb) float64 {
	maxC := c.r
	if c.g > maxC {
		maxC = c.g
	}
	if c.b > maxC {
		maxC = c.b
	}
	if maxC == 0 {
		return 0
	}
	minC := c.r
	if c.g < minC {
		minC = c.g
	}
	if c.b < minC {
		minC = c.b
	}
	return float64(maxC-minC) / float64(maxC)
}

// dedupColors drops colors too close to an already-kept one.
func dedupColors(colors []rgb) []rgb {
	out := make([]rgb, 0, len(colors))
	for _, c := range colors {
		dup := false
		for _, kept := range out {
			diff := absInt(int(c.r)-int(kept.r)) +
				absInt(int(c.g)-int(kept.g)) +
				absInt(int(c.b)-int(kept.b))
			if diff < dedupRGBDistance {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// rgbToLab converts to CIE Lab on the conventional scale, L in 0..100
// and a, b roughly -128..127.
func rgbToLab(r, g, b uint8) [3]float64 {
	c := colorful.Color{
		R: float64(r) / 255.0,
		G: float64(g) / 255.0,
		B: float64(b) / 255.0,
	}
	l, a, bb := c.Lab()
	return [3]float64{l * 100, a * 100, bb * 100}
}
