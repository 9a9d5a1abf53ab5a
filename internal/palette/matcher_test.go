package palette

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Some stable Lab reference points on the 0..100 scale.
var (
	labRed   = rgbToLab(220, 40, 40)
	labBlue  = rgbToLab(40, 60, 210)
	labGreen = rgbToLab(50, 180, 70)
	labGray  = rgbToLab(128, 128, 128)
	labDark  = rgbToLab(30, 30, 30)
)

func TestSimilarityFromDistance(t *testing.T) {
	tests := []struct {
		name string
		dist float64
		want float64
	}{
		{"identical", 0, 100},
		{"within plateau", 4.9, 100},
		{"near", 7.5, 90},
		{"plateau edge", 10, 80},
		{"medium", 15, 65},
		{"far", 25, 40},
		{"edge of tail", 30, 30},
		{"deep tail", 45, 15},
		{"beyond tail", 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, similarityFromDistance(tt.dist), 0.001)
		})
	}
}

func TestSingleColorExactMatch(t *testing.T) {
	candidates := []Palette{
		{FilePath: "red.jpg", Labs: [][3]float64{labRed, labDark}},
		{FilePath: "blue.jpg", Labs: [][3]float64{labBlue, labDark}},
	}

	matches := MatchPalettes([][3]float64{labRed}, candidates)
	require.Len(t, matches, 1)
	assert.Equal(t, "red.jpg", matches[0].FilePath)
	assert.InDelta(t, 100, matches[0].Score, 0.001)
}

func TestSingleColorPositionDiscount(t *testing.T) {
	// The same color buried at palette position 2 earns weight 0.5, so
	// a perfect distance still only clears the threshold by a little.
	candidates := []Palette{
		{FilePath: "deep.jpg", Labs: [][3]float64{labBlue, labGreen, labRed}},
	}
	matches := MatchPalettes([][3]float64{labRed}, candidates)
	// 100 * 0.5 = 50, below the single-color threshold of 60.
	assert.Empty(t, matches)

	candidates[0].Labs = [][3]float64{labBlue, labRed}
	matches = MatchPalettes([][3]float64{labRed}, candidates)
	require.Len(t, matches, 1)
	assert.InDelta(t, 70, matches[0].Score, 0.001)
}

func TestLabDistanceIsPerceptual(t *testing.T) {
	// Pure blue and a blue-violet are perceptually close; Euclidean Lab
	// distance puts them ~44 apart while CIEDE2000 keeps them around 11.
	blue, err := HexToLab("#0000ff")
	require.NoError(t, err)
	violet, err := HexToLab("#4900a6")
	require.NoError(t, err)

	d := labDistance(blue, violet)
	assert.InDelta(t, 10.6, d, 1.5)

	// Symmetric, and zero for identical colors.
	assert.InDelta(t, d, labDistance(violet, blue), 0.001)
	assert.InDelta(t, 0, labDistance(blue, blue), 0.001)
}

func TestSingleColorSameHueFamilyMatches(t *testing.T) {
	blue, err := HexToLab("#0000ff")
	require.NoError(t, err)

	candidates := []Palette{
		{FilePath: "violet.jpg", Labs: [][3]float64{rgbToLab(0x49, 0x00, 0xa6), labDark}},
	}
	matches := MatchPalettes([][3]float64{blue}, candidates)
	require.Len(t, matches, 1)
	assert.Equal(t, "violet.jpg", matches[0].FilePath)
	assert.Greater(t, matches[0].Score, singleThreshold)
	assert.InDelta(t, 78, matches[0].Score, 3)
}

func TestSingleColorGrayscaleGuard(t *testing.T) {
	// A colorful target must not match a pure grayscale image.
	candidates := []Palette{
		{FilePath: "gray.jpg", Labs: [][3]float64{labGray, labDark}},
	}
	matches := MatchPalettes([][3]float64{labRed}, candidates)
	assert.Empty(t, matches)

	// A gray target may match a gray image.
	matches = MatchPalettes([][3]float64{labGray}, candidates)
	require.Len(t, matches, 1)
	assert.Equal(t, "gray.jpg", matches[0].FilePath)
}

func TestMidStrategyExactPaletteScoresHigh(t *testing.T) {
	targets := [][3]float64{labRed, labBlue, labGreen}
	candidates := []Palette{
		{FilePath: "same.jpg", Labs: [][3]float64{labRed, labBlue, labGreen}},
		{FilePath: "off.jpg", Labs: [][3]float64{labGray, labDark}},
	}

	matches := MatchPalettes(targets, candidates)
	require.Len(t, matches, 1)
	assert.Equal(t, "same.jpg", matches[0].FilePath)
	// Zero distance plus position bonuses (4+3+2)/3 = 3 over 100.
	assert.Greater(t, matches[0].Score, 100.0)
}

func TestAtmosphereStrategyRejectsForeignDominants(t *testing.T) {
	targets := [][3]float64{labRed, labDark,
		rgbToLab(200, 60, 60), rgbToLab(60, 20, 20), rgbToLab(240, 80, 80)}

	warm := Palette{FilePath: "warm.jpg", Labs: [][3]float64{
		labRed, labDark, rgbToLab(200, 60, 60), rgbToLab(60, 20, 20), rgbToLab(240, 80, 80),
	}}
	// Same leading color but the rest of the palette is a different mood.
	clash := Palette{FilePath: "clash.jpg", Labs: [][3]float64{
		labRed, labBlue, labGreen, rgbToLab(40, 200, 200), rgbToLab(200, 200, 40),
	}}

	matches := MatchPalettes(targets, []Palette{warm, clash})
	require.NotEmpty(t, matches)
	assert.Equal(t, "warm.jpg", matches[0].FilePath)
	for _, m := range matches {
		assert.NotEqual(t, "clash.jpg", m.FilePath)
	}
}

func TestAtmosphereGrayscaleMismatchPenalty(t *testing.T) {
	grayTargets := [][3]float64{labGray, labDark,
		rgbToLab(90, 90, 90), rgbToLab(180, 180, 180), rgbToLab(60, 60, 60)}

	colorful := Palette{FilePath: "colorful.jpg", Labs: [][3]float64{
		labRed, labBlue, labGreen, rgbToLab(230, 180, 40), rgbToLab(150, 60, 200),
	}}
	matches := MatchPalettes(grayTargets, []Palette{colorful})
	assert.Empty(t, matches)
}

func TestColorfulnessPenaltyTable(t *testing.T) {
	warm := [][3]float64{labRed, rgbToLab(200, 60, 60)}
	grays := [][3]float64{labGray, labDark}
	slight := [][3]float64{labRed, labGray, labDark, labDark, labDark}

	// Hue-leaning target against a pure black-and-white image is the
	// heaviest mismatch.
	assert.InDelta(t, 50, colorfulnessPenalty(warm, grays), 0.001)
	// Hue-leaning target against an image without a hue lean of its own.
	assert.InDelta(t, 40, colorfulnessPenalty(warm, slight), 0.001)
	// Slightly tinted target against a pure grayscale image.
	assert.InDelta(t, 35, colorfulnessPenalty(slight, grays), 0.001)
	// Grayscale target against a colorful image is the mildest class.
	assert.InDelta(t, 25, colorfulnessPenalty(grays, warm), 0.001)
	// Matching character on both sides costs nothing.
	assert.InDelta(t, 0, colorfulnessPenalty(grays, grays), 0.001)
	assert.InDelta(t, 0, colorfulnessPenalty(warm, warm), 0.001)
}

func TestColorfulnessHelpers(t *testing.T) {
	assert.True(t, isPureGrayscale([][3]float64{labGray, labDark}))
	assert.False(t, isPureGrayscale([][3]float64{labGray, labRed}))
	assert.True(t, hasColorTendency([][3]float64{labRed, labBlue, labGray}))
	assert.False(t, hasColorTendency([][3]float64{labGray, labDark}))
}

func TestMatchPalettesEmptyInputs(t *testing.T) {
	assert.Nil(t, MatchPalettes(nil, []Palette{{FilePath: "a", Labs: [][3]float64{labRed}}}))
	assert.Empty(t, MatchPalettes([][3]float64{labRed}, []Palette{{FilePath: "empty"}}))
}
