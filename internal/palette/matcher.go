package palette

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Strategy thresholds. A candidate below its tier's threshold is not a
// match. Few targets tolerate loose matches, many targets describe a
// whole atmosphere and demand a tight fit.
const (
	singleThreshold     = 60.0
	midThreshold        = 88.0
	atmosphereThreshold = 85.0
)

// Palette is one candidate image's dominant colors in Lab space,
// dominance order first.
type Palette struct {
	FilePath string
	Labs     [][3]float64
}

// Match is one image accepted by the color matcher.
type Match struct {
	FilePath string
	Score    float64
}

// singleWeights discount matches found deeper in the candidate palette.
var singleWeights = [...]float64{1.0, 0.7, 0.5, 0.35, 0.25, 0.18, 0.12, 0.08}

// atmosphereWeights give earlier target colors more say.
var atmosphereWeights = [...]float64{1.0, 0.85, 0.7, 0.55, 0.4}

// reverseWeights scale the penalty for candidate colors with no nearby
// target, by the candidate color's dominance position.
var reverseWeights = [...]float64{10, 7.5, 5.5, 4, 2.5}

// HexToLab parses a "#rrggbb" color into Lab coordinates on the
// conventional scale.
func HexToLab(hex string) ([3]float64, error) {
	s := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(s) != 6 {
		return [3]float64{}, fmt.Errorf("invalid hex color %q", hex)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return [3]float64{}, fmt.Errorf("invalid hex color %q", hex)
	}
	return rgbToLab(r, g, b), nil
}

// labDistance is the CIEDE2000 color difference on the conventional
// 0..100 Lab scale. Plain Euclidean distance runs several times larger
// for saturated same-hue pairs and would break the similarity curve.
func labDistance(a, b [3]float64) float64 {
	ca := colorful.Lab(a[0]/100, a[1]/100, a[2]/100)
	cb := colorful.Lab(b[0]/100, b[1]/100, b[2]/100)
	return ca.DistanceCIEDE2000(cb) * 100
}

// chroma is the Lab color intensity sqrt(a^2 + b^2).
func chroma(lab [3]float64) float64 {
	return math.Sqrt(lab[1]*lab[1] + lab[2]*lab[2])
}

// colorfulness normalizes chroma to roughly [0,1].
func colorfulness(lab [3]float64) float64 {
	return chroma(lab) / 127.0
}

// maxColorfulness over a palette; zero for an empty palette.
func maxColorfulness(labs [][3]float64) float64 {
	var m float64
	for _, lab := range labs {
		if cf := colorfulness(lab); cf > m {
			m = cf
		}
	}
	return m
}

// avgColorfulness over a palette; zero for an empty palette.
func avgColorfulness(labs [][3]float64) float64 {
	if len(labs) == 0 {
		return 0
	}
	var sum float64
	for _, lab := range labs {
		sum += colorfulness(lab)
	}
	return sum / float64(len(labs))
}

// isPureGrayscale means no palette color carries meaningful chroma.
func isPureGrayscale(labs [][3]float64) bool {
	return maxColorfulness(labs) < 0.03
}

// hasColorTendency means the leading colors lean toward a consistent hue
// rather than scattering around the gray axis. The mean a/b vector over
// colors with visible chroma must sit a perceptible distance from origin.
func hasColorTendency(labs [][3]float64) bool {
	var sumA, sumB float64
	count := 0
	limit := len(labs)
	if limit > 5 {
		limit = 5
	}
	for _, lab := range labs[:limit] {
		if colorfulness(lab) > 0.02 {
			sumA += lab[1]
			sumB += lab[2]
			count++
		}
	}
	if count < 2 {
		return false
	}
	avgA := sumA / float64(count)
	avgB := sumB / float64(count)
	return math.Sqrt(avgA*avgA+avgB*avgB) > 3
}

// similarityFromDistance maps a Lab distance onto a 0..100 score with a
// generous plateau for near-identical colors and a long tail.
func similarityFromDistance(d float64) float64 {
	switch {
	case d < 5:
		return 100
	case d < 10:
		return 100 - (d-5)*4
	case d < 20:
		return 80 - (d-10)*3
	case d < 30:
		return 50 - (d-20)*2
	default:
		over := d - 30
		if over > 30 {
			over = 30
		}
		return math.Max(30-over, 0)
	}
}

// MatchPalettes scores every candidate against the target colors and
// returns matches above the tier threshold, best first. The strategy is
// picked by how many target colors the query carries.
func MatchPalettes(targets [][3]float64, candidates []Palette) []Match {
	if len(targets) == 0 {
		return nil
	}

	score := scoreSingle
	threshold := singleThreshold
	switch {
	case len(targets) >= 5:
		score = scoreAtmosphere
		threshold = atmosphereThreshold
	case len(targets) >= 2:
		score = scoreMid
		threshold = midThreshold
	}

	var out []Match
	for _, cand := range candidates {
		if len(cand.Labs) == 0 {
			continue
		}
		s, ok := score(targets, cand.Labs)
		if !ok || s < threshold {
			continue
		}
		out = append(out, Match{FilePath: cand.FilePath, Score: s})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// scoreSingle matches one target color. The best weighted similarity
// over the candidate's colors wins; position in the palette discounts it.
func scoreSingle(targets [][3]float64, cand [][3]float64) (float64, bool) {
	target := targets[0]

	// A colorful target should never match a grayscale image just
	// because gray is numerically close to a muted tone.
	if colorfulness(target) > 0.05 && maxColorfulness(cand) < 0.03 {
		return 0, false
	}

	best := 0.0
	for pos, lab := range cand {
		w := 0.05
		if pos < len(singleWeights) {
			w = singleWeights[pos]
		}
		sim := similarityFromDistance(labDistance(target, lab)) * w
		if sim > best {
			best = sim
		}
	}
	return best, true
}

// scoreMid matches 2 to 4 targets. Every target must find a reasonably
// close candidate color; prominent placements earn a small bonus.
func scoreMid(targets [][3]float64, cand [][3]float64) (float64, bool) {
	var distSum, bonus float64
	for _, target := range targets {
		minDist := math.MaxFloat64
		bestPos := 0
		for pos, lab := range cand {
			if d := labDistance(target, lab); d < minDist {
				minDist = d
				bestPos = pos
			}
		}
		distSum += minDist
		if bestPos < 4 && minDist < 15 {
			bonus += float64(4-bestPos) * 2
		}
	}
	n := float64(len(targets))
	score := 100 - distSum/n + bonus/n
	if score < 0 {
		score = 0
	}
	return score, true
}

// scoreAtmosphere matches 5 or more targets as an overall mood. Beyond
// the forward distance check it penalizes candidates whose own dominant
// colors have no counterpart among the targets, and candidates whose
// grayscale character disagrees with the targets'.
func scoreAtmosphere(targets [][3]float64, cand [][3]float64) (float64, bool) {
	var weightedDist, weightSum float64
	for tIdx, target := range targets {
		w := 0.05
		if tIdx < len(atmosphereWeights) {
			w = atmosphereWeights[tIdx]
		}

		minDist := math.MaxFloat64
		bestPos := 0
		for pos, lab := range cand {
			if d := labDistance(target, lab); d < minDist {
				minDist = d
				bestPos = pos
			}
		}

		// A primary target color buried deep in the candidate palette
		// counts as a worse match than its raw distance suggests.
		adjusted := minDist
		if tIdx < 3 {
			if bestPos > 4 {
				adjusted += minDist * 0.8
			} else if bestPos > 2 {
				adjusted += minDist * 0.4
			}
		}
		weightedDist += adjusted * w
		weightSum += w
	}
	avgDist := weightedDist / weightSum

	// Reverse check: the candidate's leading colors should themselves be
	// represented among the targets, or the image carries a mood the
	// query never asked for.
	var reversePenalty float64
	limit := len(cand)
	if limit > 5 {
		limit = 5
	}
	for pos := 0; pos < limit; pos++ {
		minDist := math.MaxFloat64
		for _, target := range targets {
			if d := labDistance(cand[pos], target); d < minDist {
				minDist = d
			}
		}
		if minDist > 12 {
			reversePenalty += reverseWeights[pos] * (minDist - 12) * 0.18
		}
	}

	score := 100 - avgDist - reversePenalty - colorfulnessPenalty(targets, cand)
	if score < 0 {
		score = 0
	}
	return score, true
}

// colorfulnessPenalty punishes a mismatch in overall color character,
// grayscale queries against colorful images and vice versa.
func colorfulnessPenalty(targets [][3]float64, cand [][3]float64) float64 {
	targetGray := isPureGrayscale(targets)
	candGray := isPureGrayscale(cand)
	targetTendency := hasColorTendency(targets)
	candTendency := hasColorTendency(cand)

	switch {
	case targetTendency && candGray:
		// The query leans toward a hue, the image is pure black and white.
		return 50
	case targetTendency && !candTendency:
		return 40
	case !targetGray && candGray:
		return 35
	case targetGray && !candGray:
		return 25
	}

	targetAvg := avgColorfulness(targets)
	candAvg := avgColorfulness(cand)
	diff := math.Abs(targetAvg - candAvg)
	if targetAvg > 0.2 && candAvg < 0.05 {
		return diff * 40
	}
	if diff > 0.1 {
		return (diff - 0.1) * 15
	}
	return 0
}
