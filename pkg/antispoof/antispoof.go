// Package antispoof scores face crops for presentation attacks
// (printed photos, phone and monitor replays).
package antispoof

import (
	"errors"
	"image"
	"image/color"
	"math"
)

// Result is the outcome of scoring one face.
type Result struct {
	IsReal bool    `json:"is_real"`
	Score  float64 `json:"score"`
}

// Scorer decides whether the face inside box is a live capture.
type Scorer interface {
	Score(img image.Image, box image.Rectangle) (Result, error)
}

// ErrEmptyRegion is returned when the face box does not overlap the image.
var ErrEmptyRegion = errors.New("face region is empty")

// textureNorm maps Laplacian variance into [0,1].
const textureNorm = 400.0

// TextureScorer flags recaptured faces by their lack of fine texture.
type TextureScorer struct {
	MinScore float64
}

// NewTextureScorer creates a scorer that accepts faces scoring at least minScore.
func NewTextureScorer(minScore float64) *TextureScorer {
	return &TextureScorer{MinScore: minScore}
}

// Score computes the variance of the Laplacian over the grayscale face crop.
func (s *TextureScorer) Score(img image.Image, box image.Rectangle) (Result, error) {
	r := box.Intersect(img.Bounds())
	if r.Dx() < 3 || r.Dy() < 3 {
		return Result{}, ErrEmptyRegion
	}

	variance := laplacianVariance(img, r)
	score := math.Min(variance/textureNorm, 1)
	if math.IsNaN(score) || score < 0 {
		score = 0
	}
	score = math.Round(score*1e6) / 1e6

	return Result{IsReal: score >= s.MinScore, Score: score}, nil
}

func laplacianVariance(img image.Image, r image.Rectangle) float64 {
	w, h := r.Dx(), r.Dy()
	gray := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.GrayModel.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.Gray)
			gray[y*w+x] = float64(g.Y)
		}
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := gray[y*w+x]
			lap := gray[(y-1)*w+x] + gray[(y+1)*w+x] + gray[y*w+x-1] + gray[y*w+x+1] - 4*c
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
