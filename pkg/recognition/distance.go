package recognition

import (
	"errors"
	"fmt"
	"math"
)

// Metric names a distance function between embeddings.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
)

// ErrDimensionMismatch is returned when two embeddings have different lengths,
// which means they were produced by different models.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrUnknownMetric is returned for an unsupported metric name.
var ErrUnknownMetric = errors.New("unknown distance metric")

// Distance computes the distance between a and b under metric m.
func Distance(m Metric, a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	switch m {
	case MetricCosine:
		return CosineDistance(a, b), nil
	case MetricEuclidean:
		return EuclideanDistance(a, b), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, m)
	}
}

// EuclideanDistance calculates the L2 distance between two vectors.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}

	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// CosineDistance returns 1 - cosine similarity. A zero vector is at distance 1
// from everything.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// FindBestMatch returns the index and distance of the closest gallery vector.
// It returns -1 for an empty gallery.
func FindBestMatch(m Metric, query []float32, gallery [][]float32) (int, float64, error) {
	bestIdx := -1
	bestDist := math.MaxFloat64

	for i, v := range gallery {
		d, err := Distance(m, query, v)
		if err != nil {
			return -1, 0, err
		}
		if d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	return bestIdx, bestDist, nil
}
