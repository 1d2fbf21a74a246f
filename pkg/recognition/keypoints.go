package recognition

import (
	"errors"
	"fmt"
)

// KeyPoints are the eye centers and nose point of a face in image coordinates.
// LeftEye is always the eye with the smaller x coordinate.
type KeyPoints struct {
	LeftEye, RightEye, Nose PointF
}

// PointF is a point with sub-pixel precision.
type PointF struct {
	X, Y float64
}

// ErrInsufficientLandmarks is returned when a face lacks the 5-point shape.
var ErrInsufficientLandmarks = errors.New("insufficient landmarks")

// KeyPoints reduces dlib's 5-point shape (two corners per eye, one under the
// nose) to eye centers and the nose point.
func (f *Face) KeyPoints() (KeyPoints, error) {
	if len(f.Landmarks) < 5 {
		return KeyPoints{}, fmt.Errorf("%w: got %d points", ErrInsufficientLandmarks, len(f.Landmarks))
	}

	a := midpoint(f.Landmarks[0], f.Landmarks[1])
	b := midpoint(f.Landmarks[2], f.Landmarks[3])
	if a.X > b.X {
		a, b = b, a
	}

	nose := f.Landmarks[4]
	return KeyPoints{
		LeftEye:  a,
		RightEye: b,
		Nose:     PointF{X: float64(nose.X), Y: float64(nose.Y)},
	}, nil
}

func midpoint(p, q Point) PointF {
	return PointF{
		X: float64(p.X+q.X) / 2,
		Y: float64(p.Y+q.Y) / 2,
	}
}
